package audio

import "time"

// Accumulator defaults.
const (
	DefaultSilence        = time.Second
	DefaultMaxBufferBytes = 160000 // ~5s of PCM16 at 16kHz
)

// Accumulator buffers caller PCM until an utterance looks complete: either the
// caller has been silent for the silence threshold or the buffer outgrew its cap.
// It is owned by a single goroutine and is not safe for concurrent use.
type Accumulator struct {
	buf        []byte
	lastUpdate time.Time
	silence    time.Duration
	maxBytes   int
	now        func() time.Time
}

// AccumulatorOption configures an Accumulator.
type AccumulatorOption func(*Accumulator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) AccumulatorOption {
	return func(a *Accumulator) { a.now = now }
}

// NewAccumulator returns an empty accumulator. Non-positive arguments fall back
// to DefaultSilence and DefaultMaxBufferBytes.
func NewAccumulator(silence time.Duration, maxBytes int, opts ...AccumulatorOption) *Accumulator {
	if silence <= 0 {
		silence = DefaultSilence
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	a := &Accumulator{
		silence:  silence,
		maxBytes: maxBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.lastUpdate = a.now()
	return a
}

// AddChunk appends a copy of chunk and marks the buffer as freshly updated.
func (a *Accumulator) AddChunk(chunk []byte) {
	a.buf = append(a.buf, chunk...)
	a.lastUpdate = a.now()
}

// ShouldProcess reports whether the buffered audio is ready for transcription.
func (a *Accumulator) ShouldProcess() bool {
	if len(a.buf) == 0 {
		return false
	}
	silent := a.now().Sub(a.lastUpdate) > a.silence
	full := len(a.buf) > a.maxBytes
	return silent || full
}

// Consume hands over the buffered audio and leaves the accumulator empty.
func (a *Accumulator) Consume() []byte {
	out := a.buf
	a.buf = nil
	return out
}

// Reset discards buffered audio.
func (a *Accumulator) Reset() {
	a.buf = nil
}

// Len is the number of buffered bytes.
func (a *Accumulator) Len() int { return len(a.buf) }

// Empty reports whether nothing has been added since the last Consume or Reset.
func (a *Accumulator) Empty() bool { return len(a.buf) == 0 }

// LastUpdate is when the last chunk arrived, or construction time if none has.
func (a *Accumulator) LastUpdate() time.Time { return a.lastUpdate }
