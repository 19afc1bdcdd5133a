package audio

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAccumulator(silence time.Duration, maxBytes int) (*Accumulator, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	return NewAccumulator(silence, maxBytes, WithClock(clock.Now)), clock
}

func TestAccumulatorDefaults(t *testing.T) {
	a := NewAccumulator(0, 0)
	assert.Equal(t, DefaultSilence, a.silence)
	assert.Equal(t, DefaultMaxBufferBytes, a.maxBytes)
	assert.True(t, a.Empty())
}

func TestAccumulatorEmptyNeverReady(t *testing.T) {
	a, clock := newTestAccumulator(time.Second, 100)
	clock.Advance(time.Hour)
	assert.False(t, a.ShouldProcess())
}

func TestAccumulatorSilenceTrigger(t *testing.T) {
	a, clock := newTestAccumulator(time.Second, 1000)
	a.AddChunk([]byte{1, 2})

	clock.Advance(time.Second)
	assert.False(t, a.ShouldProcess(), "threshold must be exceeded, not just reached")

	clock.Advance(time.Millisecond)
	assert.True(t, a.ShouldProcess())
}

func TestAccumulatorChunkResetsSilence(t *testing.T) {
	a, clock := newTestAccumulator(time.Second, 1000)
	a.AddChunk([]byte{1, 2})
	clock.Advance(900 * time.Millisecond)
	a.AddChunk([]byte{3, 4})
	clock.Advance(900 * time.Millisecond)
	assert.False(t, a.ShouldProcess())
}

func TestAccumulatorSizeTrigger(t *testing.T) {
	a, clock := newTestAccumulator(time.Second, 10)
	for i := 0; i < 5; i++ {
		a.AddChunk([]byte{0, 0})
		clock.Advance(20 * time.Millisecond)
	}
	assert.False(t, a.ShouldProcess(), "10 bytes is not over a 10 byte cap")

	a.AddChunk([]byte{0, 0})
	assert.True(t, a.ShouldProcess(), "size trigger fires with continuous arrival")
}

func TestAccumulatorConsumeClears(t *testing.T) {
	a, clock := newTestAccumulator(time.Second, 1000)
	a.AddChunk([]byte{1, 2})
	a.AddChunk([]byte{3})

	got := a.Consume()
	assert.Equal(t, []byte{1, 2, 3}, got)
	assert.True(t, a.Empty())
	assert.Nil(t, a.Consume())

	clock.Advance(time.Minute)
	assert.False(t, a.ShouldProcess())

	a.AddChunk([]byte{9})
	assert.Equal(t, []byte{1, 2, 3}, got, "consumed audio is not touched by later chunks")
}

func TestAccumulatorChunkCopied(t *testing.T) {
	a, _ := newTestAccumulator(time.Second, 1000)
	chunk := []byte{1, 2, 3}
	a.AddChunk(chunk)
	chunk[0] = 42
	assert.Equal(t, []byte{1, 2, 3}, a.Consume())
}

func TestAccumulatorConsumeConcatenationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := NewAccumulator(time.Second, DefaultMaxBufferBytes)
		rounds := rapid.IntRange(1, 5).Draw(t, "rounds")
		for r := 0; r < rounds; r++ {
			chunks := rapid.SliceOf(rapid.SliceOfN(rapid.Byte(), 1, 64)).Draw(t, "chunks")
			var want []byte
			for _, c := range chunks {
				a.AddChunk(c)
				want = append(want, c...)
			}
			got := a.Consume()
			if !bytes.Equal(want, got) {
				t.Fatalf("round %d: consume returned %v, want %v", r, got, want)
			}
			if !a.Empty() {
				t.Fatalf("round %d: buffer not empty after consume", r)
			}
		}
	})
}

func TestAccumulatorReset(t *testing.T) {
	a, _ := newTestAccumulator(time.Second, 1000)
	a.AddChunk([]byte{1})
	a.Reset()
	require.True(t, a.Empty())
	assert.Equal(t, 0, a.Len())
}
