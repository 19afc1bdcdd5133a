// Package audio converts between the Twilio wire codec (µ-law, 8kHz mono) and
// 16-bit little-endian linear PCM, and accumulates caller speech into utterances.
package audio

import (
	"encoding/binary"

	"github.com/zaf/g711"
)

const (
	// TelephonyRate is the Media Streams sample rate.
	TelephonyRate = 8000
	// SpeechRate is the rate every transcriber receives.
	SpeechRate = 16000
	// BytesPerSample for PCM16.
	BytesPerSample = 2
)

// DecodeMulaw expands µ-law bytes into PCM16LE at 8kHz. Any input length is
// accepted; the output is exactly twice as long.
func DecodeMulaw(codec []byte) []byte {
	if len(codec) == 0 {
		return nil
	}
	return g711.DecodeUlaw(codec)
}

// EncodeMulaw compands PCM16LE at 8kHz into µ-law. Callers should pass whole
// 320-byte frames; longer input is encoded as-is and an odd trailing byte is
// dropped.
func EncodeMulaw(pcm []byte) []byte {
	pcm = evenLength(pcm)
	if len(pcm) == 0 {
		return nil
	}
	return g711.EncodeUlaw(pcm)
}

func evenLength(pcm []byte) []byte {
	return pcm[:len(pcm)-len(pcm)%BytesPerSample]
}

// Samples reads PCM16LE bytes into int16 samples. An odd trailing byte is ignored.
func Samples(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes writes int16 samples as PCM16LE.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
