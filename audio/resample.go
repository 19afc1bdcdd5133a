package audio

import (
	"errors"
	"fmt"
)

// ErrInvalidSampleRate is returned for non-positive rates.
var ErrInvalidSampleRate = errors.New("audio: invalid sample rate")

// Upsample8kTo16k doubles the rate of mono PCM16LE by linear interpolation.
// The output holds exactly twice as many samples as the input.
func Upsample8kTo16k(pcm []byte) []byte {
	in := Samples(pcm)
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, len(in)*2)
	for i, s := range in {
		next := s
		if i+1 < len(in) {
			next = in[i+1]
		}
		out[i*2] = s
		out[i*2+1] = int16((int32(s) + int32(next)) / 2)
	}
	return Bytes(out)
}

// Downsample16kTo8k halves the rate of mono PCM16LE by averaging sample pairs.
// A trailing unpaired sample is dropped.
func Downsample16kTo8k(pcm []byte) []byte {
	in := Samples(pcm)
	n := len(in) / 2
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16((int32(in[i*2]) + int32(in[i*2+1])) / 2)
	}
	return Bytes(out)
}

// Resample converts mono PCM16LE between arbitrary rates using linear
// interpolation. The output holds floor(samples*toRate/fromRate) samples.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidSampleRate, fromRate, toRate)
	}
	if fromRate == toRate {
		return append([]byte(nil), evenLength(pcm)...), nil
	}
	in := Samples(pcm)
	outN := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	if outN == 0 {
		return nil, nil
	}

	ratio := float64(fromRate) / float64(toRate)
	out := make([]int16, outN)
	position := 0.0
	for i := 0; i < outN; i++ {
		idx := int(position)
		if idx >= len(in) {
			idx = len(in) - 1
		}
		frac := position - float64(idx)
		s1 := in[idx]
		s2 := s1
		if idx+1 < len(in) {
			s2 = in[idx+1]
		}
		out[i] = int16(float64(s1)*(1.0-frac) + float64(s2)*frac)
		position += ratio
	}
	return Bytes(out), nil
}

// DownmixStereo averages interleaved stereo PCM16LE into mono.
func DownmixStereo(pcm []byte) []byte {
	in := Samples(pcm)
	n := len(in) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16((int32(in[i*2]) + int32(in[i*2+1])) / 2)
	}
	return Bytes(out)
}
