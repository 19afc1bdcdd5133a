package audio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := ramp(1600, 7)
	wavBytes, err := EncodeWAV(pcm, SpeechRate)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(wavBytes), 44+len(pcm))
	assert.Equal(t, "RIFF", string(wavBytes[0:4]))
	assert.Equal(t, "WAVE", string(wavBytes[8:12]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wavBytes[22:24]), "mono")
	assert.Equal(t, uint32(SpeechRate), binary.LittleEndian.Uint32(wavBytes[24:28]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wavBytes[34:36]))
	assert.True(t, bytes.HasSuffix(wavBytes, pcm), "samples follow the header unchanged")
}

func TestEncodeWAVRejectsRate(t *testing.T) {
	_, err := EncodeWAV(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidSampleRate)
}

func TestDecodeMP3Garbage(t *testing.T) {
	_, err := DecodeMP3(bytes.NewReader([]byte("not an mp3 stream")), SpeechRate)
	assert.Error(t, err)
}

func TestSeekBufferPatches(t *testing.T) {
	b := &seekBuffer{}
	_, _ = b.Write([]byte("abcdef"))
	_, err := b.Seek(2, 0)
	require.NoError(t, err)
	_, _ = b.Write([]byte("XY"))
	assert.Equal(t, "abXYef", string(b.buf))
}
