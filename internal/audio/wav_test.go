package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAV(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767}
	wav := EncodeWAV(pcm, 16000)

	require.Len(t, wav, 44+len(pcm)*2)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, uint32(len(wav)-8), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(wav[40:44]))

	samples, err := BytesToInt16(wav[44:])
	require.NoError(t, err)
	assert.Equal(t, pcm, samples)
}

func TestBytesToInt16_OddLength(t *testing.T) {
	_, err := BytesToInt16([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestResample(t *testing.T) {
	in := []int16{0, 100, 200, 300}
	assert.Equal(t, in, Resample(in, 48000, 48000))

	up := Resample(in, 24000, 48000)
	require.Len(t, up, 8)
	assert.Equal(t, []int16{0, 50, 100, 150, 200, 250, 300, 300}, up)

	down := Resample(in, 48000, 24000)
	assert.Equal(t, []int16{0, 200}, down)
}

func TestMonoToStereo(t *testing.T) {
	assert.Equal(t, []int16{1, 1, -2, -2}, MonoToStereo([]int16{1, -2}))
}
