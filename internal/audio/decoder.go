package audio

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	SampleRate = 48000
	Channels   = 1   // Mono
	FrameSize  = 960 // 20ms at 48kHz

	// Discord expects stereo playback frames.
	PlaybackChannels = 2
	maxOpusFrameSize = 4000
)

type OpusDecoder struct {
	decoder *gopus.Decoder
}

func NewOpusDecoder() (*OpusDecoder, error) {
	decoder, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	return &OpusDecoder{
		decoder: decoder,
	}, nil
}

func (d *OpusDecoder) Decode(opus []byte) ([]int16, error) {
	// Handle silence frames
	if len(opus) == 3 && opus[0] == 0xF8 && opus[1] == 0xFF && opus[2] == 0xFE {
		return make([]int16, FrameSize), nil
	}

	pcm, err := d.decoder.Decode(opus, FrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode opus: %w", err)
	}

	return pcm, nil
}

// OpusEncoder encodes 20ms interleaved stereo frames for playback.
type OpusEncoder struct {
	encoder *gopus.Encoder
}

func NewOpusEncoder() (*OpusEncoder, error) {
	encoder, err := gopus.NewEncoder(SampleRate, PlaybackChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	return &OpusEncoder{encoder: encoder}, nil
}

// Encode takes FrameSize*PlaybackChannels interleaved samples.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != FrameSize*PlaybackChannels {
		return nil, fmt.Errorf("opus encode: got %d samples, want %d", len(pcm), FrameSize*PlaybackChannels)
	}
	packet, err := e.encoder.Encode(pcm, FrameSize, maxOpusFrameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to encode opus: %w", err)
	}
	return packet, nil
}
