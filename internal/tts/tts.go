// Package tts speaks text chunks into a voice connection.
package tts

import (
	"context"
)

// Source synthesizes mono PCM16 for one chunk of text. The PCM channel is
// closed when synthesis ends; the error channel then yields at most one error
// and is closed too.
type Source interface {
	Name() string
	SampleRate() int
	Synthesize(ctx context.Context, text string) (<-chan []int16, <-chan error)
	// Load prepares the backend, reporting progress from 0 to 100.
	Load(ctx context.Context, progress func(pct int)) error
}

// Sink receives encoded playback frames.
type Sink interface {
	Send(ctx context.Context, packet []byte) error
	SetSpeaking(speaking bool)
}

// Encoder turns one 20ms interleaved stereo frame into a packet.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}
