// Package stt turns endpointed utterance audio into transcripts.
package stt

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/user/discord-voicechat/internal/audio"
)

// Transcript is one recognition result. Partial results may be revised by a
// later final result for the same chunk.
type Transcript struct {
	ChunkID    uuid.UUID
	UserID     string
	Text       string
	IsFinal    bool
	Confidence float64
	Language   string
	Source     string
	Start      time.Time
	End        time.Time
}

// Transcriber interface for STT backends
type Transcriber interface {
	Transcribe(ctx context.Context, chunk *audio.Chunk) ([]Transcript, error)
	Close() error
}

type Status string

const (
	StatusLoading      Status = "loading"
	StatusReady        Status = "ready"
	StatusListening    Status = "listening"
	StatusRecording    Status = "recording"
	StatusTranscribing Status = "transcribing"
	StatusError        Status = "error"
)

// Event is either a status change or a transcript.
type Event struct {
	Status     Status
	Transcript *Transcript
	Err        error
}
