package audio

import (
	"time"

	"github.com/google/uuid"
)

// Chunk is one endpointed utterance of a single speaker.
type Chunk struct {
	ID         uuid.UUID
	PCM        []int16
	SampleRate int
	Start      time.Time
	End        time.Time
	UserID     string
}

func (c *Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.PCM)) * time.Second / time.Duration(c.SampleRate)
}

// Decoder turns one received voice packet into mono PCM.
type Decoder interface {
	Decode(opus []byte) ([]int16, error)
}

// VAD interface for Voice Activity Detection
type VAD interface {
	IsSpeech(pcm []int16, sampleRate int) bool
	Close() error
}
