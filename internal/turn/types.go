package turn

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/user/discord-voicechat/internal/llm"
)

// Message is one entry of the conversation history. The assistant message of
// the active turn grows in place while its turn streams.
type Message struct {
	Role     llm.Role `json:"role"`
	Content  string   `json:"content"`
	Thinking *string  `json:"thinking"`
}

// Utterance is a finalized user input.
type Utterance struct {
	ID         uuid.UUID `json:"id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

func NewUtterance(text string, receivedAt time.Time) Utterance {
	return Utterance{
		ID:         uuid.New(),
		Text:       strings.TrimSpace(text),
		ReceivedAt: receivedAt,
	}
}

type State int

const (
	StateIdle State = iota
	StateGenerating
	StateSpeaking
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrorKind classifies errors surfaced through Status.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	// ErrorTransport aborted the current turn; the session continues.
	ErrorTransport
	// ErrorUnavailable means a collaborator cannot be used until the user acts.
	ErrorUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorTransport:
		return "transport"
	case ErrorUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Status is reported on every state change and on surfaced errors.
type Status struct {
	State   State
	TurnID  uuid.UUID
	Pending *Utterance
	Err     error
	Kind    ErrorKind
}

type DeltaStream = llm.Stream

// Generator starts a streaming generation for a message history. It must
// abort the request when ctx is cancelled.
type Generator interface {
	Stream(ctx context.Context, history []llm.Message) (DeltaStream, error)
}

// Synthesizer speaks one chunk at a time. Speak returns when playback of the
// chunk finished or was stopped. Stop must be safe to call at any time.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
	Stop()
	SetMuted(muted bool)
	Muted() bool
}
