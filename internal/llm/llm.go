package llm

import "errors"

// ErrDone is returned by a delta stream once the backend sent its terminal frame.
// It is distinct from io.EOF (the body ended without a terminal frame) and from
// context.Canceled (the request was aborted by the caller).
var ErrDone = errors.New("llm: stream done")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the history sent to a backend.
type Message struct {
	Role    Role
	Content string
}

// Delta is one incremental unit of streamed output. Either fragment may be empty.
type Delta struct {
	Answer    string
	Reasoning string
}

func (d Delta) Empty() bool {
	return d.Answer == "" && d.Reasoning == ""
}

// Stream yields deltas until it returns ErrDone, io.EOF, the request
// context's error, or a transport error. Close releases the request.
type Stream interface {
	Next() (Delta, error)
	Close() error
}
