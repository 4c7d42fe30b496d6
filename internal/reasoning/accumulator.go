// Package reasoning folds streamed deltas into answer and reasoning text and
// separates what may be spoken from what is only shown.
package reasoning

import (
	"strings"

	"github.com/user/discord-voicechat/internal/llm"
)

// Resolution is the view of a turn's output at one point in the stream.
type Resolution struct {
	// Thinking is nil when no reasoning has been identified.
	Thinking *string
	// Clean is the user-facing answer text.
	Clean string
	// Stable is the prefix of Clean that later deltas cannot retract.
	Stable string
}

// Accumulator is owned by a single turn and is not safe for concurrent use.
type Accumulator struct {
	markers   Markers
	answer    strings.Builder
	reasoning strings.Builder
	explicit  bool
}

func NewAccumulator(markers Markers) *Accumulator {
	return &Accumulator{markers: markers}
}

func (a *Accumulator) Apply(d llm.Delta) {
	if d.Answer != "" {
		a.answer.WriteString(d.Answer)
	}
	if d.Reasoning != "" {
		a.reasoning.WriteString(d.Reasoning)
		// Once a backend used the reasoning channel the turn never goes back
		// to scanning for markers.
		a.explicit = true
	}
}

// Explicit reports whether the turn switched to the explicit reasoning channel.
func (a *Accumulator) Explicit() bool {
	return a.explicit
}

func (a *Accumulator) Answer() string {
	return a.answer.String()
}

func (a *Accumulator) Reasoning() string {
	return a.reasoning.String()
}

func (a *Accumulator) Resolve() Resolution {
	answer := a.answer.String()
	if a.explicit {
		thinking := a.reasoning.String()
		return Resolution{Thinking: &thinking, Clean: answer, Stable: answer}
	}

	thinking, clean := ExtractMarkers(answer, a.markers)
	if thinking != nil {
		return Resolution{Thinking: thinking, Clean: clean, Stable: stablePrefix(clean, a.markers)}
	}
	return Resolution{Clean: clean, Stable: stablePrefix(answer, a.markers)}
}
