package reasoning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/discord-voicechat/internal/llm"
)

func TestExtractMarkers(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantThinking *string
		wantClean    string
	}{
		{"both markers", "before<think>middle</think>after", strPtr("middle"), "beforeafter"},
		{"trims both sides", "  Hi <think>\n plan \n</think> there.  ", strPtr("plan"), "Hi  there."},
		{"no markers", "no markers here", nil, "no markers here"},
		{"only start", "a<think>b", nil, "a<think>b"},
		{"only end", "a</think>b", nil, "a</think>b"},
		{"end before start", "a</think>b<think>c", nil, "a</think>b<think>c"},
		{"empty reasoning", "<think></think>Answer.", strPtr(""), "Answer."},
		{"first pair only", "<think>x</think>a<think>y</think>b", strPtr("x"), "a<think>y</think>b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thinking, clean := ExtractMarkers(tt.text, DefaultMarkers())
			assert.Equal(t, tt.wantThinking, thinking)
			assert.Equal(t, tt.wantClean, clean)
		})
	}
}

func TestAccumulator_LegacyMarkers(t *testing.T) {
	acc := NewAccumulator(DefaultMarkers())
	for _, frag := range []string{"before<th", "ink>mid", "dle</think>", "after"} {
		acc.Apply(llm.Delta{Answer: frag})
	}

	res := acc.Resolve()
	require.NotNil(t, res.Thinking)
	assert.Equal(t, "middle", *res.Thinking)
	assert.Equal(t, "beforeafter", res.Clean)
	assert.False(t, acc.Explicit())
}

func TestAccumulator_NoMarkers(t *testing.T) {
	acc := NewAccumulator(DefaultMarkers())
	acc.Apply(llm.Delta{Answer: "no markers here"})

	res := acc.Resolve()
	assert.Nil(t, res.Thinking)
	assert.Equal(t, "no markers here", res.Clean)
	assert.Equal(t, "no markers here", res.Stable)
}

func TestAccumulator_ExplicitChannelIsPermanent(t *testing.T) {
	acc := NewAccumulator(DefaultMarkers())
	acc.Apply(llm.Delta{Reasoning: "considering"})
	acc.Apply(llm.Delta{Answer: "Use <think>tags</think> like this."})

	res := acc.Resolve()
	require.NotNil(t, res.Thinking)
	assert.Equal(t, "considering", *res.Thinking)
	assert.Equal(t, "Use <think>tags</think> like this.", res.Clean)
	assert.True(t, acc.Explicit())
}

func TestAccumulator_ExplicitCleanGrowsMonotonically(t *testing.T) {
	acc := NewAccumulator(DefaultMarkers())
	deltas := []llm.Delta{
		{Reasoning: "a"},
		{Answer: "The", Reasoning: "b"},
		{Answer: " answer"},
		{Reasoning: "c"},
		{Answer: " </think>is"},
		{Answer: " 42."},
	}
	prev := ""
	for _, d := range deltas {
		acc.Apply(d)
		res := acc.Resolve()
		assert.True(t, strings.HasPrefix(res.Clean, prev), "clean %q must extend %q", res.Clean, prev)
		prev = res.Clean
	}
	assert.Equal(t, "The answer </think>is 42.", prev)
}

func TestAccumulator_StableHoldsBackOpenMarker(t *testing.T) {
	acc := NewAccumulator(DefaultMarkers())

	acc.Apply(llm.Delta{Answer: "Sure. <thi"})
	assert.Equal(t, "Sure. ", acc.Resolve().Stable)

	acc.Apply(llm.Delta{Answer: "nk>secret plan"})
	res := acc.Resolve()
	assert.Nil(t, res.Thinking)
	assert.Equal(t, "Sure. <think>secret plan", res.Clean)
	assert.Equal(t, "Sure. ", res.Stable)

	acc.Apply(llm.Delta{Answer: "</think> Done."})
	res = acc.Resolve()
	require.NotNil(t, res.Thinking)
	assert.Equal(t, "secret plan", *res.Thinking)
	assert.Equal(t, "Sure.  Done.", res.Clean)
	assert.Equal(t, res.Clean, res.Stable)
}

func TestAccumulator_ResolveIsIdempotent(t *testing.T) {
	acc := NewAccumulator(DefaultMarkers())
	acc.Apply(llm.Delta{Answer: "x<think>y</think>z"})
	assert.Equal(t, acc.Resolve(), acc.Resolve())
}

func strPtr(s string) *string { return &s }
