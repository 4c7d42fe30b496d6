package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/discord-voicechat/internal/llm"
	"github.com/user/discord-voicechat/internal/turn"
)

func TestSaveConversation(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	thinking := "check the forecast"
	path, err := s.SaveConversation("session_1", []turn.Message{
		{Role: llm.RoleUser, Content: "What's the weather?"},
		{Role: llm.RoleAssistant, Content: "Sunny today.", Thinking: &thinking},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "conversations", "session_1.jsonl"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Nil(t, entries[0].Thinking)
	assert.Equal(t, 1, entries[1].Index)
	assert.Equal(t, "Sunny today.", entries[1].Content)
	require.NotNil(t, entries[1].Thinking)
	assert.Equal(t, thinking, *entries[1].Thinking)
	assert.Equal(t, "session_1", entries[1].SessionID)
}

func TestGenerateSessionID(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateSessionID(), "session_"))
}
