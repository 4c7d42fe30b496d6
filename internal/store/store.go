package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/turn"
)

type FileStore struct {
	baseDir string
}

// Entry is one line of an exported conversation log.
type Entry struct {
	SessionID string    `json:"session_id"`
	Index     int       `json:"index"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Thinking  *string   `json:"thinking,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

func NewFileStore(baseDir string) (*FileStore, error) {
	conversationDir := filepath.Join(baseDir, "conversations")

	if err := os.MkdirAll(conversationDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
	}, nil
}

// SaveConversation writes the session's history as JSONL. The export is for
// people to read; sessions never load it back.
func (s *FileStore) SaveConversation(sessionID string, messages []turn.Message) (string, error) {
	filename := fmt.Sprintf("%s.jsonl", sessionID)
	path := filepath.Join(s.baseDir, "conversations", filename)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation file: %w", err)
	}
	defer file.Close()

	now := time.Now().UTC()
	encoder := json.NewEncoder(file)
	for i, msg := range messages {
		entry := Entry{
			SessionID: sessionID,
			Index:     i,
			Role:      string(msg.Role),
			Content:   msg.Content,
			Thinking:  msg.Thinking,
			SavedAt:   now,
		}
		if err := encoder.Encode(entry); err != nil {
			return "", fmt.Errorf("failed to encode message: %w", err)
		}
	}

	log.Info().
		Str("session_id", sessionID).
		Str("file", path).
		Int("messages", len(messages)).
		Msg("Saved conversation")

	return path, nil
}

func GenerateSessionID() string {
	return fmt.Sprintf("session_%s", time.Now().Format("20060102_150405"))
}
