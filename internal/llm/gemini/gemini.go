// Package gemini streams replies from Google's Gemini models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/llm"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	roleUser  = "user"
	roleModel = "model"
)

type Generator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

func NewGenerator(ctx context.Context, apiKey, model string, timeout time.Duration) (*Generator, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Generator{
		client:  client,
		model:   model,
		timeout: timeout,
	}, nil
}

// Stream sends the last user message of history and replays the rest as chat
// history. Text parts are yielded as answer fragments.
func (g *Generator) Stream(ctx context.Context, history []llm.Message) (llm.Stream, error) {
	contents := buildContents(history)
	if len(contents) == 0 || contents[len(contents)-1].Role != roleUser {
		return nil, errors.New("gemini: history must end with a user message")
	}

	var cancel context.CancelFunc
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	last := contents[len(contents)-1]
	chat := g.client.GenerativeModel(g.model).StartChat()
	chat.History = contents[:len(contents)-1]

	log.Debug().
		Str("model", g.model).
		Int("history", len(chat.History)).
		Msg("Starting Gemini stream")

	return &stream{ctx: ctx, cancel: cancel, iter: chat.SendMessageStream(ctx, last.Parts...)}, nil
}

func (g *Generator) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// buildContents maps history onto Gemini's two roles. System text is folded
// into the next user message and consecutive messages of one role are merged,
// since chats must alternate.
func buildContents(history []llm.Message) []*genai.Content {
	var (
		contents []*genai.Content
		texts    []string
		system   []string
	)
	flush := func(role string) {
		if len(texts) == 0 {
			return
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(strings.Join(texts, "\n\n"))},
		})
		texts = nil
	}

	current := ""
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}

		role := roleUser
		if m.Role == llm.RoleAssistant {
			role = roleModel
		}
		if role != current {
			flush(current)
			current = role
		}
		if role == roleUser && len(system) > 0 {
			texts = append(texts, system...)
			system = nil
		}
		texts = append(texts, m.Content)
	}
	flush(current)
	return contents
}

type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	iter   responseIterator
}

func (s *stream) Next() (llm.Delta, error) {
	for {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			return llm.Delta{}, io.EOF
		}
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return llm.Delta{}, ctxErr
			}
			return llm.Delta{}, fmt.Errorf("gemini: stream: %w", err)
		}
		if text := responseText(resp); text != "" {
			return llm.Delta{Answer: text}, nil
		}
	}
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
