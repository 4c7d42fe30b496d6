// Package openai streams chat completions from any OpenAI-compatible endpoint
// (Ollama, llama.cpp, vLLM, LM Studio, or a hosted API).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/user/discord-voicechat/internal/llm"
	"github.com/user/discord-voicechat/internal/llm/sse"
	"github.com/user/discord-voicechat/internal/metrics"
)

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds one whole request including the streamed body. Zero
	// means no timeout.
	Timeout time.Duration

	HTTPClient *http.Client
	Metrics    *metrics.Recorder
}

type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration

	metrics *metrics.Recorder
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client timeout: it would cut off long streamed bodies.
		httpClient = &http.Client{}
	}
	return &Client{
		HTTPClient: httpClient,
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Timeout:    cfg.Timeout,
		metrics:    cfg.Metrics,
	}
}

// Stream starts a streaming completion for history. The returned stream must
// be closed. Cancelling ctx aborts the request and the stream reports ctx's
// error.
func (c *Client) Stream(ctx context.Context, history []llm.Message) (llm.Stream, error) {
	if c.Model == "" {
		return nil, errors.New("openai: model is not configured")
	}

	body, err := json.Marshal(c.request(history))
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	cancel := context.CancelFunc(func() {})
	if c.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	reader := sse.NewReader(resp.Body, decodeChunk,
		sse.WithContext(ctx),
		sse.WithSkipHook(func(string, error) { c.metrics.FrameSkipped() }),
	)
	return &stream{Reader: reader, cancel: cancel}, nil
}

func (c *Client) request(history []llm.Message) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return goopenai.ChatCompletionRequest{
		Model:    c.Model,
		Messages: msgs,
		Stream:   true,
	}
}

type stream struct {
	*sse.Reader
	cancel context.CancelFunc
}

func (s *stream) Close() error {
	defer s.cancel()
	if n := s.Skipped(); n > 0 {
		log.Debug().Int("skipped_frames", n).Msg("Stream closed with skipped frames")
	}
	return s.Reader.Close()
}

// streamChunk is the subset of a chat.completion.chunk frame that carries
// text. Servers disagree on the reasoning field name, so both are read.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
		} `json:"delta"`
	} `json:"choices"`
	Error *goopenai.APIError `json:"error"`
}

func decodeChunk(payload []byte) (llm.Delta, error) {
	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return llm.Delta{}, err
	}
	if chunk.Error != nil {
		return llm.Delta{}, sse.Fatal(fmt.Errorf("openai: stream error: %s", chunk.Error.Message))
	}

	var d llm.Delta
	for _, choice := range chunk.Choices {
		d.Answer += choice.Delta.Content
		d.Reasoning += choice.Delta.ReasoningContent
		d.Reasoning += choice.Delta.Reasoning
	}
	return d, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er goopenai.ErrorResponse
	if err := json.Unmarshal(b, &er); err == nil && er.Error != nil && er.Error.Message != "" {
		return fmt.Errorf("openai: status=%d: %s", resp.StatusCode, er.Error.Message)
	}
	return fmt.Errorf("openai: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
}
