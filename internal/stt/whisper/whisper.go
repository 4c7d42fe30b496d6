// Package whisper transcribes utterances with a self-hosted Whisper server
// exposing POST /stt (multipart "audio" field, JSON {text, language} reply).
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/audio"
	"github.com/user/discord-voicechat/internal/stt"
)

// Whisper performs best at 16 kHz.
const uploadSampleRate = 16000

type WhisperTranscriber struct {
	baseURL    string
	httpClient *http.Client
}

type sttResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func NewWhisperTranscriber(baseURL string, httpClient *http.Client) *WhisperTranscriber {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WhisperTranscriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, chunk *audio.Chunk) ([]stt.Transcript, error) {
	if len(chunk.PCM) == 0 {
		return nil, nil
	}

	wav := audio.EncodeWAV(audio.Resample(chunk.PCM, chunk.SampleRate, uploadSampleRate), uploadSampleRate)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio", chunk.ID.String()+".wav")
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/stt", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && er.Detail != "" {
			return nil, fmt.Errorf("whisper error %d: %s", resp.StatusCode, er.Detail)
		}
		return nil, fmt.Errorf("whisper error %d: %s", resp.StatusCode, string(raw))
	}

	var result sttResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return nil, nil
	}

	log.Debug().
		Str("chunk_id", chunk.ID.String()).
		Str("text", text).
		Str("language", result.Language).
		Msg("Whisper transcription completed")

	return []stt.Transcript{{
		ChunkID:  chunk.ID,
		UserID:   chunk.UserID,
		Text:     text,
		IsFinal:  true,
		Language: result.Language,
		Source:   "whisper",
		Start:    chunk.Start,
		End:      chunk.End,
	}}, nil
}

func (w *WhisperTranscriber) Close() error {
	return nil
}
