package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/audio"
	"github.com/user/discord-voicechat/internal/stt"
)

const DefaultBaseURL = "https://api.deepgram.com"

type DeepgramTranscriber struct {
	apiKey    string
	model     string
	language  string
	punctuate bool

	BaseURL    string
	HTTPClient *http.Client
}

type DeepgramResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func NewDeepgramTranscriber(apiKey, model, language string, punctuate bool) *DeepgramTranscriber {
	return &DeepgramTranscriber{
		apiKey:     apiKey,
		model:      model,
		language:   language,
		punctuate:  punctuate,
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{},
	}
}

// Transcribe sends one whole utterance, so every result is final.
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, chunk *audio.Chunk) ([]stt.Transcript, error) {
	if len(chunk.PCM) == 0 {
		return nil, nil
	}

	wavData := audio.EncodeWAV(chunk.PCM, chunk.SampleRate)

	params := url.Values{}
	if d.model != "" {
		params.Set("model", d.model)
	}
	if d.language != "" {
		params.Set("language", d.language)
	}
	params.Set("punctuate", strconv.FormatBool(d.punctuate))
	params.Set("smart_format", "true")
	fullURL := d.BaseURL + "/v1/listen?" + params.Encode()

	log.Debug().
		Str("model", d.model).
		Str("chunk_id", chunk.ID.String()).
		Int("audio_size_bytes", len(wavData)).
		Msg("Making Deepgram API request")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(wavData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Warn().
			Int("status_code", resp.StatusCode).
			Str("response_body", string(body)).
			Msg("Deepgram API error response")
		return nil, fmt.Errorf("deepgram API error %d: %s", resp.StatusCode, string(body))
	}

	var result DeepgramResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Results.Channels) == 0 {
		log.Debug().Msg("No channels in Deepgram response")
		return nil, nil
	}

	channel := result.Results.Channels[0]
	for _, alternative := range channel.Alternatives {
		if alternative.Transcript == "" {
			continue
		}

		log.Debug().
			Str("chunk_id", chunk.ID.String()).
			Str("transcript", alternative.Transcript).
			Float64("confidence", alternative.Confidence).
			Msg("Deepgram transcription completed")

		// The first alternative is the best one.
		return []stt.Transcript{{
			ChunkID:    chunk.ID,
			UserID:     chunk.UserID,
			Text:       alternative.Transcript,
			IsFinal:    true,
			Confidence: alternative.Confidence,
			Language:   channel.DetectedLanguage,
			Source:     "deepgram",
			Start:      chunk.Start,
			End:        chunk.End,
		}}, nil
	}
	return nil, nil
}

func (d *DeepgramTranscriber) Close() error {
	return nil
}
