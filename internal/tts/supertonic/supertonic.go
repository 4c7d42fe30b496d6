// Package supertonic synthesizes speech with a self-hosted Supertonic server.
//
// POST /tts/stream-simple answers with an 8-byte header (sample rate and
// text chunk count, both little-endian uint32) followed by frames of a
// little-endian uint32 byte length and that many bytes of mono PCM16.
package supertonic

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/audio"
)

const (
	headerSize = 8
	// Upper bound for one frame; a larger length means the stream is corrupt.
	maxFrameBytes = 16 << 20
)

type Config struct {
	BaseURL string
	Voice   string
	Speed   float64
	Quality int
}

type Source struct {
	cfg        Config
	httpClient *http.Client
}

type streamRequest struct {
	Text    string  `json:"text"`
	VoiceID string  `json:"voice_id"`
	Quality int     `json:"quality"`
	Speed   float64 `json:"speed"`
}

type voicesResponse struct {
	Voices  []string `json:"voices"`
	Default string   `json:"default"`
}

func NewSource(cfg Config, httpClient *http.Client) *Source {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Voice == "" {
		cfg.Voice = "F1"
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.05
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 20
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Source{cfg: cfg, httpClient: httpClient}
}

func (s *Source) Name() string { return "supertonic" }

// SampleRate is the output rate. PCM is resampled from the rate announced in
// each response header.
func (s *Source) SampleRate() int { return audio.SampleRate }

// Load checks the server is up and knows the configured voice.
func (s *Source) Load(ctx context.Context, progress func(pct int)) error {
	progress(0)
	if err := s.get(ctx, "/health", nil); err != nil {
		return fmt.Errorf("supertonic health: %w", err)
	}
	progress(50)

	var voices voicesResponse
	if err := s.get(ctx, "/tts/voices", &voices); err != nil {
		return fmt.Errorf("supertonic voices: %w", err)
	}
	found := false
	for _, v := range voices.Voices {
		if v == s.cfg.Voice {
			found = true
			break
		}
	}
	if !found {
		// The server silently falls back to its default voice.
		log.Warn().
			Str("voice", s.cfg.Voice).
			Str("default", voices.Default).
			Strs("voices", voices.Voices).
			Msg("Supertonic voice not available, server default will be used")
	}
	progress(100)
	return nil
}

func (s *Source) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Source) Synthesize(ctx context.Context, text string) (<-chan []int16, <-chan error) {
	pcmCh := make(chan []int16, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(pcmCh)

		if err := s.stream(ctx, text, pcmCh); err != nil {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			errCh <- err
		}
	}()

	return pcmCh, errCh
}

func (s *Source) stream(ctx context.Context, text string, out chan<- []int16) error {
	body, err := json.Marshal(streamRequest{
		Text:    text,
		VoiceID: s.cfg.Voice,
		Quality: s.cfg.Quality,
		Speed:   s.cfg.Speed,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/tts/stream-simple", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supertonic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("supertonic error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return decodeStream(ctx, resp.Body, out)
}

// decodeStream reads the framed PCM body and sends 48 kHz samples to out.
func decodeStream(ctx context.Context, r io.Reader, out chan<- []int16) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	rate := int(binary.LittleEndian.Uint32(header[0:4]))
	chunks := binary.LittleEndian.Uint32(header[4:8])
	if rate <= 0 {
		return fmt.Errorf("invalid sample rate %d", rate)
	}

	log.Debug().
		Int("sample_rate", rate).
		Uint32("text_chunks", chunks).
		Msg("Supertonic stream started")

	var size [4]byte
	for {
		if _, err := io.ReadFull(r, size[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame length: %w", err)
		}
		n := binary.LittleEndian.Uint32(size[:])
		if n > maxFrameBytes {
			return fmt.Errorf("frame of %d bytes exceeds limit", n)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		pcm, err := audio.BytesToInt16(frame)
		if err != nil {
			return err
		}
		if len(pcm) == 0 {
			continue
		}

		select {
		case out <- audio.Resample(pcm, rate, audio.SampleRate):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
