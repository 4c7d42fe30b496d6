// Package deepgram synthesizes speech with Deepgram's streaming Aura voices.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/audio"
)

// The socket stays open after the last audio frame. A chunk ends when the
// server acknowledges the flush, or after maxChunkTime without one.
const maxChunkTime = 20 * time.Second

type Source struct {
	apiKey string
	model  string
}

func NewSource(apiKey, model string) *Source {
	if model == "" {
		model = "aura-asteria-en"
	}
	return &Source{apiKey: apiKey, model: model}
}

func (s *Source) Name() string    { return "deepgram" }
func (s *Source) SampleRate() int { return audio.SampleRate }

func (s *Source) Load(_ context.Context, progress func(pct int)) error {
	progress(0)
	if s.apiKey == "" {
		return errors.New("deepgram: API key missing")
	}
	progress(100)
	return nil
}

func (s *Source) Synthesize(ctx context.Context, text string) (<-chan []int16, <-chan error) {
	pcmCh := make(chan []int16, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(pcmCh)

		if s.apiKey == "" {
			errCh <- errors.New("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		cb := newSpeakCallback(ctx, pcmCh)
		// Runs before pcmCh is closed; late audio frames are dropped.
		defer cb.shut()

		options := &clientinterfaces.WSSpeakOptions{
			Model:      s.model,
			Encoding:   "linear16",
			SampleRate: audio.SampleRate,
		}
		dg, err := speak.NewWSUsingCallback(ctx, s.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}
		var stopOnce sync.Once
		stop := func() { stopOnce.Do(dg.Stop) }
		defer stop()

		if ok := dg.Connect(); !ok {
			errCh <- errors.New("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			log.Warn().Err(err).Msg("Deepgram flush failed")
		}

		deadline := time.NewTimer(maxChunkTime)
		defer deadline.Stop()
		select {
		case <-cb.flushed:
		case <-ctx.Done():
		case <-deadline.C:
			log.Warn().Str("model", s.model).Msg("Deepgram synthesis timed out")
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	ctx context.Context
	out chan<- []int16

	// flushed is closed when the server has sent all audio for the text.
	flushed   chan struct{}
	flushOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu     sync.Mutex
	closed bool
	// An odd trailing byte carried over to the next message.
	carry []byte
}

func newSpeakCallback(ctx context.Context, out chan<- []int16) *speakCallback {
	return &speakCallback{
		ctx:     ctx,
		out:     out,
		flushed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// shut stops delivery. A Binary call blocked on out returns first.
func (s *speakCallback) shut() {
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	s.flushOnce.Do(func() { close(s.flushed) })
	return nil
}

func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	log.Warn().Interface("error", er).Msg("Deepgram speak error")
	return nil
}

func (s *speakCallback) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	buf := append(s.carry, data...)
	even := len(buf) &^ 1
	s.carry = append([]byte(nil), buf[even:]...)
	pcm, err := audio.BytesToInt16(buf[:even])
	if err != nil {
		return err
	}

	select {
	case s.out <- pcm:
	case <-s.ctx.Done():
	case <-s.done:
	}
	return nil
}
