package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/audio"
)

// Player plays synthesized chunks one at a time.
type Player struct {
	source Source
	enc    Encoder
	sink   Sink

	muted atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64
}

func NewPlayer(source Source, enc Encoder, sink Sink) *Player {
	return &Player{source: source, enc: enc, sink: sink}
}

func (p *Player) Load(ctx context.Context, progress func(pct int)) error {
	if progress == nil {
		progress = func(int) {}
	}
	if err := p.source.Load(ctx, progress); err != nil {
		return fmt.Errorf("load %s synthesizer: %w", p.source.Name(), err)
	}
	return nil
}

// Speak synthesizes text and blocks until the last frame was handed to the
// sink. It returns context.Canceled if Stop was called or ctx was cancelled.
func (p *Player) Speak(ctx context.Context, text string) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.seq++
	seq := p.seq
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.seq == seq {
			p.cancel = nil
		}
		p.mu.Unlock()
		cancel()
	}()

	pcmCh, errCh := p.source.Synthesize(ctx, text)

	p.sink.SetSpeaking(true)
	defer p.sink.SetSpeaking(false)

	rate := p.source.SampleRate()
	var pending []int16
	for pcm := range pcmCh {
		pending = append(pending, audio.Resample(pcm, rate, audio.SampleRate)...)
		for len(pending) >= audio.FrameSize {
			if err := p.play(ctx, pending[:audio.FrameSize]); err != nil {
				return drain(ctx, cancel, pcmCh, err)
			}
			pending = pending[audio.FrameSize:]
		}
	}

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err := <-errCh; err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("synthesize: %w", err)
	}

	if len(pending) > 0 {
		frame := make([]int16, audio.FrameSize)
		copy(frame, pending)
		if err := p.play(ctx, frame); err != nil {
			return drain(ctx, cancel, pcmCh, err)
		}
	}
	return nil
}

func (p *Player) play(ctx context.Context, mono []int16) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	if p.muted.Load() {
		return nil
	}
	packet, err := p.enc.Encode(audio.MonoToStereo(mono))
	if err != nil {
		return err
	}
	if err := p.sink.Send(ctx, packet); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return nil
}

// drain releases the source after playback stopped early.
func drain(ctx context.Context, cancel context.CancelFunc, pcmCh <-chan []int16, err error) error {
	cancelled := ctx.Err() != nil
	cancel()
	for range pcmCh {
	}
	if cancelled || errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return fmt.Errorf("play: %w", err)
}

// Stop interrupts the chunk being spoken. It is safe to call at any time.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		log.Debug().Msg("Stopping playback")
		p.cancel()
		p.cancel = nil
	}
}

// SetMuted drops playback frames while muted. Synthesis keeps running so the
// conversation still advances.
func (p *Player) SetMuted(muted bool) {
	p.muted.Store(muted)
}

func (p *Player) Muted() bool {
	return p.muted.Load()
}
