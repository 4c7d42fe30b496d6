package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/audio"
	"github.com/user/discord-voicechat/internal/metrics"
	"golang.org/x/sync/errgroup"
)

var ErrQueueFull = errors.New("stt: chunk queue full")

// Pool runs a fixed number of workers sharing one Transcriber.
type Pool struct {
	transcriber Transcriber
	workers     int
	metrics     *metrics.Recorder

	chunkChan chan *audio.Chunk
	eventChan chan Event

	group   *errgroup.Group
	started bool
	stopped bool
	mutex   sync.Mutex
}

func NewPool(transcriber Transcriber, workers int, rec *metrics.Recorder) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		transcriber: transcriber,
		workers:     workers,
		metrics:     rec,
		chunkChan:   make(chan *audio.Chunk, workers*2),
		eventChan:   make(chan Event, workers*8),
	}
}

func (p *Pool) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.started {
		return fmt.Errorf("pool already started")
	}
	p.started = true

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := i
		group.Go(func() error {
			return p.worker(gctx, workerID)
		})
	}
	p.group = group

	log.Info().Int("workers", p.workers).Msg("Started STT worker pool")
	p.publish(ctx, Event{Status: StatusReady})
	return nil
}

func (p *Pool) worker(ctx context.Context, workerID int) error {
	log.Debug().Int("worker_id", workerID).Msg("STT worker started")
	defer log.Debug().Int("worker_id", workerID).Msg("STT worker stopped")

	for {
		select {
		case chunk, ok := <-p.chunkChan:
			if !ok {
				return nil
			}
			p.process(ctx, workerID, chunk)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, chunk *audio.Chunk) {
	p.publish(ctx, Event{Status: StatusTranscribing})

	transcripts, err := p.transcriber.Transcribe(ctx, chunk)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().
			Err(err).
			Str("chunk_id", chunk.ID.String()).
			Int("worker_id", workerID).
			Msg("Failed to transcribe chunk")
		p.publish(ctx, Event{Status: StatusError, Err: err})
		p.publish(ctx, Event{Status: StatusListening})
		return
	}

	for i := range transcripts {
		tr := transcripts[i]
		p.metrics.Transcript(tr.IsFinal)
		p.publish(ctx, Event{Transcript: &tr})
	}
	log.Debug().
		Int("transcripts", len(transcripts)).
		Str("chunk_id", chunk.ID.String()).
		Int("worker_id", workerID).
		Msg("Transcribed chunk")
	p.publish(ctx, Event{Status: StatusListening})
}

func (p *Pool) publish(ctx context.Context, ev Event) {
	select {
	case p.eventChan <- ev:
	case <-ctx.Done():
	}
}

// Submit queues a chunk without blocking.
func (p *Pool) Submit(chunk *audio.Chunk) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.stopped {
		return fmt.Errorf("stt: pool stopped")
	}
	select {
	case p.chunkChan <- chunk:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events delivers status changes and transcripts. It is closed by Stop.
func (p *Pool) Events() <-chan Event {
	return p.eventChan
}

// Stop lets workers finish queued chunks, waits for them, and closes Events.
// Cancel the Start context first to abandon queued work.
func (p *Pool) Stop() {
	p.mutex.Lock()
	if !p.started || p.stopped {
		p.mutex.Unlock()
		return
	}
	p.stopped = true
	close(p.chunkChan)
	p.mutex.Unlock()

	if err := p.group.Wait(); err != nil {
		log.Warn().Err(err).Msg("STT worker exited with error")
	}
	close(p.eventChan)
	log.Info().Msg("Stopped STT worker pool")
}
