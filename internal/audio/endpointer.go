package audio

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type EndpointConfig struct {
	SampleRate int
	// Silence is how long speech must stay quiet before the utterance ends.
	Silence time.Duration
	// MaxUtterance cuts an utterance that never pauses.
	MaxUtterance time.Duration
	// PreRoll is kept from before speech onset so the first syllable survives.
	PreRoll time.Duration
	// MinSpeech drops utterances with less voiced audio than this.
	MinSpeech time.Duration
}

func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		SampleRate:   SampleRate,
		Silence:      700 * time.Millisecond,
		MaxUtterance: 15 * time.Second,
		PreRoll:      200 * time.Millisecond,
		MinSpeech:    200 * time.Millisecond,
	}
}

// Endpointer groups voice frames from one speaker into utterance chunks.
type Endpointer struct {
	cfg    EndpointConfig
	vad    VAD
	userID string

	silenceSamples int
	maxSamples     int
	preRollSamples int
	minSpeech      int

	preRoll   []int16
	buffer    []int16
	start     time.Time
	lastEnd   time.Time
	inSpeech  bool
	voiced    int
	quiet     int
	onSpeech  func()
	chunkChan chan *Chunk
	stopped   bool
	mutex     sync.Mutex
}

// NewEndpointer creates an endpointer. onSpeech, if set, is called when an
// utterance starts.
func NewEndpointer(cfg EndpointConfig, vad VAD, userID string, onSpeech func()) *Endpointer {
	def := DefaultEndpointConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Silence <= 0 {
		cfg.Silence = def.Silence
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = def.MaxUtterance
	}

	return &Endpointer{
		cfg:            cfg,
		vad:            vad,
		userID:         userID,
		silenceSamples: samplesFor(cfg.Silence, cfg.SampleRate),
		maxSamples:     samplesFor(cfg.MaxUtterance, cfg.SampleRate),
		preRollSamples: samplesFor(cfg.PreRoll, cfg.SampleRate),
		minSpeech:      samplesFor(cfg.MinSpeech, cfg.SampleRate),
		onSpeech:       onSpeech,
		chunkChan:      make(chan *Chunk, 10),
	}
}

func samplesFor(d time.Duration, rate int) int {
	return int(d * time.Duration(rate) / time.Second)
}

// AddFrame classifies one frame received at timestamp and extends the current
// utterance. Discord stops sending packets shortly after a speaker goes quiet,
// so a gap since the previous frame counts as silence.
func (e *Endpointer) AddFrame(pcm []int16, timestamp time.Time) {
	speech := e.vad.IsSpeech(pcm, e.cfg.SampleRate)

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.stopped {
		return
	}

	frameEnd := timestamp.Add(e.duration(len(pcm)))
	if e.inSpeech {
		// Jitter below one frame is not a gap.
		if gap := timestamp.Sub(e.lastEnd); gap > e.duration(len(pcm)) {
			missing := samplesFor(gap, e.cfg.SampleRate)
			if e.quiet+missing >= e.silenceSamples {
				e.emit("silence")
			} else {
				e.buffer = append(e.buffer, make([]int16, missing)...)
				e.quiet += missing
			}
		}
	}
	e.lastEnd = frameEnd

	if !e.inSpeech {
		if !speech {
			e.preRoll = append(e.preRoll, pcm...)
			if over := len(e.preRoll) - e.preRollSamples; over > 0 {
				e.preRoll = e.preRoll[over:]
			}
			return
		}

		e.inSpeech = true
		e.buffer = append(append(make([]int16, 0, e.maxSamples), e.preRoll...), pcm...)
		e.start = timestamp.Add(-e.duration(len(e.preRoll)))
		e.preRoll = e.preRoll[:0]
		e.voiced = len(pcm)
		e.quiet = 0
		if e.onSpeech != nil {
			e.onSpeech()
		}
		return
	}

	e.buffer = append(e.buffer, pcm...)
	if speech {
		e.voiced += len(pcm)
		e.quiet = 0
	} else {
		e.quiet += len(pcm)
	}

	switch {
	case e.quiet >= e.silenceSamples:
		e.emit("silence")
	case len(e.buffer) >= e.maxSamples:
		e.emit("max_length")
	}
}

// Tick ends the current utterance once no frame has arrived for the silence
// period. Call it periodically; frames alone cannot end an utterance when the
// speaker's packets stop.
func (e *Endpointer) Tick(now time.Time) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.stopped || !e.inSpeech {
		return
	}
	if now.Sub(e.lastEnd) >= e.cfg.Silence {
		e.emit("idle")
	}
}

func (e *Endpointer) duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(e.cfg.SampleRate)
}

func (e *Endpointer) emit(reason string) {
	pcm := e.buffer
	voiced := e.voiced
	e.buffer = nil
	e.inSpeech = false
	e.voiced = 0
	e.quiet = 0

	if voiced < e.minSpeech {
		log.Debug().
			Str("user_id", e.userID).
			Dur("voiced", e.duration(voiced)).
			Msg("Dropping short utterance")
		return
	}

	chunk := &Chunk{
		ID:         uuid.New(),
		PCM:        pcm,
		SampleRate: e.cfg.SampleRate,
		Start:      e.start,
		End:        e.start.Add(e.duration(len(pcm))),
		UserID:     e.userID,
	}

	select {
	case e.chunkChan <- chunk:
		log.Debug().
			Str("chunk_id", chunk.ID.String()).
			Str("user_id", e.userID).
			Str("reason", reason).
			Dur("duration", chunk.Duration()).
			Msg("Endpointed utterance")
	default:
		log.Warn().Str("user_id", e.userID).Msg("Chunk channel full, dropping utterance")
	}
}

func (e *Endpointer) Chunks() <-chan *Chunk {
	return e.chunkChan
}

// Stop emits the utterance in progress, if any, and closes Chunks.
func (e *Endpointer) Stop() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.stopped {
		return
	}
	e.stopped = true

	if e.inSpeech {
		e.emit("stop")
	}
	close(e.chunkChan)
}
