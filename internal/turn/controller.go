// Package turn runs the conversation turn state machine: it admits finalized
// utterances, streams a reply for each one, hands finished sentences to the
// synthesizer, and lets a new utterance interrupt the reply in flight.
//
// All state is owned by a single actor goroutine (Run). Transcripts, stream
// deltas, and playback completions arrive as events on one queue, so no
// locks guard the history, the active turn, or the pending utterance.
package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/llm"
	"github.com/user/discord-voicechat/internal/metrics"
	"github.com/user/discord-voicechat/internal/reasoning"
	"github.com/user/discord-voicechat/internal/segment"
)

const defaultQueueSize = 64

type Options struct {
	// SystemPrompt is sent ahead of the history on every request. It is not
	// stored in the history.
	SystemPrompt string
	Markers      reasoning.Markers
	Segment      segment.Config
	QueueSize    int

	Logger  *zerolog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time

	// OnStatus and OnMessage run on the actor goroutine and must not call
	// back into the Controller.
	OnStatus  func(Status)
	OnMessage func(Message)
}

type Controller struct {
	gen   Generator
	synth Synthesizer
	opts  Options
	log   zerolog.Logger

	events chan event
	done   chan struct{}
	// schedule runs deferred continuations. Tests replace it to control
	// when a continuation is delivered.
	schedule func(event)

	// Owned by the actor.
	runCtx  context.Context
	history []Message
	active  *activeTurn
	pending *Utterance
	state   State
	// unavailable is set once a collaborator failed for good. Later
	// utterances are dropped.
	unavailable error
	// replay holds the request content of replies that ended before their
	// stream did, keyed by history index. A half-open reasoning block is
	// kept in the stored message but never sent back to the backend.
	replay map[int]string
}

type activeTurn struct {
	id        uuid.UUID
	utterance Utterance
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	msgIndex  int

	acc *reasoning.Accumulator
	seg *segment.Segmenter

	cancelled  bool
	streamDone bool
	chunks     []string
	speaking   bool
	spokeAny   bool
}

type event interface{}

type admitEvent struct{ utterance Utterance }

type deltaEvent struct {
	turnID uuid.UUID
	delta  llm.Delta
}

type streamEndEvent struct {
	turnID uuid.UUID
	err    error
}

type speechDoneEvent struct {
	turnID uuid.UUID
	err    error
}

type resumeEvent struct{}

type unavailableEvent struct{ err error }

type queryEvent struct{ fn func() }

func New(gen Generator, synth Synthesizer, opts Options) *Controller {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Markers == (reasoning.Markers{}) {
		opts.Markers = reasoning.DefaultMarkers()
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Controller{
		gen:    gen,
		synth:  synth,
		opts:   opts,
		log:    logger,
		events: make(chan event, opts.QueueSize),
		done:   make(chan struct{}),
		runCtx: context.Background(),
	}
	c.schedule = func(ev event) { go c.post(ev) }
	return c
}

// Run processes events until ctx is done. It must be called exactly once.
// On return any turn in flight is aborted and playback is stopped.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	defer c.shutdown()

	c.log.Debug().Msg("Turn controller started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Admit hands a finalized utterance to the controller. It reports false if the
// controller has stopped.
func (c *Controller) Admit(u Utterance) bool {
	return c.post(admitEvent{utterance: u})
}

// AdmitTranscript admits text from the transcriber if it is final and not
// blank.
func (c *Controller) AdmitTranscript(text string, isFinal bool) bool {
	text = strings.TrimSpace(text)
	if !isFinal || text == "" {
		return false
	}
	return c.Admit(NewUtterance(text, c.opts.Now()))
}

// SetUnavailable ends the session's ability to answer: the turn in flight is
// aborted, the pending utterance is discarded, and later utterances are
// dropped. It is reported once as an ErrorUnavailable status.
func (c *Controller) SetUnavailable(err error) bool {
	return c.post(unavailableEvent{err: err})
}

// History returns a copy of the conversation so far.
func (c *Controller) History() []Message {
	var out []Message
	c.query(func() {
		out = make([]Message, len(c.history))
		for i, m := range c.history {
			out[i] = m
			if m.Thinking != nil {
				thinking := *m.Thinking
				out[i].Thinking = &thinking
			}
		}
	})
	return out
}

func (c *Controller) State() State {
	var s State
	c.query(func() { s = c.state })
	return s
}

// Pending returns the utterance waiting for an interrupted turn to wind down.
func (c *Controller) Pending() (Utterance, bool) {
	var (
		u  Utterance
		ok bool
	)
	c.query(func() {
		if c.pending != nil {
			u, ok = *c.pending, true
		}
	})
	return u, ok
}

func (c *Controller) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) query(fn func()) {
	reply := make(chan struct{})
	if !c.post(queryEvent{fn: func() { fn(); close(reply) }}) {
		fn()
		return
	}
	select {
	case <-reply:
	case <-c.done:
		// The actor is gone; its state no longer changes.
		fn()
	}
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case admitEvent:
		c.admit(ev.utterance)
	case deltaEvent:
		c.applyDelta(ev)
	case streamEndEvent:
		c.endStream(ev)
	case speechDoneEvent:
		c.speechDone(ev)
	case resumeEvent:
		c.resume()
	case unavailableEvent:
		c.markUnavailable(ev.err)
	case queryEvent:
		ev.fn()
	}
}

func (c *Controller) admit(u Utterance) {
	if c.unavailable != nil {
		c.log.Warn().
			Err(c.unavailable).
			Str("utterance_id", u.ID.String()).
			Msg("Dropping utterance, session unavailable")
		return
	}
	if c.active == nil {
		c.startTurn(u)
		return
	}

	c.log.Info().
		Str("turn_id", c.active.id.String()).
		Str("utterance_id", u.ID.String()).
		Str("state", c.state.String()).
		Msg("Utterance arrived during active turn")

	// Only the latest interruption survives.
	c.pending = &u
	if c.active.cancelled {
		c.emit(Status{State: StateCancelled, TurnID: c.active.id, Pending: c.pendingCopy()})
		return
	}
	c.cancelActive()
	c.schedule(resumeEvent{})
}

func (c *Controller) startTurn(u Utterance) {
	ctx, cancel := context.WithCancel(c.runCtx)
	t := &activeTurn{
		id:        uuid.New(),
		utterance: u,
		startedAt: c.opts.Now(),
		ctx:       ctx,
		cancel:    cancel,
		acc:       reasoning.NewAccumulator(c.opts.Markers),
		seg:       segment.New(c.opts.Segment),
	}

	user := Message{Role: llm.RoleUser, Content: u.Text}
	c.history = append(c.history, user, Message{Role: llm.RoleAssistant})
	t.msgIndex = len(c.history) - 1
	c.active = t
	c.notifyMessage(user)

	request := c.requestHistory()
	c.opts.Metrics.TurnStarted()
	c.log.Info().
		Str("turn_id", t.id.String()).
		Str("utterance_id", u.ID.String()).
		Int("history", len(request)).
		Msg("Starting turn")
	c.setState(StateGenerating, t.id)

	go c.generate(ctx, t.id, request)
}

// generate runs outside the actor. It only forwards what the stream yields.
func (c *Controller) generate(ctx context.Context, turnID uuid.UUID, history []llm.Message) {
	stream, err := c.gen.Stream(ctx, history)
	if err != nil {
		c.post(streamEndEvent{turnID: turnID, err: err})
		return
	}
	defer stream.Close()

	for {
		delta, err := stream.Next()
		if err != nil {
			c.post(streamEndEvent{turnID: turnID, err: err})
			return
		}
		if !c.post(deltaEvent{turnID: turnID, delta: delta}) {
			return
		}
	}
}

// current returns the active turn if id names it and it has not been
// cancelled. Every mutation goes through this check.
func (c *Controller) current(id uuid.UUID) *activeTurn {
	if c.active == nil || c.active.id != id || c.active.cancelled {
		return nil
	}
	return c.active
}

func (c *Controller) applyDelta(ev deltaEvent) {
	t := c.current(ev.turnID)
	if t == nil || t.streamDone {
		c.log.Debug().Str("turn_id", ev.turnID.String()).Msg("Dropping delta for inactive turn")
		return
	}

	t.acc.Apply(ev.delta)
	res := t.acc.Resolve()
	msg := &c.history[t.msgIndex]
	msg.Content = res.Clean
	msg.Thinking = res.Thinking

	c.enqueue(t, t.seg.Push(res.Stable))
}

func (c *Controller) endStream(ev streamEndEvent) {
	t := c.current(ev.turnID)
	if t == nil {
		c.log.Debug().
			Err(ev.err).
			Str("turn_id", ev.turnID.String()).
			Msg("Stream of cancelled turn ended")
		return
	}

	if errors.Is(ev.err, llm.ErrDone) || errors.Is(ev.err, io.EOF) {
		c.finalize(t)
		return
	}
	c.fail(t, ev.err)
}

func (c *Controller) finalize(t *activeTurn) {
	t.streamDone = true
	res := t.acc.Resolve()
	msg := &c.history[t.msgIndex]
	msg.Content = res.Clean
	msg.Thinking = res.Thinking
	c.notifyMessage(*msg)

	c.log.Debug().
		Str("turn_id", t.id.String()).
		Int("clean_length", len(res.Clean)).
		Bool("explicit_reasoning", t.acc.Explicit()).
		Msg("Generation finished")

	c.enqueue(t, t.seg.Flush(res.Clean))
	c.maybeFinish(t)
}

func (c *Controller) fail(t *activeTurn, err error) {
	t.cancelled = true
	t.cancel()
	t.chunks = nil
	c.synth.Stop()
	c.active = nil

	c.freeze(t)

	c.opts.Metrics.TurnFailed()
	c.log.Error().
		Err(err).
		Str("turn_id", t.id.String()).
		Msg("Generation failed")
	c.notifyMessage(c.history[t.msgIndex])

	c.state = StateIdle
	c.emit(Status{State: StateIdle, TurnID: t.id, Err: err, Kind: ErrorTransport})
}

func (c *Controller) markUnavailable(err error) {
	if c.unavailable != nil {
		return
	}
	c.unavailable = err
	c.pending = nil

	var turnID uuid.UUID
	if t := c.active; t != nil {
		turnID = t.id
		t.cancelled = true
		t.cancel()
		t.chunks = nil
		c.active = nil
		c.freeze(t)
		c.opts.Metrics.TurnFailed()
		c.notifyMessage(c.history[t.msgIndex])
	}
	c.synth.Stop()

	c.log.Error().Err(err).Msg("Session unavailable")
	c.state = StateIdle
	c.emit(Status{State: StateIdle, TurnID: turnID, Err: err, Kind: ErrorUnavailable})
}

// freeze records what a reply that stopped early contributes to later
// requests: the stable answer prefix, without an unterminated reasoning block.
func (c *Controller) freeze(t *activeTurn) {
	if t.streamDone {
		return
	}
	if c.replay == nil {
		c.replay = make(map[int]string)
	}
	c.replay[t.msgIndex] = t.acc.Resolve().Stable

	c.log.Debug().
		Str("turn_id", t.id.String()).
		Int("answer_length", len(t.acc.Answer())).
		Int("reasoning_length", len(t.acc.Reasoning())).
		Msg("Reply frozen before end of stream")
}

func (c *Controller) cancelActive() {
	t := c.active
	t.cancelled = true
	t.cancel()
	t.chunks = nil
	c.synth.Stop()
	c.freeze(t)

	c.opts.Metrics.TurnCancelled()
	c.log.Info().
		Str("turn_id", t.id.String()).
		Int("content_length", len(c.history[t.msgIndex].Content)).
		Int("spoken_length", len(t.seg.Emitted())).
		Msg("Turn interrupted")
	c.notifyMessage(c.history[t.msgIndex])

	c.state = StateCancelled
	c.emit(Status{State: StateCancelled, TurnID: t.id, Pending: c.pendingCopy()})
}

// resume runs as a deferred event after an interruption and starts the
// pending utterance, if any.
func (c *Controller) resume() {
	if c.active != nil {
		if !c.active.cancelled {
			return
		}
		c.active = nil
	}
	if c.pending == nil {
		c.setState(StateIdle, uuid.Nil)
		return
	}
	u := *c.pending
	c.pending = nil
	c.startTurn(u)
}

func (c *Controller) enqueue(t *activeTurn, chunks []string) {
	if len(chunks) == 0 {
		return
	}
	t.chunks = append(t.chunks, chunks...)
	c.pump(t)
}

// pump starts the next chunk if nothing is playing. Only one Speak is ever
// outstanding for a turn.
func (c *Controller) pump(t *activeTurn) {
	if t.speaking || len(t.chunks) == 0 {
		return
	}
	chunk := t.chunks[0]
	t.chunks = t.chunks[1:]
	t.speaking = true

	if !t.spokeAny {
		t.spokeAny = true
		c.opts.Metrics.FirstChunk(c.opts.Now().Sub(t.startedAt))
	}
	c.opts.Metrics.SpeechChunk()
	c.log.Debug().
		Str("turn_id", t.id.String()).
		Str("chunk", chunk).
		Msg("Speaking chunk")
	c.setState(StateSpeaking, t.id)

	ctx, id := t.ctx, t.id
	go func() {
		err := c.synth.Speak(ctx, chunk)
		c.post(speechDoneEvent{turnID: id, err: err})
	}()
}

func (c *Controller) speechDone(ev speechDoneEvent) {
	t := c.current(ev.turnID)
	if t == nil {
		return
	}
	t.speaking = false
	if ev.err != nil && !errors.Is(ev.err, context.Canceled) {
		c.log.Warn().
			Err(ev.err).
			Str("turn_id", t.id.String()).
			Msg("Speech synthesis failed for chunk")
	}

	c.pump(t)
	if t.speaking {
		return
	}
	if !t.streamDone {
		c.setState(StateGenerating, t.id)
		return
	}
	c.maybeFinish(t)
}

func (c *Controller) maybeFinish(t *activeTurn) {
	if !t.streamDone || t.speaking || len(t.chunks) > 0 {
		return
	}
	t.cancel()
	c.active = nil
	c.opts.Metrics.TurnCompleted()
	c.log.Info().
		Str("turn_id", t.id.String()).
		Dur("duration", c.opts.Now().Sub(t.startedAt)).
		Msg("Turn completed")

	c.setState(StateIdle, t.id)
	if c.pending != nil {
		u := *c.pending
		c.pending = nil
		c.startTurn(u)
	}
}

func (c *Controller) shutdown() {
	if c.active != nil {
		c.active.cancelled = true
		c.active.cancel()
		c.active = nil
	}
	c.synth.Stop()
	c.log.Debug().Msg("Turn controller stopped")
}

func (c *Controller) requestHistory() []llm.Message {
	msgs := make([]llm.Message, 0, len(c.history)+1)
	if c.opts.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: c.opts.SystemPrompt})
	}
	for i, m := range c.history {
		content := m.Content
		if frozen, ok := c.replay[i]; ok {
			content = frozen
		}
		// Interrupted or failed replies can leave an empty assistant message.
		if content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: content})
	}
	return msgs
}

func (c *Controller) setState(s State, turnID uuid.UUID) {
	if c.state == s {
		return
	}
	c.state = s
	c.emit(Status{State: s, TurnID: turnID})
}

func (c *Controller) emit(s Status) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

func (c *Controller) notifyMessage(m Message) {
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(m)
	}
}

func (c *Controller) pendingCopy() *Utterance {
	if c.pending == nil {
		return nil
	}
	u := *c.pending
	return &u
}
