package turn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/discord-voicechat/internal/llm"
	"github.com/user/discord-voicechat/internal/llm/sse"
)

const waitFor = 2 * time.Second

type streamItem struct {
	delta llm.Delta
	err   error
}

type fakeStream struct {
	ctx   context.Context
	items chan streamItem
}

func (s *fakeStream) Next() (llm.Delta, error) {
	select {
	case <-s.ctx.Done():
		return llm.Delta{}, s.ctx.Err()
	case it := <-s.items:
		return it.delta, it.err
	}
}

func (s *fakeStream) Close() error { return nil }

func (s *fakeStream) answer(text string) {
	s.items <- streamItem{delta: llm.Delta{Answer: text}}
}

func (s *fakeStream) reasoning(text string) {
	s.items <- streamItem{delta: llm.Delta{Reasoning: text}}
}

func (s *fakeStream) end(err error) {
	s.items <- streamItem{err: err}
}

type fakeGenerator struct {
	started chan *fakeStream

	mu       sync.Mutex
	requests [][]llm.Message
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{started: make(chan *fakeStream, 8)}
}

func (g *fakeGenerator) Stream(ctx context.Context, history []llm.Message) (DeltaStream, error) {
	g.mu.Lock()
	g.requests = append(g.requests, history)
	g.mu.Unlock()

	s := &fakeStream{ctx: ctx, items: make(chan streamItem, 16)}
	g.started <- s
	return s, nil
}

func (g *fakeGenerator) request(i int) []llm.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

func (g *fakeGenerator) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-g.started:
		return s
	case <-time.After(waitFor):
		t.Fatal("generation was not started")
		return nil
	}
}

type fakeSynth struct {
	// hold keeps Speak blocked until its context is cancelled.
	hold bool

	mu     sync.Mutex
	chunks []string
	stops  int
	muted  bool
	spoken chan string
}

func newFakeSynth(hold bool) *fakeSynth {
	return &fakeSynth{hold: hold, spoken: make(chan string, 32)}
}

func (s *fakeSynth) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, text)
	s.mu.Unlock()
	s.spoken <- text

	if s.hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSynth) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *fakeSynth) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *fakeSynth) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *fakeSynth) Chunks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chunks...)
}

func (s *fakeSynth) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *fakeSynth) nextChunk(t *testing.T) string {
	t.Helper()
	select {
	case c := <-s.spoken:
		return c
	case <-time.After(waitFor):
		t.Fatal("no chunk was spoken")
		return ""
	}
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, s)
	l.mu.Unlock()
}

func (l *statusLog) find(match func(Status) bool) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.statuses {
		if match(s) {
			return s, true
		}
	}
	return Status{}, false
}

func startController(t *testing.T, gen Generator, synth Synthesizer, opts Options) (*Controller, *statusLog) {
	t.Helper()
	statuses := &statusLog{}
	opts.OnStatus = statuses.record
	c := New(gen, synth, opts)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(waitFor):
			t.Error("controller did not stop")
		}
	})
	return c, statuses
}

func utterance(text string) Utterance {
	return NewUtterance(text, time.Now())
}

func TestController_StreamsAndSpeaksReply(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(false)
	c, _ := startController(t, gen, synth, Options{SystemPrompt: "Be brief."})

	require.True(t, c.Admit(utterance("What's the weather?")))
	s := gen.next(t)
	s.answer("Sun")
	s.answer("ny today.")
	s.end(llm.ErrDone)

	require.Eventually(t, func() bool {
		return len(synth.Chunks()) == 1 && c.State() == StateIdle
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, []string{"Sunny today."}, synth.Chunks())

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, Message{Role: llm.RoleUser, Content: "What's the weather?"}, history[0])
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	assert.Equal(t, "Sunny today.", history[1].Content)
	assert.Nil(t, history[1].Thinking)

	assert.Equal(t, []llm.Message{
		{Role: llm.RoleSystem, Content: "Be brief."},
		{Role: llm.RoleUser, Content: "What's the weather?"},
	}, gen.request(0))
}

func TestController_EndOfInputFinalizesLikeSentinel(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(false)
	c, _ := startController(t, gen, synth, Options{})

	c.Admit(utterance("Hi"))
	s := gen.next(t)
	s.answer("First one. Second")
	s.end(io.EOF)

	require.Eventually(t, func() bool {
		return len(synth.Chunks()) == 2 && c.State() == StateIdle
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"First one.", "Second"}, synth.Chunks())
}

func TestController_LegacyMarkersAreNeverSpoken(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(false)
	c, _ := startController(t, gen, synth, Options{})

	c.Admit(utterance("Plan something"))
	s := gen.next(t)
	s.answer("<thi")
	s.answer("nk>first, ")
	s.answer("decide. Then act.</think>")
	s.answer("Go outside. ")
	s.answer("Enjoy.")
	s.end(llm.ErrDone)

	require.Eventually(t, func() bool {
		return len(synth.Chunks()) == 2 && c.State() == StateIdle
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"Go outside.", "Enjoy."}, synth.Chunks())

	history := c.History()
	require.NotNil(t, history[1].Thinking)
	assert.Equal(t, "first, decide. Then act.", *history[1].Thinking)
	assert.Equal(t, "Go outside. Enjoy.", history[1].Content)
}

func TestController_ExplicitReasoningChannel(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(false)
	c, _ := startController(t, gen, synth, Options{})

	c.Admit(utterance("Why?"))
	s := gen.next(t)
	s.reasoning("The user asks why.")
	s.answer("Because <think>it is</think> so.")
	s.end(llm.ErrDone)

	require.Eventually(t, func() bool {
		return c.State() == StateIdle && len(synth.Chunks()) == 1
	}, waitFor, 5*time.Millisecond)

	history := c.History()
	require.NotNil(t, history[1].Thinking)
	assert.Equal(t, "The user asks why.", *history[1].Thinking)
	assert.Equal(t, "Because <think>it is</think> so.", history[1].Content)
}

func TestController_BargeInCancelsAndResumesWithPending(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(true)
	c, statuses := startController(t, gen, synth, Options{})

	c.Admit(utterance("Tell me a story"))
	first := gen.next(t)
	first.answer("Once upon a time. ")
	assert.Equal(t, "Once upon a time.", synth.nextChunk(t))
	require.Eventually(t, func() bool { return c.State() == StateSpeaking }, waitFor, 5*time.Millisecond)

	interrupt := utterance("Actually, stop")
	c.Admit(interrupt)

	// Frames still queued on the old stream are discarded.
	first.answer(" There was a dragon.")
	first.end(llm.ErrDone)

	second := gen.next(t)
	cancelled, ok := statuses.find(func(s Status) bool { return s.State == StateCancelled })
	require.True(t, ok)
	require.NotNil(t, cancelled.Pending)
	assert.Equal(t, interrupt.ID, cancelled.Pending.ID)
	assert.GreaterOrEqual(t, synth.Stops(), 1)

	second.answer("Okay.")
	second.end(llm.ErrDone)
	assert.Equal(t, "Okay.", synth.nextChunk(t))

	history := c.History()
	require.Len(t, history, 4)
	assert.Equal(t, "Once upon a time. ", history[1].Content)
	assert.Equal(t, "Actually, stop", history[2].Content)
	assert.Equal(t, "Okay.", history[3].Content)

	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "Tell me a story"},
		{Role: llm.RoleAssistant, Content: "Once upon a time. "},
		{Role: llm.RoleUser, Content: "Actually, stop"},
	}, gen.request(1))

	_, pending := c.Pending()
	assert.False(t, pending)
}

func TestController_InterruptedOpenReasoningIsNotReplayed(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(true)
	c, _ := startController(t, gen, synth, Options{})

	c.Admit(utterance("Plan my day"))
	first := gen.next(t)
	first.answer("Sure. <think>they said ")
	first.answer("morning")
	require.Eventually(t, func() bool {
		h := c.History()
		return len(h) == 2 && strings.HasSuffix(h[1].Content, "morning")
	}, waitFor, 5*time.Millisecond)

	c.Admit(utterance("Never mind"))
	gen.next(t)

	// The stored reply keeps what arrived; the next request does not.
	assert.Equal(t, "Sure. <think>they said morning", c.History()[1].Content)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "Plan my day"},
		{Role: llm.RoleAssistant, Content: "Sure. "},
		{Role: llm.RoleUser, Content: "Never mind"},
	}, gen.request(1))
}

func TestController_InterruptedReasoningOnlyReplyIsSkipped(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(true)
	c, _ := startController(t, gen, synth, Options{})

	c.Admit(utterance("Hmm"))
	first := gen.next(t)
	first.answer("<think>pondering")
	require.Eventually(t, func() bool {
		h := c.History()
		return len(h) == 2 && h[1].Content != ""
	}, waitFor, 5*time.Millisecond)

	c.Admit(utterance("Hello?"))
	gen.next(t)

	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "Hmm"},
		{Role: llm.RoleUser, Content: "Hello?"},
	}, gen.request(1))
}

func TestController_LatestInterruptionWins(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(true)
	statuses := &statusLog{}
	c := New(gen, synth, Options{OnStatus: statuses.record})

	resumes := make(chan event, 4)
	c.schedule = func(ev event) { resumes <- ev }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	c.Admit(utterance("First"))
	gen.next(t)
	c.Admit(utterance("Second"))
	latest := utterance("Third")
	c.Admit(latest)

	u, ok := c.Pending()
	require.True(t, ok)
	assert.Equal(t, latest.ID, u.ID)
	assert.Equal(t, StateCancelled, c.State())
	require.Len(t, resumes, 1)

	require.True(t, c.post(<-resumes))
	gen.next(t)

	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "First"},
		{Role: llm.RoleUser, Content: "Third"},
	}, gen.request(1))

	history := c.History()
	require.Len(t, history, 4)
	assert.Equal(t, "", history[1].Content)
	assert.Equal(t, "Third", history[2].Content)
	assert.Equal(t, StateGenerating, c.State())
}

func TestController_TransportErrorReturnsToIdle(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(false)
	c, statuses := startController(t, gen, synth, Options{})

	c.Admit(utterance("Hello"))
	s := gen.next(t)
	s.answer("Partial")
	s.end(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		_, ok := statuses.find(func(s Status) bool { return s.Kind == ErrorTransport })
		return ok
	}, waitFor, 5*time.Millisecond)

	failed, _ := statuses.find(func(s Status) bool { return s.Kind == ErrorTransport })
	assert.Equal(t, StateIdle, failed.State)
	assert.EqualError(t, failed.Err, "connection reset")
	assert.Nil(t, failed.Pending)
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, synth.Chunks())
	assert.Equal(t, "Partial", c.History()[1].Content)

	// The session keeps going.
	c.Admit(utterance("Again"))
	next := gen.next(t)
	next.answer("Fine.")
	next.end(llm.ErrDone)
	assert.Equal(t, "Fine.", synth.nextChunk(t))
}

type sseGenerator struct {
	body string
}

func (g sseGenerator) Stream(ctx context.Context, _ []llm.Message) (DeltaStream, error) {
	decode := func(payload []byte) (llm.Delta, error) {
		var frame struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return llm.Delta{}, err
		}
		return llm.Delta{Answer: frame.Content}, nil
	}
	return sse.NewReader(strings.NewReader(g.body), decode, sse.WithContext(ctx)), nil
}

func TestController_MalformedFrameDoesNotStopTurn(t *testing.T) {
	body := strings.Join([]string{
		`data: {"content":"Hi."}`,
		``,
		`data: {broken`,
		``,
		`data: {"content":" Bye."}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")
	synth := newFakeSynth(false)
	c, _ := startController(t, sseGenerator{body: body}, synth, Options{})

	c.Admit(utterance("Greet me"))
	require.Eventually(t, func() bool {
		return len(synth.Chunks()) == 2 && c.State() == StateIdle
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, []string{"Hi.", "Bye."}, synth.Chunks())
	assert.Equal(t, "Hi. Bye.", c.History()[1].Content)
}

func TestController_AdmitTranscriptFiltersPartials(t *testing.T) {
	gen := newFakeGenerator()
	c, _ := startController(t, gen, newFakeSynth(false), Options{})

	assert.False(t, c.AdmitTranscript("hello wor", false))
	assert.False(t, c.AdmitTranscript("   ", true))
	assert.True(t, c.AdmitTranscript(" hello world ", true))

	gen.next(t)
	assert.Equal(t, "hello world", c.History()[0].Content)
}

func TestController_StopsAfterRunReturns(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(true)
	c := New(gen, synth, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Admit(utterance("Hello"))
	s := gen.next(t)
	s.answer("Speaking now. ")
	synth.nextChunk(t)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}

	assert.False(t, c.Admit(utterance("Too late")))
	assert.GreaterOrEqual(t, synth.Stops(), 1)
	assert.Len(t, c.History(), 2)
}

func TestController_UnavailableAbortsAndDropsInput(t *testing.T) {
	gen := newFakeGenerator()
	synth := newFakeSynth(true)
	c, statuses := startController(t, gen, synth, Options{})

	c.Admit(utterance("Hello"))
	s := gen.next(t)
	s.answer("Hi there. ")
	synth.nextChunk(t)

	loadErr := errors.New("voice model missing")
	require.True(t, c.SetUnavailable(loadErr))
	c.SetUnavailable(errors.New("reported twice"))
	c.Admit(utterance("Are you there?"))

	require.Eventually(t, func() bool { return c.State() == StateIdle }, waitFor, 5*time.Millisecond)
	_, pending := c.Pending()
	assert.False(t, pending)
	assert.Len(t, c.History(), 2)
	assert.GreaterOrEqual(t, synth.Stops(), 1)

	var unavailable []Status
	statuses.mu.Lock()
	for _, st := range statuses.statuses {
		if st.Kind == ErrorUnavailable {
			unavailable = append(unavailable, st)
		}
	}
	statuses.mu.Unlock()
	require.Len(t, unavailable, 1)
	assert.ErrorIs(t, unavailable[0].Err, loadErr)

	select {
	case <-gen.started:
		t.Fatal("no generation should start after the session became unavailable")
	case <-time.After(50 * time.Millisecond):
	}
}
