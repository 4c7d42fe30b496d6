package tts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/discord-voicechat/internal/audio"
)

type fakeSource struct {
	rate    int
	samples int
	err     error
	loadErr error
}

func (s *fakeSource) Name() string    { return "fake" }
func (s *fakeSource) SampleRate() int { return s.rate }

func (s *fakeSource) Synthesize(ctx context.Context, _ string) (<-chan []int16, <-chan error) {
	pcmCh := make(chan []int16)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		for sent := 0; sent < s.samples; sent += 480 {
			n := 480
			if s.samples-sent < n {
				n = s.samples - sent
			}
			select {
			case pcmCh <- make([]int16, n):
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if s.err != nil {
			errCh <- s.err
		}
	}()
	return pcmCh, errCh
}

func (s *fakeSource) Load(_ context.Context, progress func(int)) error {
	progress(0)
	if s.loadErr != nil {
		return s.loadErr
	}
	progress(100)
	return nil
}

type lenEncoder struct{}

func (lenEncoder) Encode(pcm []int16) ([]byte, error) {
	return make([]byte, len(pcm)), nil
}

type fakeSink struct {
	block bool

	mu       sync.Mutex
	packets  [][]byte
	speaking []bool
	sent     chan struct{}
}

func newFakeSink(block bool) *fakeSink {
	return &fakeSink{block: block, sent: make(chan struct{}, 64)}
}

func (s *fakeSink) Send(ctx context.Context, packet []byte) error {
	s.mu.Lock()
	s.packets = append(s.packets, packet)
	s.mu.Unlock()
	s.sent <- struct{}{}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSink) SetSpeaking(speaking bool) {
	s.mu.Lock()
	s.speaking = append(s.speaking, speaking)
	s.mu.Unlock()
}

func (s *fakeSink) snapshot() ([][]byte, []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.packets...), append([]bool(nil), s.speaking...)
}

func TestPlayer_SpeaksWholeFrames(t *testing.T) {
	sink := newFakeSink(false)
	p := NewPlayer(&fakeSource{rate: audio.SampleRate, samples: 2*audio.FrameSize + 100}, lenEncoder{}, sink)

	require.NoError(t, p.Speak(context.Background(), "Hello there."))

	packets, speaking := sink.snapshot()
	require.Len(t, packets, 3)
	for _, pkt := range packets {
		assert.Len(t, pkt, audio.FrameSize*audio.PlaybackChannels)
	}
	assert.Equal(t, []bool{true, false}, speaking)
}

func TestPlayer_ResamplesSource(t *testing.T) {
	sink := newFakeSink(false)
	p := NewPlayer(&fakeSource{rate: 24000, samples: audio.FrameSize}, lenEncoder{}, sink)

	require.NoError(t, p.Speak(context.Background(), "Hi."))
	packets, _ := sink.snapshot()
	assert.Len(t, packets, 2)
}

func TestPlayer_MutedDropsFrames(t *testing.T) {
	sink := newFakeSink(false)
	p := NewPlayer(&fakeSource{rate: audio.SampleRate, samples: 3 * audio.FrameSize}, lenEncoder{}, sink)

	p.SetMuted(true)
	assert.True(t, p.Muted())
	require.NoError(t, p.Speak(context.Background(), "Quiet."))

	packets, _ := sink.snapshot()
	assert.Empty(t, packets)
}

func TestPlayer_StopInterruptsSpeak(t *testing.T) {
	sink := newFakeSink(true)
	p := NewPlayer(&fakeSource{rate: audio.SampleRate, samples: 50 * audio.FrameSize}, lenEncoder{}, sink)

	assert.NotPanics(t, p.Stop)

	done := make(chan error, 1)
	go func() { done <- p.Speak(context.Background(), "A long story.") }()

	select {
	case <-sink.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame was sent")
	}
	p.Stop()
	p.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return after Stop")
	}
	_, speaking := sink.snapshot()
	assert.Equal(t, []bool{true, false}, speaking)
}

func TestPlayer_SourceError(t *testing.T) {
	p := NewPlayer(&fakeSource{rate: audio.SampleRate, err: errors.New("voice not found")}, lenEncoder{}, newFakeSink(false))

	err := p.Speak(context.Background(), "Hi.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voice not found")
}

func TestPlayer_Load(t *testing.T) {
	var seen []int
	p := NewPlayer(&fakeSource{}, lenEncoder{}, newFakeSink(false))
	require.NoError(t, p.Load(context.Background(), func(pct int) { seen = append(seen, pct) }))
	assert.Equal(t, []int{0, 100}, seen)

	p = NewPlayer(&fakeSource{loadErr: errors.New("unreachable")}, lenEncoder{}, newFakeSink(false))
	assert.Error(t, p.Load(context.Background(), nil))
}
