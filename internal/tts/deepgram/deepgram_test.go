package deepgram

import (
	"context"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesize_NoKey(t *testing.T) {
	s := NewSource("", "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pcmCh, errCh := s.Synthesize(ctx, "hello")
	for range pcmCh {
	}
	assert.Error(t, <-errCh)
	assert.Error(t, s.Load(ctx, func(int) {}))
}

func TestSpeakCallback_CarriesOddBytes(t *testing.T) {
	out := make(chan []int16, 4)
	cb := newSpeakCallback(context.Background(), out)

	require.NoError(t, cb.Binary([]byte{0x01, 0x00, 0x02}))
	require.NoError(t, cb.Binary([]byte{0x00, 0xff, 0xff}))

	assert.Equal(t, []int16{1}, <-out)
	assert.Equal(t, []int16{2, -1}, <-out)
}

func TestSpeakCallback_DropsAfterShut(t *testing.T) {
	out := make(chan []int16, 1)
	cb := newSpeakCallback(context.Background(), out)

	cb.shut()
	close(out)
	assert.NoError(t, cb.Binary([]byte{0x01, 0x00}))
}

func TestSpeakCallback_FlushEndsChunk(t *testing.T) {
	out := make(chan []int16, 4)
	cb := newSpeakCallback(context.Background(), out)

	require.NoError(t, cb.Binary([]byte{0x01, 0x00}))
	require.NoError(t, cb.Binary([]byte{0x02, 0x00}))
	select {
	case <-cb.flushed:
		t.Fatal("chunk ended before flush")
	default:
	}

	require.NoError(t, cb.Flush(&msginterfaces.FlushedResponse{}))
	require.NoError(t, cb.Flush(nil))
	select {
	case <-cb.flushed:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("flush did not end the chunk")
	}
	assert.Equal(t, []int16{1}, <-out)
	assert.Equal(t, []int16{2}, <-out)
}

func TestSpeakCallback_ShutUnblocksSend(t *testing.T) {
	out := make(chan []int16)
	cb := newSpeakCallback(context.Background(), out)

	done := make(chan error, 1)
	go func() { done <- cb.Binary([]byte{0x01, 0x00}) }()

	time.Sleep(10 * time.Millisecond)
	cb.shut()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Binary still blocked after shut")
	}
}
