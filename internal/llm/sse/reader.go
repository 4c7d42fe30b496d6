// Package sse decodes the "data:"-framed event streams returned by streaming
// chat completion endpoints into llm.Delta values.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/llm"
)

const (
	framePrefix      = "data:"
	terminalSentinel = "[DONE]"
	defaultReadSize  = 4096
)

// DecodeFunc turns one frame payload into a delta. Returning an error skips
// the frame, unless the error is wrapped with Fatal.
type DecodeFunc func(payload []byte) (llm.Delta, error)

// FatalError marks a decode result that must end the stream, e.g. an error
// object sent by the backend in place of a delta.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the Reader stops instead of skipping the frame.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// ErrLineTooLong is reported to the skip hook for a line that outgrew the
// line buffer's limit.
var ErrLineTooLong = errors.New("sse: line too long")

type Option func(*Reader)

// WithContext makes Next report ctx's error once ctx is done.
func WithContext(ctx context.Context) Option {
	return func(r *Reader) { r.ctx = ctx }
}

// WithReadSize sets the size of each read from the underlying stream.
func WithReadSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.buf = make([]byte, n)
		}
	}
}

// WithMaxLine caps the bytes held for one unterminated line.
func WithMaxLine(n int) Option {
	return func(r *Reader) { r.lines.Max = n }
}

// WithSkipHook is called for each malformed frame that was skipped.
func WithSkipHook(fn func(payload string, err error)) Option {
	return func(r *Reader) { r.onSkip = fn }
}

// Reader is a lazy, finite, non-restartable sequence of deltas. Next returns
// llm.ErrDone after the terminal sentinel, io.EOF when the input ends without
// one, and the context error on cancellation. Once a terminal error has been
// returned every later call returns it again.
type Reader struct {
	ctx    context.Context
	src    io.Reader
	closer io.Closer
	decode DecodeFunc
	onSkip func(payload string, err error)

	lines   LineBuffer
	buf     []byte
	pending []string
	srcEOF  bool
	err     error
	skipped int
	dropped int
}

// NewReader reads frames from r. If r is also an io.Closer, Close closes it.
func NewReader(r io.Reader, decode DecodeFunc, opts ...Option) *Reader {
	rd := &Reader{
		ctx:    context.Background(),
		src:    r,
		decode: decode,
		buf:    make([]byte, defaultReadSize),
	}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

func (r *Reader) Next() (llm.Delta, error) {
	for {
		if r.err != nil {
			return llm.Delta{}, r.err
		}
		if err := r.ctx.Err(); err != nil {
			r.err = err
			continue
		}

		if len(r.pending) > 0 {
			line := r.pending[0]
			r.pending = r.pending[1:]
			delta, ok, err := r.handleLine(line)
			if err != nil {
				r.err = err
				continue
			}
			if ok {
				return delta, nil
			}
			continue
		}

		if r.srcEOF {
			r.err = io.EOF
			continue
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.lines.Feed(r.buf[:n])...)
			r.countDropped()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.srcEOF = true
				if tail, ok := r.lines.Flush(); ok {
					r.pending = append(r.pending, tail)
				}
				continue
			}
			// An aborted request surfaces as a read error on the body.
			if cerr := r.ctx.Err(); cerr != nil {
				r.err = cerr
			} else {
				r.err = fmt.Errorf("sse: read stream: %w", err)
			}
		}
	}
}

func (r *Reader) countDropped() {
	for r.dropped < r.lines.Dropped() {
		r.dropped++
		r.skip("", ErrLineTooLong)
	}
}

func (r *Reader) skip(payload string, err error) {
	r.skipped++
	log.Warn().
		Err(err).
		Int("payload_size", len(payload)).
		Msg("Skipping malformed stream frame")
	if r.onSkip != nil {
		r.onSkip(payload, err)
	}
}

func (r *Reader) handleLine(line string) (llm.Delta, bool, error) {
	if !strings.HasPrefix(line, framePrefix) {
		return llm.Delta{}, false, nil
	}
	payload := strings.TrimPrefix(strings.TrimPrefix(line, framePrefix), " ")
	if strings.TrimSpace(payload) == terminalSentinel {
		return llm.Delta{}, false, llm.ErrDone
	}
	if strings.TrimSpace(payload) == "" {
		return llm.Delta{}, false, nil
	}

	delta, err := r.decode([]byte(payload))
	if err != nil {
		var fatal *FatalError
		if errors.As(err, &fatal) {
			return llm.Delta{}, false, fatal.Err
		}
		r.skip(payload, err)
		return llm.Delta{}, false, nil
	}
	if delta.Empty() {
		return llm.Delta{}, false, nil
	}
	return delta, true, nil
}

// Skipped reports how many malformed frames were dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
