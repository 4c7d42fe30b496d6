package sse

import (
	"bytes"
	"strings"
)

// MaxLineBytes bounds a single unterminated line. Longer lines are dropped.
const MaxLineBytes = 1 << 20

// LineBuffer splits arbitrarily fragmented input into complete lines.
// An incomplete trailing line is held until a later Feed completes it.
type LineBuffer struct {
	// Max overrides MaxLineBytes when positive.
	Max int

	partial    []byte
	discarding bool
	dropped    int
}

// Feed appends p and returns every line it completed, without terminators.
func (b *LineBuffer) Feed(p []byte) []string {
	var lines []string
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			b.hold(p)
			break
		}
		b.hold(p[:i])
		if b.discarding {
			b.discarding = false
		} else {
			lines = append(lines, strings.TrimSuffix(string(b.partial), "\r"))
		}
		b.partial = b.partial[:0]
		p = p[i+1:]
	}
	return lines
}

// hold buffers part of the current line, switching to discard mode once the
// line outgrows the limit. Discarding lasts until the next newline.
func (b *LineBuffer) hold(p []byte) {
	if b.discarding {
		return
	}
	if len(b.partial)+len(p) > b.limit() {
		b.discarding = true
		b.dropped++
		b.partial = b.partial[:0]
		return
	}
	b.partial = append(b.partial, p...)
}

func (b *LineBuffer) limit() int {
	if b.Max > 0 {
		return b.Max
	}
	return MaxLineBytes
}

// Flush returns the unterminated remainder, if any, and clears it.
func (b *LineBuffer) Flush() (string, bool) {
	b.discarding = false
	if len(b.partial) == 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(b.partial), "\r")
	b.partial = b.partial[:0]
	return line, true
}

// Dropped reports how many over-long lines were discarded.
func (b *LineBuffer) Dropped() int {
	return b.dropped
}
