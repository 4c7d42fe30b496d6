// Package segment cuts a growing answer into chunks that can be synthesized
// before the whole answer is known.
package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMaxChars = 200
	DefaultMinChars = 1
)

type Config struct {
	// MaxChars bounds how much text is held back waiting for a sentence end.
	MaxChars int
	// MinChars merges short sentences until a chunk reaches this length.
	MinChars int
}

func DefaultConfig() Config {
	return Config{MaxChars: DefaultMaxChars, MinChars: DefaultMinChars}
}

// Segmenter is fed the whole clean text on every call and only ever returns
// text it has not returned before.
type Segmenter struct {
	cfg  Config
	sent string
}

func New(cfg Config) *Segmenter {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = DefaultMinChars
	}
	if cfg.MinChars > cfg.MaxChars {
		cfg.MinChars = cfg.MaxChars
	}
	return &Segmenter{cfg: cfg}
}

// Push returns the chunks of text that became complete. A trailing partial
// sentence is held back.
func (s *Segmenter) Push(text string) []string {
	return s.cut(text, false)
}

// Flush returns the remaining chunks including the trailing partial sentence.
// Call it once the stream is known to be complete.
func (s *Segmenter) Flush(text string) []string {
	return s.cut(text, true)
}

// Emitted returns the prefix of the text already handed out.
func (s *Segmenter) Emitted() string {
	return s.sent
}

func (s *Segmenter) cut(text string, final bool) []string {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	s.resync(text)

	var chunks []string
	for {
		rest := text[len(s.sent):]
		end := s.nextCut(rest)
		if end <= 0 {
			break
		}
		s.sent = text[:len(s.sent)+end]
		if chunk := strings.TrimSpace(rest[:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	if final {
		if chunk := strings.TrimSpace(text[len(s.sent):]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		s.sent = text
	}
	return chunks
}

// resync handles the one legal non-monotonic edit: if text no longer extends
// what was sent, continue from the longest common prefix.
func (s *Segmenter) resync(text string) {
	if strings.HasPrefix(text, s.sent) {
		return
	}
	n := 0
	for n < len(text) && n < len(s.sent) && text[n] == s.sent[n] {
		n++
	}
	for n > 0 && n < len(text) && !utf8.RuneStart(text[n]) {
		n--
	}
	s.sent = text[:n]
}

// nextCut returns the byte length of the next chunk in rest, or 0 if none is
// ready yet.
func (s *Segmenter) nextCut(rest string) int {
	if end := sentenceEnd(rest, s.cfg.MinChars); end > 0 {
		if utf8.RuneCountInString(strings.TrimSpace(rest[:end])) <= s.cfg.MaxChars {
			return end
		}
	}
	body := strings.TrimLeftFunc(rest, unicode.IsSpace)
	if utf8.RuneCountInString(body) > s.cfg.MaxChars {
		lead := len(rest) - len(body)
		return lead + sizeCut(body, s.cfg.MaxChars)
	}
	return 0
}

// sentenceEnd finds the first sentence boundary whose chunk holds at least
// minChars runes. A boundary is terminal punctuation, optionally followed by
// closing quotes or brackets, followed by whitespace; or a newline.
func sentenceEnd(text string, minChars int) int {
	for i, r := range text {
		end := 0
		switch {
		case r == '\n':
			end = i + 1
		case isTerminator(r):
			j := i + utf8.RuneLen(r)
			for j < len(text) {
				next, size := utf8.DecodeRuneInString(text[j:])
				if !isCloser(next) && !isTerminator(next) {
					break
				}
				j += size
			}
			if j >= len(text) {
				return 0
			}
			if next, _ := utf8.DecodeRuneInString(text[j:]); !unicode.IsSpace(next) {
				continue
			}
			end = j
		default:
			continue
		}
		if utf8.RuneCountInString(strings.TrimSpace(text[:end])) >= minChars {
			return end
		}
	}
	return 0
}

// sizeCut cuts at the last whitespace within maxChars runes, or hard at
// maxChars when there is none.
func sizeCut(text string, maxChars int) int {
	count := 0
	lastSpace := 0
	for i, r := range text {
		if unicode.IsSpace(r) && i > 0 {
			lastSpace = i
		}
		if count == maxChars {
			if lastSpace > 0 {
				return lastSpace
			}
			return i
		}
		count++
	}
	return len(text)
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', ')', ']', '»':
		return true
	}
	return false
}
