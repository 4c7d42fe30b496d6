package reasoning

import "strings"

// Markers delimit reasoning embedded in answer text by backends without a
// separate reasoning channel.
type Markers struct {
	Start string
	End   string
}

func DefaultMarkers() Markers {
	return Markers{Start: "<think>", End: "</think>"}
}

func (m Markers) valid() bool {
	return m.Start != "" && m.End != ""
}

// ExtractMarkers splits text on the first start marker and the first end
// marker after it. When both are present thinking is the trimmed text between
// them and clean is the trimmed concatenation of what surrounds them.
// Otherwise thinking is nil and clean is text unmodified.
func ExtractMarkers(text string, m Markers) (thinking *string, clean string) {
	if !m.valid() {
		return nil, text
	}
	start := strings.Index(text, m.Start)
	if start < 0 {
		return nil, text
	}
	afterStart := start + len(m.Start)
	end := strings.Index(text[afterStart:], m.End)
	if end < 0 {
		return nil, text
	}
	end += afterStart

	inner := strings.TrimSpace(text[afterStart:end])
	clean = strings.TrimSpace(text[:start] + text[end+len(m.End):])
	return &inner, clean
}

// stablePrefix returns the part of text that a later marker completion can
// never remove: everything before an open start marker, and nothing of a
// trailing fragment that could still grow into a start marker.
func stablePrefix(text string, m Markers) string {
	if !m.valid() {
		return text
	}
	if start := strings.Index(text, m.Start); start >= 0 {
		return text[:start]
	}
	for n := len(m.Start) - 1; n > 0; n-- {
		if strings.HasSuffix(text, m.Start[:n]) {
			return text[:len(text)-n]
		}
	}
	return text
}
