package ws

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Speak tags mark the portions of assistant text meant to be spoken aloud.
const (
	speakOpen  = "<speak>"
	speakClose = "</speak>"
)

// stripSpeakTags removes speak markup, leaving the text for display.
func stripSpeakTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	s = strings.ReplaceAll(s, speakOpen, "")
	return strings.ReplaceAll(s, speakClose, "")
}

// speakExtractor pulls completed <speak>...</speak> segments out of streamed
// text deltas. Tags may arrive split across any number of deltas.
type speakExtractor struct {
	buf string
}

func newSpeakExtractor() *speakExtractor {
	return &speakExtractor{}
}

// Feed appends one delta and returns the speak segments completed by it, in
// order, trimmed. Empty segments are dropped.
func (e *speakExtractor) Feed(delta string) []string {
	e.buf += delta

	var segments []string
	for {
		open := strings.Index(e.buf, speakOpen)
		if open < 0 {
			// No open tag. Keep just enough tail to survive a tag split
			// across deltas; everything before it is plain display text.
			if keep := len(speakOpen) - 1; len(e.buf) > keep {
				e.buf = e.buf[len(e.buf)-keep:]
			}
			return segments
		}

		rest := e.buf[open+len(speakOpen):]
		end := strings.Index(rest, speakClose)
		if end < 0 {
			// Open tag without its close yet. Hold from the tag onward.
			e.buf = e.buf[open:]
			return segments
		}

		if seg := strings.TrimSpace(rest[:end]); seg != "" {
			segments = append(segments, seg)
		}
		e.buf = rest[end+len(speakClose):]
	}
}

// splitSentences breaks text at sentence terminators followed by whitespace,
// keeping the terminator with its sentence. Terminators inside tokens like
// "3.14" do not split.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 < len(text) {
			r, _ := utf8.DecodeRuneInString(text[i+1:])
			if !unicode.IsSpace(r) {
				continue
			}
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
