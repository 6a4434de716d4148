package ws

import (
	"slices"
	"testing"
)

func TestSpeakExtractor_WholeTagInOneDelta(t *testing.T) {
	t.Parallel()
	e := newSpeakExtractor()
	got := e.Feed("<speak>Hello there.</speak>")
	want := []string{"Hello there."}
	if !slices.Equal(got, want) {
		t.Errorf("Feed = %q, want %q", got, want)
	}
}

func TestSpeakExtractor_TagSplitAcrossDeltas(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		deltas []string
		want   []string
	}{
		{
			name:   "open tag split mid-token",
			deltas: []string{"<sp", "eak>Hi.", "</speak>"},
			want:   []string{"Hi."},
		},
		{
			name:   "close tag split mid-token",
			deltas: []string{"<speak>On it.</sp", "eak>"},
			want:   []string{"On it."},
		},
		{
			name:   "one character at a time",
			deltas: []string{"<", "s", "p", "e", "a", "k", ">", "O", "k", ".", "<", "/", "s", "p", "e", "a", "k", ">"},
			want:   []string{"Ok."},
		},
		{
			name:   "segment spans many deltas",
			deltas: []string{"<speak>Let me ", "check the file", " for you.</speak>"},
			want:   []string{"Let me check the file for you."},
		},
		{
			name:   "display text between tagged segments",
			deltas: []string{"<speak>Sure.</speak>\n```go\nfunc main() {}\n```\n", "<speak>Done.</speak>"},
			want:   []string{"Sure.", "Done."},
		},
		{
			name:   "two segments in one delta",
			deltas: []string{"<speak>First.</speak> middle <speak>Second.</speak>"},
			want:   []string{"First.", "Second."},
		},
		{
			name:   "whitespace-only segment dropped",
			deltas: []string{"<speak>   </speak><speak>Real.</speak>"},
			want:   []string{"Real."},
		},
		{
			name:   "inner text trimmed",
			deltas: []string{"<speak>\n  Spoken bits.\n</speak>"},
			want:   []string{"Spoken bits."},
		},
		{
			name:   "no tags at all",
			deltas: []string{"plain text ", "with no markup"},
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newSpeakExtractor()
			var got []string
			for _, d := range tt.deltas {
				got = append(got, e.Feed(d)...)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("segments = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpeakExtractor_UnclosedTagWaitsForClose(t *testing.T) {
	t.Parallel()
	e := newSpeakExtractor()
	if got := e.Feed("<speak>still going"); got != nil {
		t.Fatalf("Feed before close = %q, want none", got)
	}
	if got := e.Feed(" and going"); got != nil {
		t.Fatalf("Feed before close = %q, want none", got)
	}
	got := e.Feed(".</speak>")
	want := []string{"still going and going."}
	if !slices.Equal(got, want) {
		t.Errorf("Feed at close = %q, want %q", got, want)
	}
}

func TestSpeakExtractor_BufferStaysBounded(t *testing.T) {
	t.Parallel()
	e := newSpeakExtractor()
	for range 1000 {
		e.Feed("no markup here, just a long streamed answer. ")
	}
	if max := len(speakOpen) - 1; len(e.buf) > max {
		t.Errorf("buf holds %d bytes outside a tag, want at most %d", len(e.buf), max)
	}
}

func TestStripSpeakTags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no markup", "plain text", "plain text"},
		{"single tag", "<speak>Hi.</speak>", "Hi."},
		{"tag amid text", "before <speak>Hi.</speak> after", "before Hi. after"},
		{"open tag only", "<speak>partial", "partial"},
		{"close tag only", "partial</speak>", "partial"},
		{"angle bracket kept", "a < b", "a < b"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := stripSpeakTags(tt.in); got != tt.want {
				t.Errorf("stripSpeakTags(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "two sentences",
			in:   "Hello there. How are you?",
			want: []string{"Hello there.", "How are you?"},
		},
		{
			name: "terminator kept with sentence",
			in:   "Stop! Now.",
			want: []string{"Stop!", "Now."},
		},
		{
			name: "decimal point does not split",
			in:   "Pi is 3.14 roughly. Yes.",
			want: []string{"Pi is 3.14 roughly.", "Yes."},
		},
		{
			name: "stacked terminators stay together",
			in:   "What?! Really.",
			want: []string{"What?!", "Really."},
		},
		{
			name: "no terminator",
			in:   "no ending punctuation",
			want: []string{"no ending punctuation"},
		},
		{
			name: "trailing terminator only",
			in:   "Just one sentence.",
			want: []string{"Just one sentence."},
		},
		{
			name: "newline as boundary whitespace",
			in:   "First line.\nSecond line.",
			want: []string{"First line.", "Second line."},
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "  Padded.   Spaced out.  ",
			want: []string{"Padded.", "Spaced out."},
		},
		{
			name: "empty input",
			in:   "",
			want: nil,
		},
		{
			name: "whitespace only",
			in:   "   ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := splitSentences(tt.in); !slices.Equal(got, tt.want) {
				t.Errorf("splitSentences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter than limit", "abc", 5, "abc"},
		{"exactly at limit", "abcde", 5, "abcde"},
		{"over limit", "abcdef", 5, "abcde"},
		{"multibyte runes counted not bytes", "héllo wörld", 7, "héllo w"},
		{"zero limit", "abc", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := truncateRunes(tt.in, tt.n); got != tt.want {
				t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
