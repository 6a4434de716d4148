// Package mock provides a test double for the tts.Provider interface.
//
// Pre-set Chunks or Err to control what Synthesize returns, then inspect
// SynthesizeCalls to verify the text the caller sent for synthesis.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
//	ch, _ := p.Synthesize(ctx, "Hello there.")
package mock

import (
	"context"
	"sync"

	"github.com/worktalk/worktalk/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the utterance passed to Synthesize.
	Text string
}

// Provider is a configurable mock implementation of tts.Provider.
// The zero value is usable; it synthesises every utterance into no audio.
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted on the audio channel for every Synthesize call.
	Chunks [][]byte

	// Err, when non-nil, is returned by Synthesize instead of a channel.
	Err error

	// AudioFormat is returned by Format. Empty defaults to "mp3".
	AudioFormat string

	// SynthesizeCalls records every invocation of Synthesize.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize implements tts.Provider. It records the call and returns a
// channel pre-loaded with Chunks, closing it once they are consumed or ctx
// is cancelled.
func (p *Provider) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text})
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	err := p.Err
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Format implements tts.Provider.
func (p *Provider) Format() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AudioFormat == "" {
		return "mp3"
	}
	return p.AudioFormat
}

// Calls returns a snapshot of all recorded Synthesize invocations.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}
