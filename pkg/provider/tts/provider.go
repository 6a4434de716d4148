// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., the OpenAI speech
// API or a local server) and presents a uniform streaming interface: one
// Synthesize call per utterance, returning audio chunks on a channel as they
// arrive from the backend. The gateway splits assistant speech into sentences
// and synthesises them one at a time, so per-call latency matters more than
// raw throughput.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into speech audio. It returns a channel that
	// emits encoded audio chunks as they become available; the channel is
	// closed by the implementation when synthesis is complete or ctx is
	// cancelled. The caller must drain the channel to avoid blocking the
	// provider's internal goroutines.
	//
	// Returns a non-nil error only if the request cannot be started. Errors
	// encountered mid-stream are signalled by closing the channel early;
	// callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)

	// Format reports the audio container format emitted on the channel
	// (e.g. "mp3"). Clients use it to pick a decoder before the first
	// chunk arrives.
	Format() string
}
