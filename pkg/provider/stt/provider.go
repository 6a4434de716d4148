// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a transcription engine (e.g. a local whisper.cpp
// model) behind a single batch call: the connection handler buffers one
// complete utterance between audio_start and audio_end and hands it over in
// one piece. There is no streaming surface; partial transcripts are out of
// scope for a push-to-talk flow.
//
// Implementations must be safe for concurrent use. Multiple sessions may
// transcribe simultaneously.
package stt

import "context"

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe converts one utterance of 16-bit little-endian mono PCM
	// into text. sampleRate is the rate of the supplied audio in Hz;
	// implementations resample internally when they need a different rate.
	// Empty input yields an empty transcription and no error.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}
