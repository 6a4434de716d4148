// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector (e.g., an energy gate or
// Silero VAD) and surfaces it as a stateful, per-stream session. Each session
// maintains its own internal state (debounce counters, smoothing history) so
// that multiple concurrent audio streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for low-latency pipeline stages that
// observe the microphone stream.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// SpeechThreshold is the probability above which a frame is classified
	// as speech. Range: [0.0, 1.0]. Higher values reduce false positives at
	// the cost of increased speech start latency. Typical: 0.5.
	SpeechThreshold float64

	// MinSpeechDurationMs is how long speech must persist before a span is
	// opened. Frames shorter than this debounce window are reported as
	// silence, filtering out clicks and breath noise. 0 opens a span on the
	// first speech frame.
	MinSpeechDurationMs int

	// MinSilenceDurationMs is how long silence must persist before an open
	// span is closed. Short pauses between words stay inside the span.
	// 0 closes the span on the first silent frame.
	MinSilenceDurationMs int
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Each session maintains its own detection state;
// Reset clears this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian 16-bit mono PCM at the
	// SampleRate configured when the session was created; frames may vary
	// in length. Returns an error if the frame is malformed or the session
	// is closed.
	//
	// This method is designed to be called synchronously in the audio
	// receive loop; it must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state (debounce counters, open
	// spans) without closing the session. Use this when the audio stream is
	// interrupted or restarted to avoid stale state from the previous
	// segment affecting subsequent frames.
	Reset()

	// Close releases all resources associated with the session. After
	// Close, ProcessFrame must return an error. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// The session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (e.g., unsupported
	// sample rate or threshold out of range) or if the engine cannot
	// allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
