// Package energy provides a dependency-free VAD engine based on frame
// energy. It implements the vad.Engine interface.
//
// Each frame's RMS amplitude is mapped to a pseudo-probability and compared
// against the configured speech threshold; debounce windows on both edges
// turn the per-frame decisions into stable speech spans. This is not a
// model-based detector: it cannot tell speech from loud music or keyboard
// clatter. It exists to produce speech span telemetry for push-to-talk
// streams, where the user already controls the capture window.
package energy

import (
	"errors"
	"fmt"

	"github.com/worktalk/worktalk/pkg/audio"
	"github.com/worktalk/worktalk/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// speechReferenceRMS is the RMS amplitude mapped to probability 1.0.
// Normal speech close to a phone microphone lands around 2000-6000 RMS on
// 16-bit samples, so a frame at or above this level saturates the score
// while room tone (usually under 300) stays near zero.
const speechReferenceRMS = 2000.0

// Engine creates energy-gate VAD sessions. The zero value is ready to use
// and safe for concurrent use; all detection state lives in the sessions.
type Engine struct{}

// New returns a new energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold must be in [0, 1], got %v", cfg.SpeechThreshold)
	}
	if cfg.MinSpeechDurationMs < 0 {
		return nil, fmt.Errorf("energy: min speech duration must not be negative, got %d", cfg.MinSpeechDurationMs)
	}
	if cfg.MinSilenceDurationMs < 0 {
		return nil, fmt.Errorf("energy: min silence duration must not be negative, got %d", cfg.MinSilenceDurationMs)
	}
	return &session{cfg: cfg}, nil
}

// session holds the per-stream detection state. It is not safe for
// concurrent use; callers process one stream from one goroutine.
type session struct {
	cfg vad.Config

	inSpeech  bool
	speechMs  int
	silenceMs int
	closed    bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session is closed")
	}
	if len(frame) == 0 || len(frame)%2 != 0 {
		return vad.VADEvent{}, fmt.Errorf("energy: frame must be non-empty 16-bit PCM, got %d bytes", len(frame))
	}

	probability := audio.RMS(frame) / speechReferenceRMS
	if probability > 1 {
		probability = 1
	}
	speech := probability >= s.cfg.SpeechThreshold
	ms := audio.DurationMs(frame, s.cfg.SampleRate, 1)

	event := vad.VADEvent{Probability: probability}
	switch {
	case !s.inSpeech && speech:
		s.speechMs += ms
		if s.speechMs >= s.cfg.MinSpeechDurationMs {
			s.inSpeech = true
			s.silenceMs = 0
			event.Type = vad.VADSpeechStart
		} else {
			event.Type = vad.VADSilence
		}
	case !s.inSpeech:
		s.speechMs = 0
		event.Type = vad.VADSilence
	case speech:
		s.silenceMs = 0
		event.Type = vad.VADSpeechContinue
	default:
		s.silenceMs += ms
		if s.silenceMs >= s.cfg.MinSilenceDurationMs {
			s.inSpeech = false
			s.speechMs = 0
			s.silenceMs = 0
			event.Type = vad.VADSpeechEnd
		} else {
			event.Type = vad.VADSpeechContinue
		}
	}
	return event, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.inSpeech = false
	s.speechMs = 0
	s.silenceMs = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}
