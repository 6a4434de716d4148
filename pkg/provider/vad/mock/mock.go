// Package mock provides scripted test doubles for the vad interfaces.
//
// An Engine hands out Sessions that replay a fixed script of events, one
// event per processed frame, so tests can drive speech span detection
// without a real detector:
//
//	eng := &mock.Engine{Script: []vad.VADEvent{
//	    {Type: vad.VADSpeechStart, Probability: 0.9},
//	    {Type: vad.VADSpeechEnd},
//	}}
package mock

import (
	"errors"
	"sync"

	"github.com/worktalk/worktalk/pkg/provider/vad"
)

// Engine is a [vad.Engine] that hands out scripted sessions.
type Engine struct {
	// Err, when set, fails every NewSession call.
	Err error

	// Script seeds each new session: frame i yields event i, and frames
	// past the end read as silence.
	Script []vad.VADEvent

	mu       sync.Mutex
	configs  []vad.Config
	sessions []*Session
}

// NewSession records cfg and returns a fresh session primed with Script.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	s := &Session{script: e.Script}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Configs returns the Config of every NewSession call, in order.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Sessions returns every session handed out, in order.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

var _ vad.Engine = (*Engine)(nil)

var errClosed = errors.New("vad mock: session closed")

// Session replays its script, one event per frame. The zero value reports
// silence for every frame.
type Session struct {
	script []vad.VADEvent

	mu     sync.Mutex
	pos    int
	frames [][]byte
	resets int
	closed bool
}

// ProcessFrame records a copy of frame and returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	if s.pos < len(s.script) {
		ev := s.script[s.pos]
		s.pos++
		return ev, nil
	}
	return vad.VADEvent{Type: vad.VADSilence}, nil
}

// Reset rewinds the script to the beginning.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	s.resets++
}

// Close marks the session closed. Further ProcessFrame calls fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns a copy of every frame processed so far.
func (s *Session) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	for i, f := range s.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Resets reports how many times Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ vad.SessionHandle = (*Session)(nil)
