// Package mock provides a test double for the ws.Responder interface.
//
// Pre-set Events or Err to control what StreamResponse emits, then inspect
// StreamCalls to verify the conversation state the caller passed in.
//
// Example:
//
//	r := &mock.Responder{Events: []agent.Event{
//	    {Type: agent.EventTextDelta, Text: "<speak>Done.</speak>"},
//	}}
//	err := r.StreamResponse(ctx, sess, nil, emit)
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/worktalk/worktalk/internal/agent"
	"github.com/worktalk/worktalk/internal/session"
	"github.com/worktalk/worktalk/internal/tools"
	"github.com/worktalk/worktalk/internal/ws"
)

// Compile-time interface assertion.
var _ ws.Responder = (*Responder)(nil)

// StreamCall records a single invocation of StreamResponse.
type StreamCall struct {
	// History is a snapshot of the session history at call time.
	History []session.Turn

	// Exec is the tool executor passed to StreamResponse, nil when the
	// session had no sandbox.
	Exec *tools.Executor
}

// Responder is a configurable mock implementation of ws.Responder.
// The zero value is usable; it emits nothing and returns nil.
type Responder struct {
	mu sync.Mutex

	// Events are emitted in order on every StreamResponse call.
	Events []agent.Event

	// Err is returned after the events are emitted.
	Err error

	// StreamFunc, when non-nil, replaces the canned behaviour entirely.
	StreamFunc func(ctx context.Context, sess *session.Session, exec *tools.Executor, emit func(agent.Event) error) error

	// StreamCalls records every invocation of StreamResponse.
	StreamCalls []StreamCall
}

// StreamResponse implements ws.Responder. It records the call, then either
// delegates to StreamFunc or emits the canned Events and returns Err. An emit
// error is returned as is, matching the real client.
func (r *Responder) StreamResponse(ctx context.Context, sess *session.Session, exec *tools.Executor, emit func(agent.Event) error) error {
	r.mu.Lock()
	r.StreamCalls = append(r.StreamCalls, StreamCall{
		History: slices.Clone(sess.History()),
		Exec:    exec,
	})
	events := slices.Clone(r.Events)
	err := r.Err
	fn := r.StreamFunc
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, sess, exec, emit)
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return nil
		}
		if emitErr := emit(ev); emitErr != nil {
			return emitErr
		}
	}
	return err
}

// Calls returns a snapshot of all recorded StreamResponse invocations.
func (r *Responder) Calls() []StreamCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.StreamCalls)
}

// Reset clears all recorded calls.
func (r *Responder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StreamCalls = nil
}
