// Package session holds per-connection state: the conversation history with
// its trimming rules, the microphone buffer, the interrupt latch, and the
// cancellation handle for the in-flight assistant response. A [Registry]
// tracks all live sessions and reaps idle ones.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/worktalk/worktalk/internal/tools"
)

// maxTokenEstimate is the history size ceiling, in estimated tokens.
const maxTokenEstimate = 100_000

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one typed content block within a turn. Only the fields of its
// Type are set.
type Block struct {
	Type string

	// text
	Text string

	// image
	MediaType string
	Data      string

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Content   string
	IsError   bool
}

// TextBlock returns a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ImageBlock returns a base64 image content block.
func ImageBlock(mediaType, data string) Block {
	return Block{Type: BlockImage, MediaType: mediaType, Data: data}
}

// ToolUseBlock returns a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Turn is one conversation message.
type Turn struct {
	Role   string
	Blocks []Block
}

// Session is the state of one client connection. Its methods are safe for
// concurrent use: the receive loop, the response worker, and the registry
// reaper all touch it.
type Session struct {
	id        string
	maxTurns  int
	createdAt time.Time

	interrupted  atomic.Bool
	responding   atomic.Bool
	lastActivity atomic.Int64 // unix nanoseconds

	mu            sync.Mutex
	workspaceName string
	executor      *tools.Executor
	conversation  []Turn
	audioBuffer   []byte
	recording     bool
	cancel        context.CancelFunc
}

// New returns a fresh session with a 12-hex-char identifier. maxTurns bounds
// the conversation at 2*maxTurns messages.
func New(maxTurns int) *Session {
	u := uuid.New()
	s := &Session{
		id:        hex.EncodeToString(u[:])[:12],
		maxTurns:  maxTurns,
		createdAt: time.Now(),
	}
	s.Touch()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Touch records activity now, deferring the idle reaper.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent [Session.Touch].
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// ── Workspace binding ──────────────────────────────────────────────────────────

// SetWorkspace binds the session to a named workspace and the executor
// rooted in it.
func (s *Session) SetWorkspace(name string, exec *tools.Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaceName = name
	s.executor = exec
}

// WorkspaceName returns the active workspace name, or "" before selection.
func (s *Session) WorkspaceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaceName
}

// Executor returns the executor bound to the active workspace, or nil.
func (s *Session) Executor() *tools.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executor
}

// ── Conversation history ───────────────────────────────────────────────────────

// AddUserTurn appends a user turn and trims the history.
func (s *Session) AddUserTurn(blocks []Block) {
	s.addTurn(Turn{Role: RoleUser, Blocks: blocks})
}

// AddAssistantTurn appends an assistant turn and trims the history.
func (s *Session) AddAssistantTurn(blocks []Block) {
	s.addTurn(Turn{Role: RoleAssistant, Blocks: blocks})
}

// AddToolResultTurn appends the user turn carrying tool results for the
// preceding assistant turn, and trims the history.
func (s *Session) AddToolResultTurn(blocks []Block) {
	s.addTurn(Turn{Role: RoleUser, Blocks: blocks})
}

func (s *Session) addTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = append(s.conversation, t)
	s.trimLocked()
}

// History returns the current conversation. The returned slice must not be
// mutated; it stays valid while the caller's response is in flight.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation
}

// ClearHistory drops the whole conversation.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = nil
}

// EstimateTokens roughly estimates the history size at ~4 chars per token.
// Only text-like content counts: text blocks and tool_result payloads.
func (s *Session) EstimateTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimateLocked()
}

func (s *Session) estimateLocked() int {
	chars := 0
	for _, t := range s.conversation {
		for _, b := range t.Blocks {
			chars += len(b.Text) + len(b.Content)
		}
	}
	return chars / 4
}

// trimLocked enforces the history bounds: at most 2*maxTurns messages and at
// most maxTokenEstimate estimated tokens (the latter only while more than one
// exchange remains). Messages are dropped oldest-exchange-first; an exchange
// spans from a user turn through any tool_result turns that follow it, so a
// tool_use assistant turn is never stranded from its tool_result.
func (s *Session) trimLocked() {
	maxMessages := 2 * s.maxTurns
	for len(s.conversation) > maxMessages && s.dropOldestExchangeLocked() {
	}
	for len(s.conversation) > 2 && s.estimateLocked() > maxTokenEstimate && s.dropOldestExchangeLocked() {
	}
}

// dropOldestExchangeLocked removes the oldest exchange and reports whether it
// did. The one exchange still in flight is never removed.
func (s *Session) dropOldestExchangeLocked() bool {
	cut := 2
	for cut < len(s.conversation) && isToolResultTurn(s.conversation[cut]) {
		cut += 2
	}
	if cut >= len(s.conversation) {
		return false
	}
	s.conversation = slices.Delete(s.conversation, 0, cut)
	return true
}

// isToolResultTurn reports whether t is a user turn carrying tool results,
// i.e. the continuation of a preceding assistant tool_use turn.
func isToolResultTurn(t Turn) bool {
	return t.Role == RoleUser && len(t.Blocks) > 0 && t.Blocks[0].Type == BlockToolResult
}

// ── Audio buffer ───────────────────────────────────────────────────────────────

// StartRecording clears the microphone buffer and accepts audio frames.
func (s *Session) StartRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = true
	s.audioBuffer = nil
}

// StopRecording stops accepting audio frames; the buffer is kept for
// [Session.DrainAudio].
func (s *Session) StopRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = false
}

// Recording reports whether a recording segment is open.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// AppendAudio buffers one microphone payload. Frames received outside a
// recording segment are dropped.
func (s *Session) AppendAudio(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording {
		s.audioBuffer = append(s.audioBuffer, p...)
	}
}

// DrainAudio returns the buffered recording and clears the buffer.
func (s *Session) DrainAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.audioBuffer
	s.audioBuffer = nil
	return buf
}

// ClearAudio drops any buffered recording.
func (s *Session) ClearAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioBuffer = nil
}

// ── Response lifecycle ─────────────────────────────────────────────────────────

// BeginResponse derives the context for one assistant response and installs
// its cancellation handle. The returned done function releases the handle
// and must be called when the response finishes.
func (s *Session) BeginResponse(ctx context.Context) (context.Context, func()) {
	rctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.responding.Store(true)

	return rctx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		s.responding.Store(false)
		cancel()
	}
}

// CancelResponse latches the interrupt flag and cancels the in-flight
// response, if any. Calling it with no response in flight is harmless.
func (s *Session) CancelResponse() {
	s.interrupted.Store(true)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Responding reports whether an assistant response is in flight.
func (s *Session) Responding() bool { return s.responding.Load() }

// Interrupted reports whether the current response was interrupted.
func (s *Session) Interrupted() bool { return s.interrupted.Load() }

// ClearInterrupt resets the interrupt latch; called before each user input.
func (s *Session) ClearInterrupt() { s.interrupted.Store(false) }
