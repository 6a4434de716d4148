// Package ws implements the WebSocket endpoint that binds a client
// connection to its session and drives the voice loop: inbound frames are
// parsed and dispatched, user inputs run through the assistant one at a time,
// speak-tagged reply text is synthesized to audio, and interrupts cut the
// in-flight response short.
//
// Each connection runs three goroutines. The receive loop owns the socket
// reads, the microphone buffer, and the VAD session, and handles ping,
// interrupt, and recording control immediately. A single worker runs the
// queued jobs (user inputs, transcriptions, workspace switches) in arrival
// order, so a session never has two assistant responses in flight. A TTS
// consumer per response streams synthesized audio. All outbound writes
// serialize on one mutex.
package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/worktalk/worktalk/internal/agent"
	"github.com/worktalk/worktalk/internal/config"
	"github.com/worktalk/worktalk/internal/observe"
	"github.com/worktalk/worktalk/internal/protocol"
	"github.com/worktalk/worktalk/internal/session"
	"github.com/worktalk/worktalk/internal/tools"
	"github.com/worktalk/worktalk/pkg/provider/stt"
	"github.com/worktalk/worktalk/pkg/provider/tts"
	"github.com/worktalk/worktalk/pkg/provider/vad"
)

const (
	// maxFrameBytes is the inbound frame size limit. Image messages carry
	// base64 payloads far beyond the library default.
	maxFrameBytes = 16 << 20

	// jobQueueSize bounds the per-session backlog of queued inputs.
	jobQueueSize = 16

	// ttsQueueSize bounds the speak segments queued ahead of synthesis.
	ttsQueueSize = 64

	// defaultMaxTurns bounds the conversation when Options leaves it unset.
	defaultMaxTurns = 50
)

// Responder streams one assistant response for a session. [agent.Client] is
// the production implementation.
type Responder interface {
	StreamResponse(ctx context.Context, sess *session.Session, exec *tools.Executor, emit func(agent.Event) error) error
}

// Options configures a [Handler]. Registry and Responder are required; the
// providers are optional and their features degrade when absent.
type Options struct {
	Registry  *session.Registry
	Responder Responder

	// STT transcribes recorded audio. Nil disables voice input.
	STT stt.Provider

	// TTS synthesizes speak-tagged reply text. Nil disables voice output.
	TTS tts.Provider

	// VAD detects speech spans in microphone audio, for logging and
	// metrics only. Nil disables detection.
	VAD vad.Engine

	// Workspaces are advertised on connect, in order.
	Workspaces []config.Workspace

	// DefaultExecutor serves sessions that have not selected a workspace.
	// Nil leaves such sessions without tools.
	DefaultExecutor *tools.Executor

	Safety    config.Safety
	Audio     config.Audio
	VADConfig config.VAD

	// MaxTurns bounds each session's conversation history. 0 means
	// defaultMaxTurns.
	MaxTurns int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Handler accepts WebSocket connections on /ws and runs one session per
// connection.
type Handler struct {
	registry    *session.Registry
	responder   Responder
	stt         stt.Provider
	tts         tts.Provider
	vad         vad.Engine
	workspaces  map[string]config.Workspace
	advertised  []protocol.WorkspaceInfo
	defaultExec *tools.Executor
	safety      config.Safety
	audio       config.Audio
	vadCfg      config.VAD
	maxTurns    int
	metrics     *observe.Metrics
}

// NewHandler validates opts and builds the connection handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Registry == nil {
		return nil, errors.New("ws: Registry is required")
	}
	if opts.Responder == nil {
		return nil, errors.New("ws: Responder is required")
	}

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	h := &Handler{
		registry:    opts.Registry,
		responder:   opts.Responder,
		stt:         opts.STT,
		tts:         opts.TTS,
		vad:         opts.VAD,
		workspaces:  make(map[string]config.Workspace, len(opts.Workspaces)),
		defaultExec: opts.DefaultExecutor,
		safety:      opts.Safety,
		audio:       opts.Audio,
		vadCfg:      opts.VADConfig,
		maxTurns:    maxTurns,
		metrics:     metrics,
	}
	for _, w := range opts.Workspaces {
		h.workspaces[w.Name] = w
		h.advertised = append(h.advertised, protocol.WorkspaceInfo{Name: w.Name, Path: w.Path})
	}
	return h, nil
}

// Register adds the /ws route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.handleWS)
}

// handleWS upgrades the request and runs the connection to completion.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin policy is terminated upstream with the rest of auth;
		// native clients send no Origin header at all.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer sock.CloseNow()
	sock.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := session.New(h.maxTurns)
	h.registry.Add(sess)
	h.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session connected", "session", sess.ID(), "remote", r.RemoteAddr)

	c := &conn{
		h:    h,
		sock: sock,
		sess: sess,
		ctx:  ctx,
		jobs: make(chan job, jobQueueSize),
	}

	if len(h.advertised) > 0 {
		_ = c.send(protocol.WorkspaceList{Workspaces: h.advertised})
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		c.runWorker()
	}()

	c.receiveLoop()

	// Wind down: stop the in-flight response, then let the worker drain.
	// The receive loop is the only job producer, so closing the queue here
	// is safe.
	sess.CancelResponse()
	cancel()
	close(c.jobs)
	<-workerDone

	if c.vadSess != nil {
		_ = c.vadSess.Close()
	}

	h.registry.Remove(sess.ID())
	h.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session cleaned up", "session", sess.ID())

	sock.Close(websocket.StatusNormalClosure, "")
}

// conn is the state of one live connection, shared by the receive loop, the
// worker, and the TTS consumer.
type conn struct {
	h    *Handler
	sock *websocket.Conn
	sess *session.Session
	ctx  context.Context
	jobs chan job

	writeMu sync.Mutex

	// vadSess is owned by the receive loop.
	vadSess vad.SessionHandle
}

// receiveLoop reads frames until the socket or context closes. Every frame
// defers the idle reaper.
func (c *conn) receiveLoop() {
	sid := c.sess.ID()
	for {
		typ, data, err := c.sock.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, io.EOF) || websocket.CloseStatus(err) != -1 {
				slog.Info("session disconnected", "session", sid)
			} else {
				slog.Warn("session read failed", "session", sid, "error", err)
			}
			return
		}
		c.sess.Touch()

		switch typ {
		case websocket.MessageText:
			c.dispatchText(data)
		case websocket.MessageBinary:
			c.handleBinary(data)
		}
	}
}

// dispatchText parses one JSON frame and either handles it inline (ping,
// interrupt, recording control) or queues it for the worker.
func (c *conn) dispatchText(data []byte) {
	sid := c.sess.ID()

	msg, err := protocol.ParseIncoming(data)
	if err != nil {
		slog.Warn("parse error", "session", sid, "error", err, "raw", clip(string(data), 200))
		c.sendError(err.Error(), protocol.CodeParseError)
		return
	}

	slog.Debug("message received", "session", sid, "type", msg.Type())
	c.h.metrics.RecordMessage(c.ctx, msg.Type())

	switch m := msg.(type) {
	case protocol.Ping:
		_ = c.send(protocol.Pong{})

	case protocol.Interrupt:
		c.sess.CancelResponse()
		c.h.metrics.Interrupts.Add(c.ctx, 1)
		slog.Info("session interrupted", "session", sid)

	case protocol.AudioStart:
		c.sess.StartRecording()
		c.resetVAD()
		slog.Debug("recording started", "session", sid,
			"sample_rate", m.SampleRate, "channels", m.Channels, "encoding", m.Encoding)

	case protocol.AudioEnd:
		// Take the buffer now so frames of a later recording can never
		// leak into this transcription.
		c.sess.StopRecording()
		c.enqueue(audioEndJob{pcm: c.sess.DrainAudio()})

	case protocol.SelectWorkspace:
		// Cut short the response that may still be using the old
		// executor; the switch itself runs on the worker, after it.
		if c.sess.Responding() {
			c.sess.CancelResponse()
		}
		c.enqueue(selectWorkspaceJob{name: m.Name})

	case protocol.TextMessage:
		c.enqueue(userInputJob{text: m.Text})

	case protocol.ImageMessage:
		text := m.Text
		if text == "" {
			text = "What do you see in this image?"
		}
		c.enqueue(userInputJob{
			text:   text,
			images: []session.Block{session.ImageBlock(m.MediaType, m.Data)},
		})
	}
}

// handleBinary buffers one microphone frame. Frames outside a recording
// segment, with an unknown prefix, or shorter than two bytes are dropped.
func (c *conn) handleBinary(data []byte) {
	if len(data) < 2 {
		return
	}
	if data[0] != protocol.PrefixMic || !c.sess.Recording() {
		return
	}
	payload := data[1:]
	c.sess.AppendAudio(payload)
	c.h.metrics.RecordAudioFrame(c.ctx, "in")
	c.processVAD(payload)
}

// enqueue hands a job to the worker, giving up when the connection closes.
func (c *conn) enqueue(j job) {
	select {
	case c.jobs <- j:
	case <-c.ctx.Done():
	}
}

// ── VAD ────────────────────────────────────────────────────────────────────────

// resetVAD prepares speech detection for a new recording segment. Detection
// only logs and counts spans; the transcription path never depends on it.
func (c *conn) resetVAD() {
	if c.h.vad == nil {
		return
	}
	if c.vadSess != nil {
		c.vadSess.Reset()
		return
	}
	vs, err := c.h.vad.NewSession(vad.Config{
		SampleRate:           c.h.audio.SampleRate,
		SpeechThreshold:      c.h.vadCfg.Threshold,
		MinSpeechDurationMs:  c.h.vadCfg.MinSpeechDurationMs,
		MinSilenceDurationMs: c.h.vadCfg.MinSilenceDurationMs,
	})
	if err != nil {
		slog.Warn("vad session failed", "session", c.sess.ID(), "error", err)
		return
	}
	c.vadSess = vs
}

func (c *conn) processVAD(frame []byte) {
	if c.vadSess == nil {
		return
	}
	ev, err := c.vadSess.ProcessFrame(frame)
	if err != nil {
		slog.Debug("vad frame rejected", "session", c.sess.ID(), "error", err)
		return
	}
	switch ev.Type {
	case vad.VADSpeechStart:
		c.h.metrics.SpeechSpans.Add(c.ctx, 1)
		slog.Debug("speech started", "session", c.sess.ID(), "probability", ev.Probability)
	case vad.VADSpeechEnd:
		slog.Debug("speech ended", "session", c.sess.ID())
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────────

// send encodes msg and writes it as one text frame.
func (c *conn) send(msg protocol.Outgoing) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.Write(c.ctx, websocket.MessageText, data)
}

// sendError reports a failure without closing the connection.
func (c *conn) sendError(msg, code string) {
	_ = c.send(protocol.Error{Message: msg, Code: code})
}

// sendAudio writes one synthesized audio chunk as a prefixed binary frame.
func (c *conn) sendAudio(chunk []byte) error {
	frame := make([]byte, 0, len(chunk)+1)
	frame = append(frame, protocol.PrefixTTS)
	frame = append(frame, chunk...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.Write(c.ctx, websocket.MessageBinary, frame); err != nil {
		return err
	}
	c.h.metrics.RecordAudioFrame(c.ctx, "out")
	return nil
}

// clip bounds s for log output.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
