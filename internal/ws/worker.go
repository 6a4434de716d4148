package ws

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/worktalk/worktalk/internal/agent"
	"github.com/worktalk/worktalk/internal/observe"
	"github.com/worktalk/worktalk/internal/protocol"
	"github.com/worktalk/worktalk/internal/safety"
	"github.com/worktalk/worktalk/internal/session"
	"github.com/worktalk/worktalk/internal/tools"
)

// wireToolOutputLimit bounds tool_result output on the wire. The model still
// receives the full executor output.
const wireToolOutputLimit = 2000

// A job is one unit of session work the worker runs in arrival order.
type job interface{ isJob() }

// userInputJob carries one user turn: optional image blocks plus text.
type userInputJob struct {
	text   string
	images []session.Block
}

// audioEndJob carries the recording drained when the segment closed.
type audioEndJob struct {
	pcm []byte
}

// selectWorkspaceJob switches the session to a named workspace.
type selectWorkspaceJob struct {
	name string
}

func (userInputJob) isJob()       {}
func (audioEndJob) isJob()        {}
func (selectWorkspaceJob) isJob() {}

// runWorker drains the job queue until it closes. Jobs arriving after the
// connection context ends are discarded unhandled.
func (c *conn) runWorker() {
	for j := range c.jobs {
		if c.ctx.Err() != nil {
			continue
		}
		switch j := j.(type) {
		case userInputJob:
			c.handleUserInput(j.text, j.images)
		case audioEndJob:
			c.handleAudioEnd(j.pcm)
		case selectWorkspaceJob:
			c.handleSelectWorkspace(j.name)
		}
	}
}

// handleSelectWorkspace binds the session to a workspace: fresh sandbox,
// fresh executor, empty conversation.
func (c *conn) handleSelectWorkspace(name string) {
	sid := c.sess.ID()

	w, ok := c.h.workspaces[name]
	if !ok {
		c.sendError("Unknown workspace: "+name, protocol.CodeInvalidWorkspace)
		return
	}

	sandbox, err := safety.NewSandbox(w.Path)
	if err != nil {
		slog.Warn("workspace sandbox failed", "session", sid, "workspace", name, "error", err)
		c.sendError("Workspace unavailable: "+name, protocol.CodeInvalidWorkspace)
		return
	}
	exec := tools.NewExecutor(sandbox, c.h.safety.BlockedCommands,
		time.Duration(c.h.safety.CommandTimeout)*time.Second)

	c.sess.SetWorkspace(name, exec)
	c.sess.ClearHistory()

	slog.Info("workspace selected", "session", sid, "workspace", name, "path", w.Path)
	_ = c.send(protocol.WorkspaceSelected{Name: name, Path: w.Path})
}

// handleAudioEnd transcribes one drained recording and, when it carries
// words, treats the transcript as user input.
func (c *conn) handleAudioEnd(pcm []byte) {
	sid := c.sess.ID()

	if c.h.stt == nil {
		c.sendError("STT not available", protocol.CodeSTTUnavailable)
		return
	}
	if len(pcm) == 0 {
		return
	}

	start := time.Now()
	text, err := c.h.stt.Transcribe(c.ctx, pcm, c.h.audio.SampleRate)
	if err != nil {
		slog.Error("transcription failed", "session", sid, "error", err)
		c.sendError("Transcription failed", protocol.CodeSTTError)
		return
	}
	c.h.metrics.STTDuration.Record(c.ctx, time.Since(start).Seconds())

	if strings.TrimSpace(text) == "" {
		return
	}

	slog.Debug("transcribed", "session", sid, "chars", len(text))
	_ = c.send(protocol.Transcription{Text: text, IsFinal: true})
	c.handleUserInput(text, nil)
}

// handleUserInput appends one user turn and runs the assistant response for
// it. Interrupted responses end silently; other failures surface as a
// claude_error and the session keeps going.
func (c *conn) handleUserInput(text string, images []session.Block) {
	sid := c.sess.ID()

	blocks := make([]session.Block, 0, len(images)+1)
	blocks = append(blocks, images...)
	blocks = append(blocks, session.TextBlock(text))
	c.sess.AddUserTurn(blocks)

	c.sess.ClearInterrupt()
	rctx, finish := c.sess.BeginResponse(c.ctx)
	err := c.respond(rctx)
	finish()

	switch {
	case err != nil && c.ctx.Err() == nil:
		slog.Error("response failed", "session", sid, "error", err)
		c.sendError(err.Error(), protocol.CodeClaudeError)
	case err == nil && c.sess.Interrupted():
		slog.Info("response cancelled", "session", sid)
	}
}

// respond drives one assistant response: stream events are forwarded to the
// client, speak segments are queued for synthesis, and the TTS consumer is
// drained before returning. response_end is always sent, even on failure or
// interrupt, and always before the consumer's tts_end.
func (c *conn) respond(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "respond")
	defer span.End()

	exec := c.sess.Executor()
	if exec == nil {
		exec = c.h.defaultExec
	}

	var (
		extractor *speakExtractor
		queue     chan string
		ttsDone   chan struct{}
	)
	if c.h.tts != nil {
		extractor = newSpeakExtractor()
		queue = make(chan string, ttsQueueSize)
		ttsDone = make(chan struct{})
		go func() {
			defer close(ttsDone)
			c.runTTS(ctx, queue)
		}()
	}

	var toolStart time.Time
	start := time.Now()

	err := c.h.responder.StreamResponse(ctx, c.sess, exec, func(ev agent.Event) error {
		// Let the stream settle its own bookkeeping after an interrupt,
		// but forward nothing more.
		if c.sess.Interrupted() {
			return nil
		}

		switch ev.Type {
		case agent.EventTextDelta:
			if display := stripSpeakTags(ev.Text); display != "" {
				if err := c.send(protocol.ResponseDelta{Text: display}); err != nil {
					return err
				}
			}
			if extractor != nil {
				for _, seg := range extractor.Feed(ev.Text) {
					select {
					case queue <- seg:
					case <-ctx.Done():
					}
				}
			}

		case agent.EventToolUse:
			toolStart = time.Now()
			return c.send(protocol.ToolUse{ToolName: ev.ToolName, ToolID: ev.ToolID, Input: ev.Input})

		case agent.EventToolResult:
			status := "ok"
			if !ev.Success {
				status = "error"
			}
			c.h.metrics.RecordToolCall(c.ctx, ev.ToolName, status, time.Since(toolStart).Seconds())
			return c.send(protocol.ToolResult{
				ToolID:   ev.ToolID,
				ToolName: ev.ToolName,
				Success:  ev.Success,
				Output:   truncateRunes(ev.Output, wireToolOutputLimit),
			})
		}
		return nil
	})

	c.h.metrics.LLMDuration.Record(c.ctx, time.Since(start).Seconds())

	if sendErr := c.send(protocol.ResponseEnd{}); sendErr != nil && err == nil {
		err = sendErr
	}

	if queue != nil {
		close(queue)
		<-ttsDone
	}
	return err
}

// truncateRunes bounds s to n runes with no marker.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
