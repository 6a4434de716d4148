package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/worktalk/worktalk/internal/protocol"
)

// runTTS consumes queued speak segments and streams their synthesized audio
// to the client, sentence by sentence for low first-byte latency. tts_start
// precedes the first audio frame and tts_end follows the last. An interrupt
// drains the remaining queue without synthesizing.
func (c *conn) runTTS(ctx context.Context, queue <-chan string) {
	started := false
	for text := range queue {
		if c.sess.Interrupted() || ctx.Err() != nil {
			continue
		}
		if !started {
			if err := c.send(protocol.TTSStart{Format: c.h.tts.Format()}); err != nil {
				for range queue {
				}
				return
			}
			started = true
		}
		for _, sentence := range splitSentences(text) {
			if c.sess.Interrupted() || ctx.Err() != nil {
				break
			}
			c.synthesize(ctx, sentence)
		}
	}
	if started {
		_ = c.send(protocol.TTSEnd{})
	}
}

// synthesize streams one sentence of audio. The provider channel is always
// drained, even when an interrupt or a failed write stops the forwarding.
func (c *conn) synthesize(ctx context.Context, sentence string) {
	start := time.Now()
	chunks, err := c.h.tts.Synthesize(ctx, sentence)
	if err != nil {
		slog.Warn("tts synthesis failed", "session", c.sess.ID(), "error", err)
		return
	}

	sending := true
	for chunk := range chunks {
		if !sending || c.sess.Interrupted() || ctx.Err() != nil {
			continue
		}
		if err := c.sendAudio(chunk); err != nil {
			slog.Debug("tts frame send failed", "session", c.sess.ID(), "error", err)
			sending = false
		}
	}
	c.h.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
}
