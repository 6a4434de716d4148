// Package agent implements the Claude conversation loop. A [Client] streams
// one assistant response at a time for a session: model text is surfaced as
// events while it arrives, tool calls requested by the model are executed
// against the session's workspace sandbox, and their results are fed back
// into the next round until the model stops asking for tools.
//
// Responses are delivered as a flat stream of [Event] values so the
// transport layer never touches the Anthropic wire format. A response ends
// with exactly one response_complete event unless it was interrupted or
// failed.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/worktalk/worktalk/internal/session"
	"github.com/worktalk/worktalk/internal/tools"
)

// maxToolRounds bounds how many model/tool cycles a single response may take.
const maxToolRounds = 15

// maxRoundsNotice is streamed to the client when a response exhausts its
// tool round budget.
const maxRoundsNotice = "\n\n(Reached maximum tool-use iterations)"

// EventType identifies one kind of streamed response event.
type EventType string

const (
	EventTextDelta        EventType = "text_delta"
	EventTextDone         EventType = "text_done"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventResponseComplete EventType = "response_complete"
)

// Event is a single unit of assistant output produced during a response.
// Only the fields of its Type are set.
type Event struct {
	Type EventType

	// text_delta
	Text string

	// tool_use and tool_result
	ToolName string
	ToolID   string

	// tool_use
	Input json.RawMessage

	// tool_result. Output is the full untruncated result; callers decide
	// how much of it goes over the wire.
	Success bool
	Output  string
}

// Client drives conversations against the Anthropic Messages API.
type Client struct {
	api       anthropic.Client
	model     string
	maxTokens int64
	apiOpts   []option.RequestOption
	tools     []anthropic.ToolUnionParam
}

// Option configures a [Client].
type Option func(*Client)

// WithBaseURL points the client at an alternate API endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.apiOpts = append(c.apiOpts, option.WithBaseURL(url))
	}
}

// New creates a Client for the given model and token limit.
func New(apiKey, model string, maxTokens int64, opts ...Option) *Client {
	c := &Client{
		model:     model,
		maxTokens: maxTokens,
		apiOpts:   []option.RequestOption{option.WithAPIKey(apiKey)},
		tools:     toolParams(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = anthropic.NewClient(c.apiOpts...)
	return c
}

// errInterrupted aborts a response from inside a streaming round. It never
// escapes StreamResponse.
var errInterrupted = errors.New("agent: response interrupted")

// StreamResponse runs one full assistant response for sess. Model output and
// tool activity are delivered through emit in order; tool calls are executed
// with exec and their results fed back to the model. Completed turns are
// appended to the session as they finish.
//
// An interrupted session or a cancelled ctx aborts the response silently
// with a nil error, leaving any partially streamed turn out of the history.
// A non-nil error from emit aborts the response and is returned unchanged.
func (c *Client) StreamResponse(ctx context.Context, sess *session.Session, exec *tools.Executor, emit func(Event) error) error {
	msgs := historyToParams(sess.History())
	system := []anthropic.TextBlockParam{{Text: SystemPrompt(sess.WorkspaceName())}}

	for round := 0; round < maxToolRounds; round++ {
		if sess.Interrupted() {
			return nil
		}

		slog.Debug("requesting completion",
			"session", sess.ID(), "round", round, "messages", len(msgs))

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: c.maxTokens,
			System:    system,
			Messages:  msgs,
			Tools:     c.tools,
		}

		out, err := c.streamRound(ctx, sess, params, emit)
		if err != nil {
			if errors.Is(err, errInterrupted) {
				return nil
			}
			return err
		}

		if out.sawText {
			if err := emit(Event{Type: EventTextDone}); err != nil {
				return err
			}
		}

		if len(out.calls) == 0 {
			if len(out.blocks) > 0 {
				sess.AddAssistantTurn(out.blocks)
			}
			return emit(Event{Type: EventResponseComplete})
		}

		sess.AddAssistantTurn(out.blocks)
		msgs = append(msgs, anthropic.NewAssistantMessage(blocksToParams(out.blocks)...))

		if exec == nil {
			return fmt.Errorf("agent: model requested tool %q but the session has no executor", out.calls[0].Name)
		}

		results := make([]session.Block, 0, len(out.calls))
		for _, call := range out.calls {
			if err := emit(Event{Type: EventToolUse, ToolName: call.Name, ToolID: call.ID, Input: call.Input}); err != nil {
				return err
			}
			res := exec.Execute(ctx, call.Name, call.Input)
			if err := emit(Event{Type: EventToolResult, ToolName: call.Name, ToolID: call.ID, Success: res.Success, Output: res.Output}); err != nil {
				return err
			}
			results = append(results, session.ToolResultBlock(call.ID, res.Output, !res.Success))
		}

		sess.AddToolResultTurn(results)
		msgs = append(msgs, anthropic.NewUserMessage(blocksToParams(results)...))
	}

	slog.Warn("response hit tool round limit", "session", sess.ID())
	if err := emit(Event{Type: EventTextDelta, Text: maxRoundsNotice}); err != nil {
		return err
	}
	if err := emit(Event{Type: EventTextDone}); err != nil {
		return err
	}
	return emit(Event{Type: EventResponseComplete})
}

// roundOutput is what one streamed completion produced.
type roundOutput struct {
	blocks  []session.Block
	calls   []toolCall
	sawText bool
}

// streamRound runs a single streaming completion, emitting text deltas as
// they arrive and collecting the final assistant content.
func (c *Client) streamRound(ctx context.Context, sess *session.Session, params anthropic.MessageNewParams, emit func(Event) error) (roundOutput, error) {
	var out roundOutput
	collector := newBlockCollector()

	stream := c.api.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		if sess.Interrupted() {
			return out, errInterrupted
		}
		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			switch block := variant.ContentBlock.AsAny().(type) {
			case anthropic.TextBlock:
				collector.StartText(variant.Index)
			case anthropic.ToolUseBlock:
				collector.StartTool(variant.Index, block.ID, block.Name, toolInputToRaw(block.Input))
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				out.sawText = true
				collector.AppendText(variant.Index, delta.Text)
				if err := emit(Event{Type: EventTextDelta, Text: delta.Text}); err != nil {
					return out, err
				}
			case anthropic.InputJSONDelta:
				collector.AppendJSON(variant.Index, delta.PartialJSON)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return out, errInterrupted
		}
		return out, fmt.Errorf("agent: claude stream: %w", err)
	}

	out.blocks, out.calls = collector.Finish()
	return out, nil
}

// toolCall is one tool invocation requested by the model.
type toolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// blockCollector reassembles the content blocks of a streamed assistant
// message from start and delta events, keyed by block index.
type blockCollector struct {
	order  []int64
	blocks map[int64]*blockAccum
}

type blockAccum struct {
	tool     bool
	id       string
	name     string
	fallback json.RawMessage
	text     strings.Builder
	partial  strings.Builder
}

func newBlockCollector() *blockCollector {
	return &blockCollector{blocks: make(map[int64]*blockAccum)}
}

func (c *blockCollector) at(index int64) *blockAccum {
	if b, ok := c.blocks[index]; ok {
		return b
	}
	b := &blockAccum{}
	c.blocks[index] = b
	c.order = append(c.order, index)
	return b
}

func (c *blockCollector) StartText(index int64) {
	c.at(index).tool = false
}

func (c *blockCollector) StartTool(index int64, id, name string, input json.RawMessage) {
	b := c.at(index)
	b.tool = true
	b.id = id
	b.name = name
	if len(input) > 0 {
		b.fallback = input
	}
}

func (c *blockCollector) AppendText(index int64, text string) {
	c.at(index).text.WriteString(text)
}

func (c *blockCollector) AppendJSON(index int64, partial string) {
	if partial == "" {
		return
	}
	c.at(index).partial.WriteString(partial)
}

// Finish returns the assembled assistant content in stream order plus the
// tool calls it contains. Text blocks that accumulated no text are dropped.
// Tool inputs prefer the streamed partial JSON over the input carried by the
// start event, falling back to an empty object.
func (c *blockCollector) Finish() ([]session.Block, []toolCall) {
	var blocks []session.Block
	var calls []toolCall
	for _, index := range c.order {
		b := c.blocks[index]
		if !b.tool {
			if b.text.Len() > 0 {
				blocks = append(blocks, session.TextBlock(b.text.String()))
			}
			continue
		}
		input := json.RawMessage("{}")
		if b.partial.Len() > 0 {
			input = json.RawMessage(b.partial.String())
		} else if len(b.fallback) > 0 {
			input = b.fallback
		}
		blocks = append(blocks, session.ToolUseBlock(b.id, b.name, input))
		calls = append(calls, toolCall{ID: b.id, Name: b.name, Input: input})
	}
	return blocks, calls
}
