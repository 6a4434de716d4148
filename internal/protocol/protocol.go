// Package protocol defines the wire messages exchanged with clients.
//
// Text frames carry JSON objects tagged by a "type" field; [ParseIncoming]
// and [Encode] convert between frames and typed messages. Binary frames
// carry audio with a one-byte prefix: [PrefixMic] for microphone PCM from
// the client, [PrefixTTS] for synthesized audio to the client.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Binary frame prefixes.
const (
	PrefixMic byte = 0x01
	PrefixTTS byte = 0x02
)

// Error codes carried by [Error] messages.
const (
	CodeUnknown          = "unknown"
	CodeParseError       = "parse_error"
	CodeInvalidWorkspace = "invalid_workspace"
	CodeSTTUnavailable   = "stt_unavailable"
	CodeSTTError         = "stt_error"
	CodeClaudeError      = "claude_error"
)

// UnknownTypeError reports a frame whose "type" tag names no known message.
type UnknownTypeError struct {
	// TypeTag is the unrecognized value of the "type" field, possibly empty.
	TypeTag string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("Unknown message type: %s", e.TypeTag)
}

// ── Client → server ────────────────────────────────────────────────────────────

// Incoming is a client-to-server message. Type returns its wire tag.
type Incoming interface {
	Type() string
}

// SelectWorkspace switches the session to the named workspace.
type SelectWorkspace struct {
	Name string `json:"name"`
}

// AudioStart opens a recording segment. Omitted fields default to 16 kHz
// mono little-endian 16-bit PCM.
type AudioStart struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// AudioEnd closes the recording segment and triggers transcription.
type AudioEnd struct{}

// TextMessage carries typed user input.
type TextMessage struct {
	Text string `json:"text"`
}

// ImageMessage carries a base64-encoded image with optional accompanying text.
type ImageMessage struct {
	Data      string `json:"data"`
	MediaType string `json:"media_type"`
	Text      string `json:"text"`
}

// Interrupt aborts the in-flight response and any queued speech.
type Interrupt struct{}

// Ping is a keepalive probe, answered with [Pong].
type Ping struct{}

func (SelectWorkspace) Type() string { return "select_workspace" }
func (AudioStart) Type() string      { return "audio_start" }
func (AudioEnd) Type() string        { return "audio_end" }
func (TextMessage) Type() string     { return "text_message" }
func (ImageMessage) Type() string    { return "image_message" }
func (Interrupt) Type() string       { return "interrupt" }
func (Ping) Type() string            { return "ping" }

// ParseIncoming decodes one JSON text frame into its typed message,
// applying the protocol's field defaults. An unrecognized or missing
// "type" tag yields an [*UnknownTypeError].
func ParseIncoming(data []byte) (Incoming, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	switch envelope.Type {
	case "select_workspace":
		var m SelectWorkspace
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.Name == "" {
			return nil, missingField(envelope.Type, "name")
		}
		return m, nil
	case "audio_start":
		m := AudioStart{SampleRate: 16000, Channels: 1, Encoding: "pcm_s16le"}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "audio_end":
		return AudioEnd{}, nil
	case "text_message":
		var m TextMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.Text == "" {
			return nil, missingField(envelope.Type, "text")
		}
		return m, nil
	case "image_message":
		m := ImageMessage{MediaType: "image/jpeg"}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.Data == "" {
			return nil, missingField(envelope.Type, "data")
		}
		return m, nil
	case "interrupt":
		return Interrupt{}, nil
	case "ping":
		return Ping{}, nil
	default:
		return nil, &UnknownTypeError{TypeTag: envelope.Type}
	}
}

func missingField(msgType, field string) error {
	return fmt.Errorf("%s: missing required field %q", msgType, field)
}

// ── Server → client ────────────────────────────────────────────────────────────

// Outgoing is a server-to-client message. [Encode] embeds its wire tag.
type Outgoing interface {
	messageType() string
}

// WorkspaceInfo names one selectable workspace.
type WorkspaceInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// WorkspaceList advertises the selectable workspaces, sent once on connect.
type WorkspaceList struct {
	Workspaces []WorkspaceInfo `json:"workspaces"`
}

// WorkspaceSelected confirms a workspace switch.
type WorkspaceSelected struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Transcription reports recognized speech from the last recording segment.
type Transcription struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// ResponseDelta is a chunk of assistant text with speak tags stripped.
type ResponseDelta struct {
	Text string `json:"text"`
}

// ResponseEnd marks the end of an assistant response.
type ResponseEnd struct{}

// ToolUse announces a tool invocation before it runs. Input is the tool's
// JSON input object.
type ToolUse struct {
	ToolName string          `json:"tool_name"`
	ToolID   string          `json:"tool_id"`
	Input    json.RawMessage `json:"input"`
}

// ToolResult reports a completed tool invocation. Output is truncated for
// the wire; the model receives the full text.
type ToolResult struct {
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Output   string `json:"output"`
}

// TTSStart announces that binary audio frames follow.
type TTSStart struct {
	Format string `json:"format"`
}

// TTSEnd marks the end of synthesized audio for the current response.
type TTSEnd struct{}

// Error reports a failure to the client.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Pong answers a [Ping].
type Pong struct{}

func (WorkspaceList) messageType() string     { return "workspace_list" }
func (WorkspaceSelected) messageType() string { return "workspace_selected" }
func (Transcription) messageType() string     { return "transcription" }
func (ResponseDelta) messageType() string     { return "response_delta" }
func (ResponseEnd) messageType() string       { return "response_end" }
func (ToolUse) messageType() string           { return "tool_use" }
func (ToolResult) messageType() string        { return "tool_result" }
func (TTSStart) messageType() string          { return "tts_start" }
func (TTSEnd) messageType() string            { return "tts_end" }
func (Error) messageType() string             { return "error" }
func (Pong) messageType() string              { return "pong" }

// Encode marshals msg as a JSON object with its "type" tag first.
func Encode(msg Outgoing) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.messageType(), err)
	}
	out := make([]byte, 0, len(body)+len(msg.messageType())+11)
	out = append(out, `{"type":"`...)
	out = append(out, msg.messageType()...)
	out = append(out, '"')
	if len(body) > 2 { // more than the bare "{}"
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}
