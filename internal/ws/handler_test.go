package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/worktalk/worktalk/internal/agent"
	"github.com/worktalk/worktalk/internal/config"
	"github.com/worktalk/worktalk/internal/protocol"
	"github.com/worktalk/worktalk/internal/session"
	"github.com/worktalk/worktalk/internal/tools"
	"github.com/worktalk/worktalk/internal/ws"
	sttmock "github.com/worktalk/worktalk/pkg/provider/stt/mock"
	ttsmock "github.com/worktalk/worktalk/pkg/provider/tts/mock"
	"github.com/worktalk/worktalk/pkg/provider/vad"
	vadmock "github.com/worktalk/worktalk/pkg/provider/vad/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// frame is a decoded server frame carrying the union of all message fields.
type frame struct {
	Type       string                   `json:"type"`
	Text       string                   `json:"text"`
	IsFinal    bool                     `json:"is_final"`
	Name       string                   `json:"name"`
	Path       string                   `json:"path"`
	Message    string                   `json:"message"`
	Code       string                   `json:"code"`
	Format     string                   `json:"format"`
	ToolName   string                   `json:"tool_name"`
	ToolID     string                   `json:"tool_id"`
	Input      json.RawMessage          `json:"input"`
	Success    bool                     `json:"success"`
	Output     string                   `json:"output"`
	Workspaces []protocol.WorkspaceInfo `json:"workspaces"`
}

// fakeResponder scripts StreamResponse. Each call snapshots the session
// history and executor before running fn with the emit callback.
type fakeResponder struct {
	fn func(ctx context.Context, emit func(agent.Event) error) error

	mu        sync.Mutex
	calls     int
	histories [][]session.Turn
	execs     []*tools.Executor
}

func (f *fakeResponder) StreamResponse(ctx context.Context, sess *session.Session, exec *tools.Executor, emit func(agent.Event) error) error {
	f.mu.Lock()
	f.calls++
	f.histories = append(f.histories, slices.Clone(sess.History()))
	f.execs = append(f.execs, exec)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, emit)
}

func (f *fakeResponder) snapshot() (int, [][]session.Turn, []*tools.Executor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, slices.Clone(f.histories), slices.Clone(f.execs)
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dial starts a gateway built from opts and returns a connected client.
// Registry and Responder default to fresh instances when unset.
func dial(t *testing.T, opts ws.Options) *websocket.Conn {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry()
	}
	if opts.Responder == nil {
		opts.Responder = &fakeResponder{}
	}
	h, err := ws.NewHandler(opts)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// sendText writes one raw text frame.
func sendText(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("sendText: %v", err)
	}
}

// sendBinary writes one raw binary frame.
func sendBinary(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("sendBinary: %v", err)
	}
}

// micFrame prefixes payload as a microphone audio frame.
func micFrame(payload string) []byte {
	return append([]byte{protocol.PrefixMic}, payload...)
}

// readFrame reads one text frame and decodes it. Binary frames are an error;
// tests that expect audio use readFrames.
func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("readFrame: got binary frame %q, want text", data)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("readFrame unmarshal %q: %v", data, err)
	}
	return f
}

// rawFrame is one received frame of either kind.
type rawFrame struct {
	typ  websocket.MessageType
	data []byte
}

// readFrames reads frames of both kinds until a text frame tagged until
// arrives, returning everything read including it.
func readFrames(t *testing.T, conn *websocket.Conn, until string) []rawFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var out []rawFrame
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		typ, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("readFrames: %v (after %d frames, waiting for %s)", err, len(out), until)
		}
		out = append(out, rawFrame{typ: typ, data: data})
		if typ == websocket.MessageText {
			var f frame
			if json.Unmarshal(data, &f) == nil && f.Type == until {
				return out
			}
		}
	}
}

// decode unmarshals one raw text frame.
func decode(t *testing.T, fr rawFrame) frame {
	t.Helper()
	var f frame
	if err := json.Unmarshal(fr.data, &f); err != nil {
		t.Fatalf("decode %q: %v", fr.data, err)
	}
	return f
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNewHandler_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := ws.NewHandler(ws.Options{Responder: &fakeResponder{}}); err == nil {
		t.Error("NewHandler without registry: expected error")
	}
	if _, err := ws.NewHandler(ws.Options{Registry: session.NewRegistry()}); err == nil {
		t.Error("NewHandler without responder: expected error")
	}
}

// ── Connection lifecycle ──────────────────────────────────────────────────────

func TestPing_AnsweredWithPong(t *testing.T) {
	t.Parallel()
	conn := dial(t, ws.Options{})
	sendText(t, conn, `{"type":"ping"}`)
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Errorf("frame = %+v, want pong", f)
	}
}

func TestConnect_AdvertisesWorkspaces(t *testing.T) {
	t.Parallel()
	conn := dial(t, ws.Options{
		Workspaces: []config.Workspace{
			{Name: "api", Path: "/srv/api"},
			{Name: "web", Path: "/srv/web"},
		},
	})

	f := readFrame(t, conn)
	if f.Type != "workspace_list" {
		t.Fatalf("first frame = %+v, want workspace_list", f)
	}
	want := []protocol.WorkspaceInfo{
		{Name: "api", Path: "/srv/api"},
		{Name: "web", Path: "/srv/web"},
	}
	if !slices.Equal(f.Workspaces, want) {
		t.Errorf("workspaces = %+v, want %+v", f.Workspaces, want)
	}
}

func TestConnect_NoWorkspacesNoList(t *testing.T) {
	t.Parallel()
	conn := dial(t, ws.Options{})
	sendText(t, conn, `{"type":"ping"}`)
	// Pong arriving first proves no workspace_list preceded it.
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Errorf("first frame = %+v, want pong", f)
	}
}

func TestConnection_RegistersAndRemovesSession(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry()
	conn := dial(t, ws.Options{Registry: reg})

	sendText(t, conn, `{"type":"ping"}`)
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Fatalf("frame = %+v, want pong", f)
	}
	if n := reg.Len(); n != 1 {
		t.Fatalf("registry len = %d, want 1", n)
	}

	conn.Close(websocket.StatusNormalClosure, "done")
	for range 50 {
		if reg.Len() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("registry len = %d after close, want 0", reg.Len())
}

// ── Parsing ───────────────────────────────────────────────────────────────────

func TestMalformedFrames_ReportParseError(t *testing.T) {
	t.Parallel()
	conn := dial(t, ws.Options{})

	sendText(t, conn, `{not json`)
	f := readFrame(t, conn)
	if f.Type != "error" || f.Code != protocol.CodeParseError {
		t.Errorf("frame = %+v, want parse_error", f)
	}

	sendText(t, conn, `{"type":"bogus"}`)
	f = readFrame(t, conn)
	if f.Type != "error" || f.Code != protocol.CodeParseError {
		t.Fatalf("frame = %+v, want parse_error", f)
	}
	if want := "Unknown message type: bogus"; f.Message != want {
		t.Errorf("message = %q, want %q", f.Message, want)
	}
}

// ── Text input ────────────────────────────────────────────────────────────────

func TestTextMessage_StreamsResponse(t *testing.T) {
	t.Parallel()
	resp := &fakeResponder{fn: func(_ context.Context, emit func(agent.Event) error) error {
		if err := emit(agent.Event{Type: agent.EventTextDelta, Text: "<speak>Hi.</speak>"}); err != nil {
			return err
		}
		return emit(agent.Event{Type: agent.EventTextDelta, Text: " The file is empty."})
	}}
	conn := dial(t, ws.Options{Responder: resp})

	sendText(t, conn, `{"type":"text_message","text":"check the file"}`)

	f := readFrame(t, conn)
	if f.Type != "response_delta" || f.Text != "Hi." {
		t.Fatalf("frame = %+v, want response_delta with tags stripped", f)
	}
	f = readFrame(t, conn)
	if f.Type != "response_delta" || f.Text != " The file is empty." {
		t.Fatalf("frame = %+v, want second response_delta", f)
	}
	if f = readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end", f)
	}

	calls, histories, _ := resp.snapshot()
	if calls != 1 {
		t.Fatalf("responder calls = %d, want 1", calls)
	}
	hist := histories[0]
	if len(hist) != 1 || hist[0].Role != session.RoleUser {
		t.Fatalf("history = %+v, want one user turn", hist)
	}
	if got := hist[0].Blocks[0].Text; got != "check the file" {
		t.Errorf("user text = %q, want %q", got, "check the file")
	}
}

func TestResponseDelta_TagOnlyDeltasSuppressed(t *testing.T) {
	t.Parallel()
	resp := &fakeResponder{fn: func(_ context.Context, emit func(agent.Event) error) error {
		for _, d := range []string{"<speak>", "Hi.", "</speak>"} {
			if err := emit(agent.Event{Type: agent.EventTextDelta, Text: d}); err != nil {
				return err
			}
		}
		return nil
	}}
	conn := dial(t, ws.Options{Responder: resp})

	sendText(t, conn, `{"type":"text_message","text":"hi"}`)

	f := readFrame(t, conn)
	if f.Type != "response_delta" || f.Text != "Hi." {
		t.Fatalf("frame = %+v, want the one non-empty response_delta", f)
	}
	if f = readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end", f)
	}
}

func TestResponderError_ReportedAfterResponseEnd(t *testing.T) {
	t.Parallel()
	resp := &fakeResponder{fn: func(context.Context, func(agent.Event) error) error {
		return errors.New("api exploded")
	}}
	conn := dial(t, ws.Options{Responder: resp})

	sendText(t, conn, `{"type":"text_message","text":"hi"}`)

	if f := readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end even on failure", f)
	}
	f := readFrame(t, conn)
	if f.Type != "error" || f.Code != protocol.CodeClaudeError {
		t.Fatalf("frame = %+v, want claude_error", f)
	}
	if f.Message != "api exploded" {
		t.Errorf("message = %q, want the responder's error text", f.Message)
	}
}

func TestImageMessage_DefaultPrompt(t *testing.T) {
	t.Parallel()
	resp := &fakeResponder{}
	conn := dial(t, ws.Options{Responder: resp})

	sendText(t, conn, `{"type":"image_message","data":"aGVsbG8="}`)
	if f := readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end", f)
	}

	_, histories, _ := resp.snapshot()
	if len(histories) != 1 {
		t.Fatalf("responder calls = %d, want 1", len(histories))
	}
	blocks := histories[0][0].Blocks
	if len(blocks) != 2 {
		t.Fatalf("user turn has %d blocks, want image + text", len(blocks))
	}
	if blocks[0].Type != session.BlockImage || blocks[0].MediaType != "image/jpeg" || blocks[0].Data != "aGVsbG8=" {
		t.Errorf("image block = %+v, want jpeg default", blocks[0])
	}
	if want := "What do you see in this image?"; blocks[1].Text != want {
		t.Errorf("prompt = %q, want %q", blocks[1].Text, want)
	}
}

// ── Tool events ───────────────────────────────────────────────────────────────

func TestToolEvents_ForwardedWithTruncatedOutput(t *testing.T) {
	t.Parallel()
	resp := &fakeResponder{fn: func(_ context.Context, emit func(agent.Event) error) error {
		err := emit(agent.Event{
			Type: agent.EventToolUse, ToolName: "bash", ToolID: "tu_1",
			Input: json.RawMessage(`{"command":"ls"}`),
		})
		if err != nil {
			return err
		}
		return emit(agent.Event{
			Type: agent.EventToolResult, ToolName: "bash", ToolID: "tu_1",
			Success: true, Output: strings.Repeat("x", 2500),
		})
	}}
	conn := dial(t, ws.Options{Responder: resp})

	sendText(t, conn, `{"type":"text_message","text":"list files"}`)

	f := readFrame(t, conn)
	if f.Type != "tool_use" || f.ToolName != "bash" || f.ToolID != "tu_1" {
		t.Fatalf("frame = %+v, want tool_use bash/tu_1", f)
	}
	if got := string(f.Input); got != `{"command":"ls"}` {
		t.Errorf("input = %s, want original object", got)
	}

	f = readFrame(t, conn)
	if f.Type != "tool_result" || !f.Success {
		t.Fatalf("frame = %+v, want successful tool_result", f)
	}
	if len(f.Output) != 2000 {
		t.Errorf("output length = %d, want truncated to 2000", len(f.Output))
	}

	if f = readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end", f)
	}
}

// ── Interrupt ─────────────────────────────────────────────────────────────────

func TestInterrupt_EndsResponse(t *testing.T) {
	t.Parallel()
	resp := &fakeResponder{fn: func(ctx context.Context, emit func(agent.Event) error) error {
		if err := emit(agent.Event{Type: agent.EventTextDelta, Text: "working on it"}); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}}
	conn := dial(t, ws.Options{Responder: resp})

	sendText(t, conn, `{"type":"text_message","text":"go"}`)
	if f := readFrame(t, conn); f.Type != "response_delta" {
		t.Fatalf("frame = %+v, want response_delta", f)
	}

	sendText(t, conn, `{"type":"interrupt"}`)
	if f := readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end after interrupt", f)
	}

	// The session stays usable.
	sendText(t, conn, `{"type":"ping"}`)
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Errorf("frame = %+v, want pong", f)
	}
}

func TestInterrupt_StopsSpeech(t *testing.T) {
	t.Parallel()
	tp := &ttsmock.Provider{Chunks: [][]byte{[]byte("aud")}}
	resp := &fakeResponder{fn: func(ctx context.Context, emit func(agent.Event) error) error {
		if err := emit(agent.Event{Type: agent.EventTextDelta, Text: "<speak>First.</speak>"}); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}}
	conn := dial(t, ws.Options{Responder: resp, TTS: tp})

	sendText(t, conn, `{"type":"text_message","text":"go"}`)
	readFrames(t, conn, "tts_start")

	sendText(t, conn, `{"type":"interrupt"}`)

	sawResponseEnd := false
	for _, fr := range readFrames(t, conn, "tts_end") {
		if fr.typ != websocket.MessageText {
			continue
		}
		switch decode(t, fr).Type {
		case "response_end":
			sawResponseEnd = true
		case "tts_end":
			if !sawResponseEnd {
				t.Fatal("tts_end arrived before response_end")
			}
		}
	}
	if !sawResponseEnd {
		t.Fatal("no response_end after interrupt")
	}
}

// ── Speech output ─────────────────────────────────────────────────────────────

func TestResponse_SynthesizesSpeakSegments(t *testing.T) {
	t.Parallel()
	tp := &ttsmock.Provider{Chunks: [][]byte{[]byte("aud1"), []byte("aud2")}}
	resp := &fakeResponder{fn: func(_ context.Context, emit func(agent.Event) error) error {
		return emit(agent.Event{Type: agent.EventTextDelta, Text: "<speak>Hello there. Bye now.</speak>"})
	}}
	conn := dial(t, ws.Options{Responder: resp, TTS: tp})

	sendText(t, conn, `{"type":"text_message","text":"hi"}`)
	raw := readFrames(t, conn, "tts_end")

	var (
		audio                              []byte
		deltas                             strings.Builder
		startIdx, firstAudioIdx, rspEndIdx = -1, -1, -1
	)
	for i, fr := range raw {
		if fr.typ == websocket.MessageBinary {
			if fr.data[0] != protocol.PrefixTTS {
				t.Fatalf("binary frame prefix = %#x, want %#x", fr.data[0], protocol.PrefixTTS)
			}
			if firstAudioIdx < 0 {
				firstAudioIdx = i
			}
			audio = append(audio, fr.data[1:]...)
			continue
		}
		switch f := decode(t, fr); f.Type {
		case "tts_start":
			startIdx = i
			if f.Format != "mp3" {
				t.Errorf("tts_start format = %q, want mp3", f.Format)
			}
		case "response_end":
			rspEndIdx = i
		case "response_delta":
			deltas.WriteString(f.Text)
		}
	}

	if startIdx < 0 || firstAudioIdx < 0 || rspEndIdx < 0 {
		t.Fatalf("missing frames: tts_start=%d audio=%d response_end=%d", startIdx, firstAudioIdx, rspEndIdx)
	}
	if startIdx > firstAudioIdx {
		t.Error("audio arrived before tts_start")
	}
	if got := deltas.String(); got != "Hello there. Bye now." {
		t.Errorf("display text = %q, want stripped speak content", got)
	}
	// Two sentences, each synthesised separately with the mock's two chunks.
	if got, want := string(audio), "aud1aud2aud1aud2"; got != want {
		t.Errorf("audio = %q, want %q", got, want)
	}

	calls := tp.Calls()
	wantCalls := []string{"Hello there.", "Bye now."}
	if len(calls) != len(wantCalls) {
		t.Fatalf("Synthesize calls = %d, want %d", len(calls), len(wantCalls))
	}
	for i, want := range wantCalls {
		if calls[i].Text != want {
			t.Errorf("Synthesize call %d = %q, want %q", i, calls[i].Text, want)
		}
	}
}

// ── Workspace selection ───────────────────────────────────────────────────────

func TestSelectWorkspace_SwitchesSession(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	resp := &fakeResponder{}
	conn := dial(t, ws.Options{
		Responder:  resp,
		Workspaces: []config.Workspace{{Name: "scratch", Path: dir}},
	})

	if f := readFrame(t, conn); f.Type != "workspace_list" {
		t.Fatalf("first frame = %+v, want workspace_list", f)
	}

	sendText(t, conn, `{"type":"text_message","text":"one"}`)
	if f := readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end", f)
	}

	sendText(t, conn, `{"type":"select_workspace","name":"scratch"}`)
	f := readFrame(t, conn)
	if f.Type != "workspace_selected" || f.Name != "scratch" || f.Path != dir {
		t.Fatalf("frame = %+v, want workspace_selected for %s", f, dir)
	}

	sendText(t, conn, `{"type":"text_message","text":"two"}`)
	if f := readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end", f)
	}

	calls, histories, execs := resp.snapshot()
	if calls != 2 {
		t.Fatalf("responder calls = %d, want 2", calls)
	}
	// The switch cleared the conversation, so the second response starts fresh.
	if n := len(histories[1]); n != 1 {
		t.Fatalf("history after switch has %d turns, want 1", n)
	}
	if got := histories[1][0].Blocks[0].Text; got != "two" {
		t.Errorf("turn after switch = %q, want %q", got, "two")
	}
	if execs[0] != nil {
		t.Errorf("executor before switch = %v, want nil", execs[0])
	}
	if execs[1] == nil {
		t.Error("executor after switch is nil, want workspace executor")
	}
}

func TestSelectWorkspace_UnknownName(t *testing.T) {
	t.Parallel()
	conn := dial(t, ws.Options{
		Workspaces: []config.Workspace{{Name: "api", Path: t.TempDir()}},
	})
	if f := readFrame(t, conn); f.Type != "workspace_list" {
		t.Fatalf("first frame = %+v, want workspace_list", f)
	}

	sendText(t, conn, `{"type":"select_workspace","name":"nope"}`)
	f := readFrame(t, conn)
	if f.Type != "error" || f.Code != protocol.CodeInvalidWorkspace {
		t.Fatalf("frame = %+v, want invalid_workspace", f)
	}
	if want := "Unknown workspace: nope"; f.Message != want {
		t.Errorf("message = %q, want %q", f.Message, want)
	}
}

func TestSelectWorkspace_CancelsInFlightResponse(t *testing.T) {
	t.Parallel()
	resp := &fakeResponder{fn: func(ctx context.Context, emit func(agent.Event) error) error {
		if err := emit(agent.Event{Type: agent.EventTextDelta, Text: "thinking"}); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}}
	conn := dial(t, ws.Options{
		Responder:  resp,
		Workspaces: []config.Workspace{{Name: "scratch", Path: t.TempDir()}},
	})
	if f := readFrame(t, conn); f.Type != "workspace_list" {
		t.Fatalf("first frame = %+v, want workspace_list", f)
	}

	sendText(t, conn, `{"type":"text_message","text":"go"}`)
	if f := readFrame(t, conn); f.Type != "response_delta" {
		t.Fatalf("frame = %+v, want response_delta", f)
	}

	sendText(t, conn, `{"type":"select_workspace","name":"scratch"}`)
	if f := readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end from the cancelled response", f)
	}
	if f := readFrame(t, conn); f.Type != "workspace_selected" {
		t.Fatalf("frame = %+v, want workspace_selected", f)
	}
}

// ── Audio input ───────────────────────────────────────────────────────────────

func TestAudio_TranscribesAtConfiguredRate(t *testing.T) {
	t.Parallel()
	sp := &sttmock.Provider{Text: " turn on the lights "}
	resp := &fakeResponder{}
	conn := dial(t, ws.Options{
		Responder: resp,
		STT:       sp,
		Audio:     config.Audio{SampleRate: 16000, Channels: 1},
	})

	// The declared rate is advisory; transcription runs at the configured one.
	sendText(t, conn, `{"type":"audio_start","sample_rate":48000}`)
	sendBinary(t, conn, micFrame("pcm-one-"))
	sendBinary(t, conn, micFrame("pcm-two"))
	sendText(t, conn, `{"type":"audio_end"}`)

	f := readFrame(t, conn)
	if f.Type != "transcription" || f.Text != " turn on the lights " || !f.IsFinal {
		t.Fatalf("frame = %+v, want final transcription with untrimmed text", f)
	}
	if f = readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end", f)
	}

	calls := sp.Calls()
	if len(calls) != 1 {
		t.Fatalf("Transcribe calls = %d, want 1", len(calls))
	}
	if got, want := string(calls[0].PCM), "pcm-one-pcm-two"; got != want {
		t.Errorf("PCM = %q, want prefix-stripped frames joined as %q", got, want)
	}
	if calls[0].SampleRate != 16000 {
		t.Errorf("sample rate = %d, want configured 16000", calls[0].SampleRate)
	}

	_, histories, _ := resp.snapshot()
	if len(histories) != 1 {
		t.Fatalf("responder calls = %d, want 1", len(histories))
	}
	if got := histories[0][0].Blocks[0].Text; got != " turn on the lights " {
		t.Errorf("user turn = %q, want the raw transcript", got)
	}
}

func TestAudioEnd_WithoutSTT(t *testing.T) {
	t.Parallel()
	conn := dial(t, ws.Options{})

	sendText(t, conn, `{"type":"audio_start"}`)
	sendText(t, conn, `{"type":"audio_end"}`)

	f := readFrame(t, conn)
	if f.Type != "error" || f.Code != protocol.CodeSTTUnavailable {
		t.Fatalf("frame = %+v, want stt_unavailable", f)
	}
	if want := "STT not available"; f.Message != want {
		t.Errorf("message = %q, want %q", f.Message, want)
	}
}

func TestAudioEnd_TranscriptionFailure(t *testing.T) {
	t.Parallel()
	sp := &sttmock.Provider{Err: errors.New("decoder choked")}
	conn := dial(t, ws.Options{STT: sp, Audio: config.Audio{SampleRate: 16000}})

	sendText(t, conn, `{"type":"audio_start"}`)
	sendBinary(t, conn, micFrame("pcm"))
	sendText(t, conn, `{"type":"audio_end"}`)

	f := readFrame(t, conn)
	if f.Type != "error" || f.Code != protocol.CodeSTTError {
		t.Fatalf("frame = %+v, want stt_error", f)
	}
	if want := "Transcription failed"; f.Message != want {
		t.Errorf("message = %q, want %q", f.Message, want)
	}
}

func TestAudioEnd_BlankTranscriptIgnored(t *testing.T) {
	t.Parallel()
	sp := &sttmock.Provider{Text: "   "}
	resp := &fakeResponder{}
	conn := dial(t, ws.Options{Responder: resp, STT: sp, Audio: config.Audio{SampleRate: 16000}})

	sendText(t, conn, `{"type":"audio_start"}`)
	sendBinary(t, conn, micFrame("pcm"))
	sendText(t, conn, `{"type":"audio_end"}`)
	// The worker runs jobs in order, so the follow-up's response arriving
	// first proves the blank transcript produced no frames.
	sendText(t, conn, `{"type":"text_message","text":"follow"}`)

	if f := readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end with nothing before it", f)
	}

	calls, histories, _ := resp.snapshot()
	if calls != 1 {
		t.Fatalf("responder calls = %d, want only the follow-up", calls)
	}
	if got := histories[0][0].Blocks[0].Text; got != "follow" {
		t.Errorf("user turn = %q, want %q", got, "follow")
	}
}

func TestAudioEnd_EmptyRecordingIgnored(t *testing.T) {
	t.Parallel()
	sp := &sttmock.Provider{Text: "never used"}
	conn := dial(t, ws.Options{STT: sp, Audio: config.Audio{SampleRate: 16000}})

	sendText(t, conn, `{"type":"audio_start"}`)
	sendText(t, conn, `{"type":"audio_end"}`)
	// FIFO follow-up: its response arriving first proves the empty
	// recording produced no frames and no transcription attempt.
	sendText(t, conn, `{"type":"text_message","text":"follow"}`)

	if f := readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end with nothing before it", f)
	}
	if n := len(sp.Calls()); n != 0 {
		t.Errorf("Transcribe calls = %d, want 0 for an empty recording", n)
	}
}

func TestBinaryFrames_DroppedWhenNotRecording(t *testing.T) {
	t.Parallel()
	sp := &sttmock.Provider{Text: "never used"}
	resp := &fakeResponder{}
	conn := dial(t, ws.Options{Responder: resp, STT: sp, Audio: config.Audio{SampleRate: 16000}})

	// Before any recording segment: dropped.
	sendBinary(t, conn, micFrame("early"))

	sendText(t, conn, `{"type":"audio_start"}`)
	sendBinary(t, conn, []byte{protocol.PrefixMic})  // too short
	sendBinary(t, conn, append([]byte{0x7f}, 'x'))   // unknown prefix
	sendText(t, conn, `{"type":"audio_end"}`)
	sendText(t, conn, `{"type":"text_message","text":"follow"}`)

	if f := readFrame(t, conn); f.Type != "response_end" {
		t.Fatalf("frame = %+v, want response_end only", f)
	}
	if n := len(sp.Calls()); n != 0 {
		t.Errorf("Transcribe calls = %d, want 0 (all frames dropped)", n)
	}
	if calls, _, _ := resp.snapshot(); calls != 1 {
		t.Errorf("responder calls = %d, want only the follow-up", calls)
	}
}

func TestVAD_SessionTracksRecordingSegments(t *testing.T) {
	t.Parallel()
	eng := &vadmock.Engine{Script: []vad.VADEvent{
		{Type: vad.VADSpeechStart, Probability: 0.92},
		{Type: vad.VADSpeechEnd},
	}}
	sp := &sttmock.Provider{Text: "lights on"}
	conn := dial(t, ws.Options{
		STT:   sp,
		VAD:   eng,
		Audio: config.Audio{SampleRate: 16000, Channels: 1},
		VADConfig: config.VAD{
			Threshold:            0.6,
			MinSpeechDurationMs:  250,
			MinSilenceDurationMs: 800,
		},
	})

	sendText(t, conn, `{"type":"audio_start"}`)
	sendBinary(t, conn, micFrame("one"))
	sendBinary(t, conn, micFrame("two"))
	sendText(t, conn, `{"type":"audio_end"}`)
	readFrames(t, conn, "response_end")

	configs := eng.Configs()
	if len(configs) != 1 {
		t.Fatalf("NewSession calls = %d, want 1", len(configs))
	}
	want := vad.Config{
		SampleRate:           16000,
		SpeechThreshold:      0.6,
		MinSpeechDurationMs:  250,
		MinSilenceDurationMs: 800,
	}
	if configs[0] != want {
		t.Errorf("session config = %+v, want %+v", configs[0], want)
	}

	sess := eng.Sessions()[0]
	frames := sess.Frames()
	if len(frames) != 2 || string(frames[0]) != "one" || string(frames[1]) != "two" {
		t.Errorf("frames = %q, want prefix-stripped one and two", frames)
	}

	// A later segment reuses the session with rewound detection state.
	sendText(t, conn, `{"type":"audio_start"}`)
	sendText(t, conn, `{"type":"ping"}`)
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Fatalf("frame = %+v, want pong", f)
	}
	if got := eng.Configs(); len(got) != 1 {
		t.Errorf("NewSession calls = %d, want still 1", len(got))
	}
	if got := sess.Resets(); got != 1 {
		t.Errorf("resets = %d, want 1", got)
	}

	// Disconnecting closes the detector session.
	_ = conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(3 * time.Second)
	for !sess.Closed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !sess.Closed() {
		t.Error("vad session still open after disconnect")
	}
}
