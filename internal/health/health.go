// Package health provides the HTTP health check handler.
//
// The gateway exposes a single endpoint, GET /health, that reports process
// liveness plus which optional voice collaborators are configured and how
// many client sessions are currently connected. The response is a JSON
// object:
//
//	{"status":"ok","stt":true,"tts":true,"active_sessions":2}
package health

import (
	"encoding/json"
	"net/http"
)

// SessionCounter reports the number of live client sessions.
// [session.Registry] satisfies it.
type SessionCounter interface {
	Len() int
}

// status is the JSON response body for the health endpoint.
type status struct {
	Status         string `json:"status"`
	STT            bool   `json:"stt"`
	TTS            bool   `json:"tts"`
	ActiveSessions int    `json:"active_sessions"`
}

// Handler serves the /health endpoint. It is safe for concurrent use; the
// collaborator flags are fixed at construction time.
type Handler struct {
	sessions SessionCounter
	stt      bool
	tts      bool
}

// New creates a [Handler] that reads the live session count from sessions and
// reports whether the STT and TTS collaborators are configured.
func New(sessions SessionCounter, sttEnabled, ttsEnabled bool) *Handler {
	return &Handler{sessions: sessions, stt: sttEnabled, tts: ttsEnabled}
}

// Health reports gateway health. A running process that can serve HTTP is
// considered healthy; the body carries collaborator availability so clients
// can adjust their UI (e.g. hide the microphone button when STT is off).
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	n := 0
	if h.sessions != nil {
		n = h.sessions.Len()
	}
	writeJSON(w, http.StatusOK, status{
		Status:         "ok",
		STT:            h.stt,
		TTS:            h.tts,
		ActiveSessions: n,
	})
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
