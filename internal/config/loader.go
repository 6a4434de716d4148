package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration at path, applies WT_* environment
// overrides and the standard API key variables, derives the workspace list,
// and validates the result. A missing file is not an error; the defaults
// plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Defaults and environment only.
	case err != nil:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	default:
		defer f.Close()
		if err := decodeStrict(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	if err := deriveWorkspaces(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, derives the workspace list,
// and validates the result. No environment overrides are applied. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeStrict(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := deriveWorkspaces(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict decodes YAML over the defaults already present in cfg,
// rejecting unknown keys. An empty document keeps the defaults.
func decodeStrict(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides scalar fields from WT_-prefixed variables, one per
// field, with "__" separating nesting levels (WT_SERVER__PORT=9000).
func applyEnv(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}

	setString("WT_SERVER__HOST", &cfg.Server.Host)
	setInt("WT_SERVER__PORT", &cfg.Server.Port)
	setString("WT_WORKSPACE_ROOT", &cfg.WorkspaceRoot)
	setString("WT_PROJWS_PATH", &cfg.ProjwsPath)
	setString("WT_CLAUDE__MODEL", &cfg.Claude.Model)
	setInt("WT_CLAUDE__MAX_TOKENS", &cfg.Claude.MaxTokens)
	setInt("WT_CLAUDE__MAX_CONVERSATION_TURNS", &cfg.Claude.MaxConversationTurns)
	setString("WT_STT__MODEL_SIZE", &cfg.STT.ModelSize)
	setString("WT_STT__LANGUAGE", &cfg.STT.Language)
	setString("WT_STT__MODEL_PATH", &cfg.STT.ModelPath)
	setString("WT_TTS__MODEL", &cfg.TTS.Model)
	setString("WT_TTS__VOICE", &cfg.TTS.Voice)
	setFloat("WT_TTS__SPEED", &cfg.TTS.Speed)
	setString("WT_TTS__INSTRUCTIONS", &cfg.TTS.Instructions)
	setInt("WT_AUDIO__SAMPLE_RATE", &cfg.Audio.SampleRate)
	setInt("WT_AUDIO__CHANNELS", &cfg.Audio.Channels)
	setInt("WT_AUDIO__CHUNK_DURATION_MS", &cfg.Audio.ChunkDurationMs)
	setFloat("WT_VAD__THRESHOLD", &cfg.VAD.Threshold)
	setInt("WT_VAD__MIN_SPEECH_DURATION_MS", &cfg.VAD.MinSpeechDurationMs)
	setInt("WT_VAD__MIN_SILENCE_DURATION_MS", &cfg.VAD.MinSilenceDurationMs)
	setInt("WT_SAFETY__COMMAND_TIMEOUT", &cfg.Safety.CommandTimeout)

	return errors.Join(errs...)
}

// deriveWorkspaces expands configured paths and, when no workspaces were
// named, fills the list from the projws project index or the workspace root.
func deriveWorkspaces(cfg *Config) error {
	var err error
	if cfg.WorkspaceRoot != "" {
		if cfg.WorkspaceRoot, err = expandPath(cfg.WorkspaceRoot); err != nil {
			return fmt.Errorf("config: workspace_root: %w", err)
		}
	}
	if cfg.ProjwsPath != "" {
		if cfg.ProjwsPath, err = expandPath(cfg.ProjwsPath); err != nil {
			return fmt.Errorf("config: projws_path: %w", err)
		}
	}
	for i := range cfg.Workspaces {
		w := &cfg.Workspaces[i]
		if w.Path == "" {
			continue // caught by Validate
		}
		if w.Path, err = expandPath(w.Path); err != nil {
			return fmt.Errorf("config: workspaces[%d].path: %w", i, err)
		}
	}

	if len(cfg.Workspaces) > 0 {
		return nil
	}

	if cfg.ProjwsPath != "" {
		ws, err := loadProjws(cfg.ProjwsPath)
		if err != nil {
			return err
		}
		cfg.Workspaces = ws
		return nil
	}

	if cfg.WorkspaceRoot != "" {
		cfg.Workspaces = []Workspace{{
			Name: filepath.Base(cfg.WorkspaceRoot),
			Path: cfg.WorkspaceRoot,
		}}
	}
	return nil
}

// projwsIndex mirrors the projws projects.json layout:
// {"projects": {"key": {"label": "...", "cwd": "..."}}}.
type projwsIndex struct {
	Projects map[string]projwsProject `json:"projects"`
}

type projwsProject struct {
	Label string `json:"label"`
	Cwd   string `json:"cwd"`
}

// loadProjws reads a projws project index and converts its projects into
// workspaces, sorted by name for a stable list. A missing file yields no
// workspaces; projects without a cwd are skipped.
func loadProjws(path string) ([]Workspace, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read projws %q: %w", path, err)
	}

	var index projwsIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("config: parse projws %q: %w", path, err)
	}

	ws := make([]Workspace, 0, len(index.Projects))
	for key, proj := range index.Projects {
		if proj.Cwd == "" {
			continue
		}
		name := proj.Label
		if name == "" {
			name = key
		}
		path, err := expandPath(proj.Cwd)
		if err != nil {
			return nil, fmt.Errorf("config: projws project %q: %w", key, err)
		}
		ws = append(ws, Workspace{Name: name, Path: path})
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Name < ws[j].Name })
	return ws, nil
}

// expandPath resolves a leading "~" against the home directory and makes
// the path absolute.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		path = filepath.Join(home, path[1:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}
	return abs, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Claude.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("claude.max_tokens %d must be positive", cfg.Claude.MaxTokens))
	}
	if cfg.Claude.MaxConversationTurns <= 0 {
		errs = append(errs, fmt.Errorf("claude.max_conversation_turns %d must be positive", cfg.Claude.MaxConversationTurns))
	}
	if cfg.TTS.Speed < 0.25 || cfg.TTS.Speed > 4.0 {
		errs = append(errs, fmt.Errorf("tts.speed %.2f is out of range [0.25, 4.0]", cfg.TTS.Speed))
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0.0, 1.0]", cfg.VAD.Threshold))
	}
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Safety.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("safety.command_timeout %d must be positive", cfg.Safety.CommandTimeout))
	}

	namesSeen := make(map[string]int, len(cfg.Workspaces))
	for i, w := range cfg.Workspaces {
		prefix := fmt.Sprintf("workspaces[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[w.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of workspaces[%d]", prefix, w.Name, prev))
			}
			namesSeen[w.Name] = i
		}
		if w.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required", prefix))
		}
	}

	return errors.Join(errs...)
}
