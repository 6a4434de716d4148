// Package config provides the configuration schema and loader for the
// worktalk gateway.
package config

// Config is the root configuration structure for worktalk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server Server `yaml:"server"`

	// WorkspaceRoot is the sandbox root used before a workspace is selected.
	// When no workspaces are configured it also becomes the sole entry in
	// the advertised workspace list. Empty disables the default sandbox;
	// tool use then requires selecting a workspace first.
	WorkspaceRoot string `yaml:"workspace_root"`

	Claude Claude `yaml:"claude"`
	STT    STT    `yaml:"stt"`
	TTS    TTS    `yaml:"tts"`
	Audio  Audio  `yaml:"audio"`
	VAD    VAD    `yaml:"vad"`
	Safety Safety `yaml:"safety"`

	// Workspaces lists the directories a client may select as sandbox roots.
	Workspaces []Workspace `yaml:"workspaces"`

	// ProjwsPath points at a projws projects.json; its projects derive the
	// workspace list when Workspaces is empty.
	ProjwsPath string `yaml:"projws_path"`

	// AnthropicAPIKey comes from the ANTHROPIC_API_KEY environment variable,
	// never from YAML.
	AnthropicAPIKey string `yaml:"-"`

	// OpenAIAPIKey comes from the OPENAI_API_KEY environment variable, never
	// from YAML. Empty disables TTS.
	OpenAIAPIKey string `yaml:"-"`
}

// Server holds the listen address for the gateway.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Claude configures the model behind the conversation loop.
type Claude struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`

	// MaxConversationTurns caps the per-session history before trimming.
	MaxConversationTurns int `yaml:"max_conversation_turns"`
}

// STT configures speech-to-text.
type STT struct {
	// ModelSize names the whisper model variant, recorded for logs and the
	// health endpoint.
	ModelSize string `yaml:"model_size"`

	// Language is the transcription language hint (e.g. "en").
	Language string `yaml:"language"`

	// ModelPath is the whisper.cpp ggml model file. Empty disables STT.
	ModelPath string `yaml:"model_path"`
}

// TTS configures text-to-speech via the OpenAI speech API.
type TTS struct {
	Model string `yaml:"model"`
	Voice string `yaml:"voice"`

	// Speed is the speaking rate, 0.25 through 4.0.
	Speed float64 `yaml:"speed"`

	// Instructions is free-form style guidance passed to the speech model.
	Instructions string `yaml:"instructions"`
}

// Audio describes the PCM format clients send during recording segments.
type Audio struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	ChunkDurationMs int `yaml:"chunk_duration_ms"`
}

// VAD tunes the speech span detector that runs over microphone frames.
type VAD struct {
	// Threshold is the speech probability above which a frame counts as
	// speech. Range [0.0, 1.0].
	Threshold float64 `yaml:"threshold"`

	MinSpeechDurationMs  int `yaml:"min_speech_duration_ms"`
	MinSilenceDurationMs int `yaml:"min_silence_duration_ms"`
}

// Safety bounds what the tool executor may run.
type Safety struct {
	// CommandTimeout is the bash tool timeout in seconds.
	CommandTimeout int `yaml:"command_timeout"`

	// BlockedCommands are substring patterns rejected before execution.
	BlockedCommands []string `yaml:"blocked_commands"`
}

// Workspace names one selectable sandbox root.
type Workspace struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Default returns the configuration used when a key is absent from the YAML
// file. The zero-value API keys, workspace root, and STT model path leave
// the corresponding collaborators disabled.
func Default() *Config {
	return &Config{
		Server: Server{
			Host: "0.0.0.0",
			Port: 8765,
		},
		Claude: Claude{
			Model:                "claude-sonnet-4-5-20250929",
			MaxTokens:            8192,
			MaxConversationTurns: 50,
		},
		STT: STT{
			ModelSize: "base.en",
			Language:  "en",
		},
		TTS: TTS{
			Model: "gpt-4o-mini-tts",
			Voice: "nova",
			Speed: 1.0,
		},
		Audio: Audio{
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMs: 100,
		},
		VAD: VAD{
			Threshold:            0.5,
			MinSpeechDurationMs:  250,
			MinSilenceDurationMs: 800,
		},
		Safety: Safety{
			CommandTimeout: 30,
			BlockedCommands: []string{
				"rm -rf /",
				"rm -rf ~",
				"rm -rf *",
				"mkfs",
				"dd if=",
				"> /dev/sda",
				":(){ :|:& };:",
				"chmod -R 777 /",
				"sudo rm",
				"shutdown",
				"reboot",
				"halt",
				"poweroff",
			},
		},
	}
}
