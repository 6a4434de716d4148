// Package openai provides a TTS provider backed by the OpenAI speech API.
// It implements the tts.Provider interface.
//
// Synthesis is a single HTTP call per utterance; the response body streams
// MP3 audio, which the provider forwards in fixed-size chunks so playback
// can begin before the full utterance has been generated.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/worktalk/worktalk/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "nova"
	defaultSpeed = 1.0

	// chunkSize is the size of each audio chunk emitted on the channel.
	chunkSize = 4096

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 64
)

// config holds optional configuration for the provider.
type config struct {
	model        string
	voice        string
	speed        float64
	instructions string
	baseURL      string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the speech model (e.g. "gpt-4o-mini-tts", "tts-1").
func WithModel(model string) Option {
	return func(c *config) {
		if model != "" {
			c.model = model
		}
	}
}

// WithVoice sets the voice preset (e.g. "nova", "alloy", "shimmer").
func WithVoice(voice string) Option {
	return func(c *config) {
		if voice != "" {
			c.voice = voice
		}
	}
}

// WithSpeed sets the speaking rate. The API accepts 0.25 through 4.0;
// 1.0 is the default.
func WithSpeed(speed float64) Option {
	return func(c *config) {
		if speed > 0 {
			c.speed = speed
		}
	}
}

// WithInstructions sets free-form style guidance for models that support it
// (tone, pacing, accent). Ignored by the older tts-1 family.
func WithInstructions(instructions string) Option {
	return func(c *config) {
		c.instructions = instructions
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements tts.Provider backed by the OpenAI speech API.
// It is safe for concurrent use; multiple Synthesize calls may run in parallel.
type Provider struct {
	client       oai.Client
	model        string
	voice        string
	speed        float64
	instructions string
}

// New constructs a new OpenAI speech Provider. apiKey must not be empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{
		model: defaultModel,
		voice: defaultVoice,
		speed: defaultSpeed,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        cfg.model,
		voice:        cfg.voice,
		speed:        cfg.speed,
		instructions: cfg.instructions,
	}, nil
}

// Format implements tts.Provider. OpenAI speech responses are requested as MP3.
func (p *Provider) Format() string {
	return "mp3"
}

// Synthesize implements tts.Provider. It issues one speech request and
// returns a channel emitting MP3 chunks as the response body streams in.
//
// The channel is closed when the body is exhausted or ctx is cancelled.
// Read failures mid-stream are logged and close the channel early.
func (p *Provider) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if text == "" {
		return nil, errors.New("openai: text must not be empty")
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
		Speed:          param.NewOpt(p.speed),
	}
	if p.instructions != "" {
		params.Instructions = param.NewOpt(p.instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: speech request: %w", err)
	}

	ch := make(chan []byte, audioChanBuf)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		for {
			buf := make([]byte, chunkSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case ch <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					slog.Warn("TTS audio stream read failed", "error", err)
				}
				return
			}
		}
	}()

	return ch, nil
}
