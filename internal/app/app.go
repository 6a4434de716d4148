// Package app wires all worktalk subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP endpoints and the session reaper until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithResponder, WithRegistry, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/worktalk/worktalk/internal/agent"
	"github.com/worktalk/worktalk/internal/config"
	"github.com/worktalk/worktalk/internal/health"
	"github.com/worktalk/worktalk/internal/observe"
	"github.com/worktalk/worktalk/internal/safety"
	"github.com/worktalk/worktalk/internal/session"
	"github.com/worktalk/worktalk/internal/tools"
	"github.com/worktalk/worktalk/internal/ws"
	"github.com/worktalk/worktalk/pkg/provider/stt"
	"github.com/worktalk/worktalk/pkg/provider/tts"
	"github.com/worktalk/worktalk/pkg/provider/vad"
)

const (
	// drainTimeout bounds how long the HTTP server waits for in-flight
	// requests once the run context is cancelled.
	drainTimeout = 5 * time.Second

	// sessionDrainTimeout bounds how long Run waits for live WebSocket
	// sessions to finish their cleanup after the server stops. Hijacked
	// connections are not tracked by [http.Server.Shutdown].
	sessionDrainTimeout = 2 * time.Second
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured and the matching feature is disabled. Populated
// by main.go from the config.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// App owns all subsystem lifetimes and serves the worktalk gateway.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems initialised in New, torn down in Shutdown.
	metrics     *observe.Metrics
	registry    *session.Registry
	responder   ws.Responder
	defaultExec *tools.Executor
	srv         *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once

	mu   sync.Mutex
	addr string
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithResponder injects a responder instead of creating an Anthropic client
// from the config.
func WithResponder(r ws.Responder) Option {
	return func(a *App) { a.responder = r }
}

// WithRegistry injects a session registry instead of creating a fresh one.
func WithRegistry(r *session.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects metric instruments instead of initialising the global
// OpenTelemetry providers. The caller owns the meter provider's lifecycle.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles for any
// subsystem.
//
// New performs all initialisation synchronously: telemetry providers, the
// session registry, the assistant client, the default tool sandbox, and the
// HTTP routes. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Session registry ──────────────────────────────────────────────
	if a.registry == nil {
		a.registry = session.NewRegistry()
	}

	// ── 3. Responder ─────────────────────────────────────────────────────
	if err := a.initResponder(); err != nil {
		return nil, fmt.Errorf("app: init responder: %w", err)
	}

	// ── 4. Default tool sandbox ──────────────────────────────────────────
	if err := a.initSandbox(); err != nil {
		return nil, fmt.Errorf("app: init sandbox: %w", err)
	}

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObservability sets up the global OTel providers and the metric
// instruments, unless metrics were injected.
func (a *App) initObservability(ctx context.Context) error {
	if a.metrics != nil {
		return nil // injected
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "worktalk",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initResponder creates the Anthropic streaming client, unless a responder
// was injected.
func (a *App) initResponder() error {
	if a.responder != nil {
		return nil
	}
	if a.cfg.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when no responder is injected")
	}
	a.responder = agent.New(a.cfg.AnthropicAPIKey, a.cfg.Claude.Model, int64(a.cfg.Claude.MaxTokens))
	return nil
}

// initSandbox builds the tool executor used before a client selects a
// workspace. An empty workspace root leaves it nil; tool use then requires
// selecting a workspace first.
func (a *App) initSandbox() error {
	if a.cfg.WorkspaceRoot == "" {
		slog.Info("no workspace root configured, tool use requires selecting a workspace")
		return nil
	}
	sb, err := safety.NewSandbox(a.cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("workspace root %q: %w", a.cfg.WorkspaceRoot, err)
	}
	a.defaultExec = tools.NewExecutor(sb, a.cfg.Safety.BlockedCommands,
		time.Duration(a.cfg.Safety.CommandTimeout)*time.Second)
	slog.Info("default sandbox ready", "root", sb.Root())
	return nil
}

// initHTTP builds the WebSocket handler and the HTTP server with all routes
// registered. The server does not listen yet.
func (a *App) initHTTP() error {
	handler, err := ws.NewHandler(ws.Options{
		Registry:        a.registry,
		Responder:       a.responder,
		STT:             a.providers.STT,
		TTS:             a.providers.TTS,
		VAD:             a.providers.VAD,
		Workspaces:      a.cfg.Workspaces,
		DefaultExecutor: a.defaultExec,
		Safety:          a.cfg.Safety,
		Audio:           a.cfg.Audio,
		VADConfig:       a.cfg.VAD,
		MaxTurns:        a.cfg.Claude.MaxConversationTurns,
		Metrics:         a.metrics,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	health.New(a.registry, a.providers.STT != nil, a.providers.TTS != nil).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	// The WebSocket route stays outside the telemetry middleware: the
	// upgrade hijacks the connection, and a connection's lifetime is not a
	// request latency.
	root := http.NewServeMux()
	handler.Register(root)
	root.Handle("/", observe.Middleware(a.metrics)(mux))

	a.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the listen address and serves until ctx is cancelled, then drains
// in-flight requests and live sessions. The session reaper runs alongside the
// server. Run returns ctx.Err() after a clean drain.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.srv.Addr, err)
	}
	a.setAddr(ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)

	// Hijacked WebSocket connections outlive srv.Shutdown; deriving every
	// request context from gctx lets cancellation reach their read loops.
	a.srv.BaseContext = func(net.Listener) context.Context { return gctx }

	g.Go(func() error {
		slog.Info("gateway listening", "addr", ln.Addr().String())
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.registry.RunReaper(gctx, session.DefaultReapInterval, session.DefaultMaxIdle)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return a.srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Give live sessions a moment to run their cleanup before the process
	// exits; each removes itself from the registry on the way out.
	deadline := time.Now().Add(sessionDrainTimeout)
	for a.registry.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	return ctx.Err()
}

// Addr returns the bound listen address once Run has started serving. Before
// that it returns the configured address, which may carry port 0.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.addr != "" {
		return a.addr
	}
	return a.srv.Addr
}

func (a *App) setAddr(addr string) {
	a.mu.Lock()
	a.addr = addr
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Cut off any responses still streaming.
		a.registry.Clear()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
