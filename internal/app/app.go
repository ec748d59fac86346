// Package app wires the hall guide subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the avatar controller,
// the chat bridge and the HTTP routes, Run serves until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithEngine,
// WithTranscriptStore, WithChatSource, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hallguide/internal/avatar"
	"github.com/MrWong99/hallguide/internal/chat"
	"github.com/MrWong99/hallguide/internal/chatapi"
	"github.com/MrWong99/hallguide/internal/config"
	"github.com/MrWong99/hallguide/internal/health"
	"github.com/MrWong99/hallguide/internal/observe"
	"github.com/MrWong99/hallguide/pkg/memory"
	"github.com/MrWong99/hallguide/pkg/memory/postgres"
	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman"
	"github.com/MrWong99/hallguide/pkg/provider/digitalhuman/xingyun"
	"github.com/MrWong99/hallguide/pkg/provider/llm"
)

// Server timeouts.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var errNoSource = errors.New("app: no chat model configured")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM     llm.Provider
	LLMName string
}

// App owns all subsystem lifetimes and serves the guide API.
type App struct {
	cfg       *config.Config
	providers *Providers
	current   atomic.Pointer[config.Config]

	// Subsystems, initialised in New and torn down in Shutdown.
	engine   *xingyun.Bridge
	factory  digitalhuman.Factory
	probe    avatar.RenderProbe
	ctrl     *avatar.Controller
	sessions *SessionManager
	source   chat.Source
	bridge   *chat.Bridge
	store    memory.TranscriptStore
	metrics  *observe.Metrics
	checkers []health.Checker
	progress atomic.Int32

	ctrlOpts       []avatar.Option
	levelVar       *slog.LevelVar
	metricsHandler http.Handler

	// base bounds background work such as connect attempts. stop cancels it.
	base context.Context
	stop context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscriptStore injects a transcript store instead of opening one from
// memory.postgres_dsn.
func WithTranscriptStore(s memory.TranscriptStore) Option {
	return func(a *App) { a.store = s }
}

// WithEngine replaces the browser engine bridge with factory and probe. The
// /avatar/ws route is not served in that case.
func WithEngine(factory digitalhuman.Factory, probe avatar.RenderProbe) Option {
	return func(a *App) {
		a.factory = factory
		a.probe = probe
	}
}

// WithChatSource injects the reply source instead of deriving one from
// chat.upstream_url or the LLM provider.
func WithChatSource(s chat.Source) Option {
	return func(a *App) { a.source = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithControllerOptions appends options for the avatar controller.
func WithControllerOptions(opts ...avatar.Option) Option {
	return func(a *App) { a.ctrlOpts = append(a.ctrlOpts, opts...) }
}

// WithLogLevel hands the app the level variable of the process logger so
// config reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// ctx bounds only initialisation, e.g. the transcript store connection.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	a.current.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	a.base, a.stop = context.WithCancel(context.WithoutCancel(ctx))

	// ── 1. Avatar engine + controller ────────────────────────────────────
	a.initAvatar()

	// ── 2. Transcript store ──────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		a.stop()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 3. Chat bridge ───────────────────────────────────────────────────
	a.initChat()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAvatar sets up the engine bridge, the controller and the session
// manager.
func (a *App) initAvatar() {
	if a.factory == nil {
		a.engine = xingyun.New(xingyun.WithOriginPatterns(a.cfg.Avatar.BridgeOrigins...))
		a.factory = a.engine
		a.probe = a.engine
		a.checkers = append(a.checkers, health.Checker{
			Name:     "avatar_bridge",
			Optional: true,
			Check: func(context.Context) error {
				if !a.engine.Connected() {
					return xingyun.ErrHostGone
				}
				return nil
			},
		})
	}

	opts := append([]avatar.Option{
		avatar.WithConfig(a.cfg.Avatar.Controller()),
		avatar.WithMetrics(a.metrics),
	}, a.ctrlOpts...)
	a.ctrl = avatar.NewController(a.factory, a.probe, opts...)
	a.ctrl.OnProgressChange(func(p int) { a.progress.Store(int32(p)) })
	a.ctrl.OnStatusChange(func(s avatar.ConnectionStatus) {
		if s == avatar.StatusDisconnected {
			a.progress.Store(0)
		}
	})
	a.checkers = append(a.checkers, health.Checker{
		Name: "avatar",
		Check: func(context.Context) error {
			if a.ctrl.Status() == avatar.StatusError && a.ctrl.Budget().Exhausted() {
				return ErrBudgetExhausted
			}
			return nil
		},
	})

	a.sessions = NewSessionManager(SessionManagerConfig{
		Controller:  a.ctrl,
		Credentials: func() avatar.Credentials { return a.current.Load().Credentials.Avatar() },
		Base:        a.base,
	})
}

// initMemory opens the PostgreSQL transcript store when configured.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: store.Ping})
	slog.Info("transcript store connected")
	return nil
}

// initChat picks the reply source and builds the conversation bridge.
func (a *App) initChat() {
	cc := a.cfg.Chat
	if a.source == nil {
		switch {
		case cc.UpstreamURL != "":
			a.source = chat.NewClient(cc.UpstreamURL,
				chat.WithHTTPClient(&http.Client{Timeout: cc.RequestTimeout.Std()}))
			slog.Info("chat replies from upstream endpoint", "url", cc.UpstreamURL)
		case a.providers.LLM != nil:
			a.source = chat.NewProviderSource(a.providers.LLM, cc.Temperature, cc.MaxTokens)
			slog.Info("chat replies from llm provider", "provider", a.providers.LLMName)
		default:
			a.source = unavailableSource{}
			slog.Warn("no chat source configured; conversation requests will fail")
		}
	}

	conv := chat.NewConversation(cc.SystemPrompt, cc.HistoryLimit)
	a.bridge = chat.NewBridge(a.source, conv,
		chat.WithSpeaker(a.sessions.Speaker),
		chat.WithTranscripts(a.store),
		chat.WithBridgeMetrics(a.metrics),
		chat.WithSegmentRunes(cc.SegmentRunes),
		chat.WithAvatarSessionID(a.sessions.SessionID),
	)
}

// unavailableSource fails every turn.
type unavailableSource struct{}

func (unavailableSource) Open(context.Context, chat.Request) (chat.Stream, error) {
	return nil, errNoSource
}

// ─── Routes ──────────────────────────────────────────────────────────────────

// SessionManager returns the avatar session manager.
func (a *App) SessionManager() *SessionManager { return a.sessions }

// Bridge returns the chat bridge.
func (a *App) Bridge() *chat.Bridge { return a.bridge }

// Handler returns the root HTTP handler with every route registered.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	health.New(health.WithCheckers(a.checkers...)).Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	if a.engine != nil {
		mux.Handle("GET /avatar/ws", a.engine)
	}

	chatapi.New(a.providers.LLM,
		chatapi.WithProduction(a.cfg.Server.Production),
		chatapi.WithRequestTimeout(a.cfg.Chat.RequestTimeout.Std()),
		chatapi.WithMetrics(a.metrics),
		chatapi.WithProviderName(a.providers.LLMName),
	).Register(mux)

	mux.HandleFunc("GET /api/avatar/status", a.Status)
	mux.HandleFunc("GET /api/avatar/events", a.Events)
	mux.HandleFunc("POST /api/avatar/connect", a.Connect)
	mux.HandleFunc("POST /api/avatar/reconnect", a.Reconnect)
	mux.HandleFunc("POST /api/avatar/disconnect", a.Disconnect)
	mux.HandleFunc("POST /api/avatar/state", a.SetState)
	mux.HandleFunc("POST /api/avatar/volume", a.SetVolume)

	mux.HandleFunc("POST /api/conversation/send", a.Send)
	mux.HandleFunc("POST /api/conversation/stop", a.Stop)
	mux.HandleFunc("POST /api/conversation/clear", a.Clear)
	mux.HandleFunc("GET /api/conversation/history", a.History)
	mux.HandleFunc("GET /api/conversation/transcripts", a.Transcripts)

	mux.HandleFunc("/", chatapi.NotFound)

	return observe.Middleware(a.metrics)(cors(a.cfg.Server.AllowedOrigins, mux))
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on server.listen_addr until ctx is done, then shuts the app
// down. extra functions run alongside the server under the same context; the
// first one to fail stops everything.
func (a *App) Run(ctx context.Context, extra ...func(context.Context) error) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":3001"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return a.Shutdown(shutdownCtx)
	})
	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. Credentials are read
// from next on the following connect. Sections that need a restart are logged
// and otherwise ignored.
func (a *App) ApplyConfig(old, next *config.Config) {
	a.current.Store(next)
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.GreetingChanged {
		a.ctrl.SetGreeting(d.NewGreeting, d.SkipGreeting)
		slog.Info("greeting updated", "skip", d.SkipGreeting)
	}
	if d.SystemPromptChanged {
		a.bridge.Conversation().SetSystemPrompt(d.NewSystemPrompt)
		slog.Info("system prompt updated")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the reply and the avatar first.
		a.bridge.Stop()
		if err := a.ctrl.Close(ctx); err != nil {
			slog.Warn("avatar close error", "err", err)
		}
		a.stop()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
