// Package app wires all SpeakZone subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the store, loads the
// learner and builds the services, Run serves HTTP until its context is done,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithScorer,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
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

	"golang.org/x/sync/errgroup"

	"github.com/admirelc/speakzone/internal/config"
	"github.com/admirelc/speakzone/internal/health"
	"github.com/admirelc/speakzone/internal/learner"
	"github.com/admirelc/speakzone/internal/narration"
	"github.com/admirelc/speakzone/internal/observe"
	"github.com/admirelc/speakzone/internal/resilience"
	"github.com/admirelc/speakzone/internal/scoring"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
	"github.com/admirelc/speakzone/pkg/provider/vad"
	"github.com/admirelc/speakzone/pkg/store"
	badgerstore "github.com/admirelc/speakzone/pkg/store/badger"
	"github.com/admirelc/speakzone/pkg/store/memstore"
	pgstore "github.com/admirelc/speakzone/pkg/store/postgres"
)

// shutdownGrace bounds how long in-flight HTTP requests may take to finish.
const shutdownGrace = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	S2S s2s.Provider
	LLM *resilience.LLMFallback
	TTS *resilience.TTSFallback
	VAD vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store    store.Store
	learner  *learner.State
	course   *learner.Course
	narrator *narration.Service
	scorer   scoring.Scorer
	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured backend. The
// caller keeps ownership: Shutdown does not close it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithScorer replaces the placeholder session scorer.
func WithScorer(s scoring.Scorer) Option {
	return func(a *App) { a.scorer = s }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
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
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Learner + course ──────────────────────────────────────────────
	st, err := learner.Load(ctx, cfg.Learner.ID, a.store,
		learner.WithRules(cfg.Tuning.Rules()),
		learner.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.learner = st
	a.course = learner.NewCourse(st, a.store, cfg.Catalog())

	// ── 3. Narration ─────────────────────────────────────────────────────
	if providers.LLM != nil && providers.TTS != nil {
		a.narrator, err = narration.New(providers.LLM, providers.TTS, narration.WithMetrics(a.metrics))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: %w", err)
		}
	} else {
		slog.Warn("lesson narration disabled: llm and tts providers are both required")
	}

	// ── 4. Live sessions ─────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Learner:  st,
		Provider: providers.S2S,
		VAD:      providers.VAD,
		Scorer:   a.scorer,
		Tuning:   cfg.Tuning,
		Metrics:  a.metrics,
	})

	// ── 5. Health + routes ───────────────────────────────────────────────
	a.health = health.New(a.checkers()...)
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured persistence backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	sc := a.cfg.Store
	switch sc.Backend {
	case config.StorePostgres:
		s, err := pgstore.Open(ctx, sc.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = s
	case config.StoreMemory:
		a.store = memstore.New()
	default:
		s, err := badgerstore.Open(sc.Path)
		if err != nil {
			return err
		}
		a.store = s
	}
	a.closers = append(a.closers, a.store.Close)
	slog.Info("store opened", "backend", string(sc.Backend))
	return nil
}

// checkers returns the readiness probes for the configured subsystems.
func (a *App) checkers() []health.Checker {
	p := a.providers
	checks := []health.Checker{
		health.PingCheck("store", a.store),
		health.ConfiguredCheck("providers", map[string]bool{
			"s2s": p.S2S != nil,
			"llm": p.LLM != nil,
			"tts": p.TTS != nil,
		}),
	}
	if p.LLM != nil {
		checks = append(checks, health.BreakersCheck("llm", p.LLM.BreakerStates))
	}
	if p.TTS != nil {
		checks = append(checks, health.BreakersCheck("tts", p.TTS.BreakerStates))
	}
	return checks
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler with every route and the observability
// middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the live-session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Learner returns the learner's state.
func (a *App) Learner() *learner.State { return a.learner }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. Sections
// that need a restart are only logged.
func (a *App) ApplyConfig(cur *config.Config, d config.ConfigDiff) {
	if d.TuningChanged {
		a.learner.SetRules(d.NewTuning.Rules())
		a.sessions.SetTuning(d.NewTuning)
		slog.Info("tuning updated",
			"vad_threshold", d.NewTuning.VADThreshold,
			"promotion_bar", d.NewTuning.PromotionBar,
			"promotion_sessions", d.NewTuning.PromotionSessions,
		)
	}
	if d.LessonsChanged {
		cat := cur.Catalog()
		a.course.SetCatalog(cat)
		slog.Info("lesson catalog updated", "units", len(cat.Units))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change requires a restart", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address until ctx is done, then drains
// in-flight requests. It returns nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any live session and then runs the closers in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if _, err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) && !errors.Is(err, ErrConnecting) {
				slog.Warn("stop live session", "err", err)
			}
		}

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

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
