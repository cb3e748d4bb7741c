// Companion - session orchestration server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/companion/internal/api"
	"github.com/ashureev/companion/internal/config"
	"github.com/ashureev/companion/internal/identity"
	"github.com/ashureev/companion/internal/janitor"
	"github.com/ashureev/companion/internal/middleware"
	"github.com/ashureev/companion/internal/onboarding"
	"github.com/ashureev/companion/internal/orchestrator"
	"github.com/ashureev/companion/internal/probe"
	"github.com/ashureev/companion/internal/reasoner"
	"github.com/ashureev/companion/internal/reward"
	"github.com/ashureev/companion/internal/session"
	"github.com/ashureev/companion/internal/store"
	"github.com/ashureev/companion/internal/stream"
	"github.com/ashureev/companion/internal/telemetry"
	"github.com/ashureev/companion/internal/vision"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	now := func() time.Time { return time.Now().In(loc) }

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version, "tz", loc.String())

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Version:     version,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("Failed to flush telemetry", "error", err)
		}
	}()

	// Initialize dependencies.
	sealer, err := store.LoadOrCreateKey(cfg.DataKeyPath)
	if err != nil {
		return fmt.Errorf("load data key: %w", err)
	}
	repo, err := store.NewSQLite(cfg.DBPath, sealer)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	rescued, err := repo.RescueTasks(ctx)
	if err != nil {
		return fmt.Errorf("rescue queue records: %w", err)
	}
	if rescued > 0 {
		slog.Info("Rescued queue records with missing status", "count", rescued)
	}

	brain, err := newReasoner(ctx, cfg)
	if err != nil {
		return err
	}

	catalog, err := onboarding.Load()
	if err != nil {
		return err
	}

	rewards := reward.NewEngine(repo)
	rewards.Now = now
	rewards.Location = loc

	sessions := session.NewManager(repo, session.Config{
		Capacity: cfg.SessionCapacity,
		TTL:      cfg.SessionTTL,
		Seed:     catalog.Seed,
		Now:      now,
	})

	engine := orchestrator.NewEngine(sessions, brain, repo, rewards, orchestrator.Options{
		DueWindow:   cfg.DueWindow,
		BreakEnergy: cfg.BreakEnergy,
		Now:         now,
	})

	var analyzer vision.Analyzer
	if cfg.Vision.APIKey != "" {
		a, err := vision.NewGeminiAnalyzer(ctx, cfg.Vision.APIKey, cfg.Vision.Model)
		if err != nil {
			slog.Warn("Vision pipeline disabled", "error", err)
		} else {
			analyzer = a
			slog.Info("Vision pipeline initialized", "model", cfg.Vision.Model)
		}
	} else {
		slog.Info("Vision pipeline disabled (GEMINI_API_KEY not set)")
	}

	limiter := api.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	defer limiter.Close()

	handler := api.NewHandler(engine, sessions, catalog, analyzer, limiter, api.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		NudgeAfter:     cfg.NudgeAfter,
		Now:            now,
	})

	registry := stream.NewRegistry()
	wsHandler := stream.NewHandler(engine, sessions, registry, stream.Config{
		Heartbeat:      cfg.WSHeartbeat,
		NudgeAfter:     cfg.NudgeAfter,
		OriginPatterns: originPatterns(cfg),
		Now:            now,
	})

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	handler.RegisterRoutes(r)
	r.With(identity.Middleware(cfg.IsDevelopment())).Get("/ws", wsHandler.ServeHTTP)

	// WebSocket connections are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.SweepInterval > 0 {
		sweeper := janitor.New(repo, janitor.Config{
			Interval: cfg.SweepInterval,
			Window:   cfg.DueWindow,
			Sessions: sessions,
			Now:      now,
		})
		g.Go(func() error { return sweeper.Run(gctx) })
	} else {
		slog.Info("Queue janitor disabled (QUEUE_SWEEP_INTERVAL=0)")
	}

	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			return fmt.Errorf("listen for health probe: %w", err)
		}
		hp := probe.New(repo)
		g.Go(func() error { return hp.Serve(lis) })
		g.Go(func() error { return hp.Watch(gctx, 30*time.Second) })
		g.Go(func() error {
			<-gctx.Done()
			hp.Stop()
			return nil
		})
	}

	// Wait for shutdown signal or a failed component.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		registry.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// newReasoner builds the configured language model client, bounded by the
// configured timeout.
func newReasoner(ctx context.Context, cfg *config.Config) (reasoner.Reasoner, error) {
	rc := cfg.Reasoner
	var (
		r   reasoner.Reasoner
		err error
	)
	switch rc.Provider {
	case config.ProviderGemini:
		key := rc.APIKey
		if key == "" {
			key = cfg.Vision.APIKey
		}
		model := rc.Model
		if model == "" {
			model = reasoner.DefaultGeminiModel
		}
		r, err = reasoner.NewGeminiClient(ctx, key, model)
	case config.ProviderOpenAI:
		oc := reasoner.OpenAIConfig{APIKey: rc.APIKey, BaseURL: rc.BaseURL, Model: rc.Model, Timeout: rc.Timeout}
		if oc.BaseURL == "" {
			oc.BaseURL = reasoner.DefaultOpenAIBaseURL
		}
		if oc.Model == "" {
			oc.Model = reasoner.DefaultOpenAIModel
		}
		r, err = reasoner.NewOpenAIClient(oc)
	default:
		r, err = reasoner.NewOpenAIClient(reasoner.OpenAIConfig{
			APIKey:  rc.APIKey,
			BaseURL: rc.BaseURL,
			Model:   rc.Model,
			Timeout: rc.Timeout,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("initialize reasoner %s: %w", rc.Provider, err)
	}
	slog.Info("Reasoner initialized", "provider", rc.Provider, "timeout", rc.Timeout)
	return reasoner.WithTimeout(r, rc.Timeout), nil
}

// originPatterns converts CORS origins into WebSocket host patterns. Development
// mode skips the origin check.
func originPatterns(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return nil
	}
	var patterns []string
	for _, o := range cfg.CORSOrigins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
