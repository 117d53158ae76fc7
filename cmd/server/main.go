// Answerstream - streaming answers over a retrieval workflow engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/answerstream/internal/agent"
	"github.com/ashureev/answerstream/internal/api"
	"github.com/ashureev/answerstream/internal/config"
	"github.com/ashureev/answerstream/internal/mcp"
	"github.com/ashureev/answerstream/internal/metrics"
	"github.com/ashureev/answerstream/internal/middleware"
	"github.com/ashureev/answerstream/internal/monitor"
	"github.com/ashureev/answerstream/internal/store"
	"github.com/ashureev/answerstream/internal/thread"
	"github.com/ashureev/answerstream/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "container", config.IsContainer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backup, err := openBackup(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := backup.Close(); closeErr != nil {
			logger.Error("Failed to close thread backup", "error", closeErr)
		}
	}()

	threads := thread.NewStore(backup, thread.WithLogger(logger))
	if err := threads.Load(ctx); err != nil {
		return err
	}
	logger.Info("Thread metadata loaded", "backup", cfg.Threads.Backup, "threads", threads.Stats().Total)

	engine, err := agent.NewGrpcClient(agent.GrpcClientConfig{
		Address:        cfg.Workflow.Addr,
		ConnectTimeout: cfg.Workflow.ConnectTimeout,
	}, logger)
	if err != nil {
		return err
	}

	mon := monitor.New(logger)
	svc := agent.NewService(engine, threads, mon, agent.ServiceConfig{
		SystemPrompt: cfg.SystemPrompt,
		Stream: agent.TranscoderConfig{
			Timeout:    cfg.Stream.Timeout,
			TokenSize:  cfg.Stream.TokenSize,
			TokenDelay: cfg.Stream.TokenDelay,
		},
	}, logger)
	defer svc.Close()

	if dropped := svc.Reconcile(ctx); len(dropped) > 0 {
		logger.Info("Dropped threads unknown to the workflow engine", "count", len(dropped))
	}

	tools := mcp.NewClient(mcp.Config{
		BaseURL: cfg.MCP.BaseURL,
		Retries: cfg.MCP.Retries,
		Timeout: cfg.MCP.Timeout,
	}, logger)
	m := metrics.New(mon, threads)

	health := api.NewHandler(logger,
		api.HealthCheck{Name: "workflow_engine", Check: svc.Health},
		api.HealthCheck{Name: "thread_backup", Check: backup.Ping},
	)
	agentHandler := agent.NewHandler(svc, tools, m, agent.HandlerConfig{
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		RateLimitPerMinute: cfg.RateLimit.PerMinute,
		RateLimitBurst:     cfg.RateLimit.Burst,
		AllowedOrigins:     originPatterns(cfg.CORSOrigins),
	}, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/api/health", m.InstrumentHealth(health.HandleHealth))
	r.Handle("/metrics", m.Handler())
	agentHandler.RegisterRoutes(r)

	// SSE connections require no WriteTimeout; keepalives hold them open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		worker.RunStaleStreamWorker(gctx, mon, cfg.Stream.CleanupInterval, cfg.Stream.StaleAfter, logger)
		return nil
	})
	if cfg.Threads.MaxAge > 0 {
		g.Go(func() error {
			worker.RunThreadTTLWorker(gctx, threads, cfg.Threads.CleanupInterval, cfg.Threads.MaxAge, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openBackup(cfg *config.Config) (store.Backup, error) {
	if cfg.Threads.Backup == config.BackupSQLite {
		db, err := store.NewSQLite(cfg.Threads.DBPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	file, err := store.NewFileBackup(cfg.Threads.BackupPath)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// originPatterns turns CORS origins into the host patterns the WebSocket
// handshake matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" || !strings.Contains(o, "://") {
			out = append(out, o)
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
