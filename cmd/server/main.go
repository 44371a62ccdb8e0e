// recall-labs experiment server
package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/recall-labs/internal/api"
	"github.com/ashureev/recall-labs/internal/config"
	"github.com/ashureev/recall-labs/internal/domain"
	"github.com/ashureev/recall-labs/internal/experiment"
	"github.com/ashureev/recall-labs/internal/identity"
	"github.com/ashureev/recall-labs/internal/live"
	"github.com/ashureev/recall-labs/internal/middleware"
	"github.com/ashureev/recall-labs/internal/registry"
	"github.com/ashureev/recall-labs/internal/retention"
	"github.com/ashureev/recall-labs/internal/session"
	"github.com/ashureev/recall-labs/internal/stimuli"
	"github.com/ashureev/recall-labs/internal/store"
	"github.com/ashureev/recall-labs/internal/upload"
	"github.com/ashureev/recall-labs/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "upload_mode", cfg.Upload.Mode)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	catalog, err := stimuli.LoadCatalog()
	if err != nil {
		slog.Error("Failed to load stimulus catalog", "error", err)
		os.Exit(1)
	}
	for _, expType := range []domain.ExperimentType{domain.ExperimentLinguistic, domain.ExperimentVisual} {
		pools, err := catalog.Pools(expType)
		if err != nil {
			slog.Error("Stimulus catalog incomplete", "experiment_type", expType, "error", err)
			os.Exit(1)
		}
		study, foil := pools.Sizes()
		slog.Info("Stimulus pools loaded", "experiment_type", expType, "study", study, "foil", foil)
	}

	var (
		uploader  upload.Uploader
		collector api.Pinger
	)
	switch cfg.Upload.Mode {
	case config.UploadModeGRPC:
		sinkCfg := upload.DefaultGRPCSinkConfig(cfg.Upload.Addr)
		sinkCfg.RequestTimeout = cfg.Upload.Timeout
		sink, err := upload.NewGRPCSink(sinkCfg, logger)
		if err != nil {
			slog.Error("Failed to connect to upload collector", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		uploader = sink
		collector = api.PingFunc(sink.Health)
	default:
		sink, err := upload.NewFileSink(cfg.Upload.Dir, logger)
		if err != nil {
			slog.Error("Failed to initialize upload directory", "error", err)
			os.Exit(1)
		}
		uploader = sink
	}

	// Initialize services.
	sessions := session.NewStore(repo, logger)
	reg := registry.NewService(repo, logger)
	gen := stimuli.NewGenerator(catalog, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), logger)
	svc := experiment.NewService(cfg.Experiment, sessions, reg, gen, uploader, logger)
	sm := live.NewSessionManager()

	// Initialize handlers.
	experimentHandler := api.NewExperimentHandler(svc, sessions, logger)
	healthHandler := api.NewHealthHandler(repo, collector, cfg)
	wsHandler := live.NewWebSocketHandler(svc, sm, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(middleware.Boundary)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	experimentHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket runs are long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention.StartSweeper(ctx, repo, cfg.SessionRetention, retention.DefaultInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sm.CloseAll("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// allowedOrigins returns the CORS origins: any in development, otherwise
// only the configured frontend.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
