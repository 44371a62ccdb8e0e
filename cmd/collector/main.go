// Command collector receives experiment data uploads over gRPC and stores
// them as JSON files.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/recall-labs/internal/upload"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var version = "dev" // set via ldflags at build time

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := newRootCmd(logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	var addr, dir string

	root := &cobra.Command{
		Use:           "collector",
		Short:         "Upload collector for recall-labs experiment data",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			return serve(ctx, lis, dir, logger)
		},
	}
	root.PersistentFlags().StringVar(&addr, "addr", envOr("COLLECTOR_ADDR", ":50052"), "gRPC listen/dial address")
	root.Flags().StringVar(&dir, "dir", envOr("COLLECTOR_DIR", "./data/collected"), "directory batches are written to")

	root.AddCommand(newHealthCmd(&addr, logger))
	return root
}

func newHealthCmd(addr *string, logger *slog.Logger) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that a running collector is serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := upload.DefaultGRPCSinkConfig(*addr)
			cfg.ConnectTimeout = timeout
			sink, err := upload.NewGRPCSink(cfg, logger)
			if err != nil {
				return err
			}
			defer sink.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := sink.Health(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect and check timeout")
	return cmd
}

// serve runs the collector on lis until ctx is done.
func serve(ctx context.Context, lis net.Listener, dir string, logger *slog.Logger) error {
	sink, err := upload.NewFileSink(dir, logger)
	if err != nil {
		return err
	}

	srv := grpc.NewServer()
	hs := upload.NewCollector(sink, logger).Register(srv)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Collector listening", "addr", lis.Addr().String(), "dir", dir)
		errCh <- srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("collector stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down collector gracefully...")
	hs.SetServingStatus(upload.CollectorService, healthpb.HealthCheckResponse_NOT_SERVING)

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("Graceful stop timed out, forcing")
		srv.Stop()
	}
	logger.Info("Collector stopped")
	return nil
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
