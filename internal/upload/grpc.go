package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCSinkConfig holds configuration for the collector client.
type GRPCSinkConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCSinkConfig returns default configuration for addr.
func DefaultGRPCSinkConfig(addr string) GRPCSinkConfig {
	return GRPCSinkConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCSink uploads batches to a remote collector.
type GRPCSink struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
	logger  *slog.Logger
}

// NewGRPCSink connects to the collector at cfg.Address and waits until the
// connection is ready or ConnectTimeout passes.
func NewGRPCSink(cfg GRPCSinkConfig, logger *slog.Logger) (*GRPCSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to collector at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("collector at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to upload collector", "address", cfg.Address)
	return &GRPCSink{conn: conn, closer: conn.Close, timeout: cfg.RequestTimeout, logger: logger}, nil
}

// NewGRPCSinkFromConn wraps an existing connection.
func NewGRPCSinkFromConn(conn grpc.ClientConnInterface, timeout time.Duration, logger *slog.Logger) *GRPCSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCSink{conn: conn, timeout: timeout, logger: logger}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Upload implements Uploader.
func (s *GRPCSink) Upload(ctx context.Context, b Batch) (Receipt, error) {
	if err := b.validate(); err != nil {
		return Receipt{}, err
	}
	req, err := toStruct(b)
	if err != nil {
		return Receipt{}, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, UploadMethod, req, resp); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	receipt := receiptFromStruct(resp)
	s.logger.Info("batch uploaded",
		"experiment_id", b.ExperimentID,
		"subject_id", b.SubjectID,
		"records", len(b.Records),
		"receipt_id", receipt.ID)
	return receipt, nil
}

// Health checks that the collector reports SERVING.
func (s *GRPCSink) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(s.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: CollectorService})
	if err != nil {
		return fmt.Errorf("collector health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("collector status %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (s *GRPCSink) Close() {
	if s.closer == nil {
		return
	}
	if err := s.closer(); err != nil {
		s.logger.Warn("failed to close gRPC connection", "error", err)
	}
}
