package upload

import (
	"context"
	"errors"
	"log/slog"

	"github.com/containerd/errdefs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// CollectorService is the gRPC service name of the collector.
	CollectorService = "recall.collector.v1.Collector"
	// UploadMethod is the full method name of the upload call.
	UploadMethod = "/" + CollectorService + "/Upload"
)

// CollectorServer is the server API of the collector service.
type CollectorServer interface {
	Upload(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Collector receives batches over gRPC and stores them with a local sink.
type Collector struct {
	sink   Uploader
	logger *slog.Logger
}

// NewCollector creates a collector that stores into sink.
func NewCollector(sink Uploader, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{sink: sink, logger: logger}
}

// Upload implements CollectorServer.
func (c *Collector) Upload(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	b, err := fromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	receipt, err := c.sink.Upload(ctx, b)
	if err != nil {
		c.logger.Error("failed to store batch", "experiment_id", b.ExperimentID, "subject_id", b.SubjectID, "error", err)
		return nil, status.Error(grpcCode(err), err.Error())
	}
	return receiptToStruct(receipt)
}

func grpcCode(err error) codes.Code {
	switch {
	case errdefs.IsInvalidArgument(err):
		return codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// Register adds the collector and a health service to s.
func (c *Collector) Register(s *grpc.Server) *health.Server {
	s.RegisterService(&collectorServiceDesc, c)

	hs := health.NewServer()
	hs.SetServingStatus(CollectorService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

func uploadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).Upload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: UploadMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollectorServer).Upload(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var collectorServiceDesc = grpc.ServiceDesc{
	ServiceName: CollectorService,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Upload", Handler: uploadHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recall/collector/v1/collector.proto",
}
