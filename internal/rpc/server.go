package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/shared"
)

const (
	ServiceName  = "fleetwatch.v1.Ingest"
	ReportMethod = "/" + ServiceName + "/Report"
)

// IngestServer is the server side of the Ingest service.
type IngestServer interface {
	Report(ctx context.Context, rep *shared.Report) (*shared.ReportAck, error)
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Report", Handler: reportHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleetwatch/ingest",
}

func reportHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(shared.Report)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IngestServer).Report(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReportMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngestServer).Report(ctx, req.(*shared.Report))
	}
	return interceptor(ctx, in, info, handler)
}

func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&ingestServiceDesc, srv)
}

// Reporter applies a report; *fleet.Registry implements it.
type Reporter interface {
	Upsert(ctx context.Context, rep shared.Report) (fleet.MachineRecord, error)
}

// Observer counts ingested reports by result.
type Observer interface {
	ObserveReport(transport, result string)
}

// Service implements IngestServer on top of the registry.
type Service struct {
	reg      Reporter
	observer Observer
	logger   *slog.Logger
}

func NewService(reg Reporter, observer Observer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{reg: reg, observer: observer, logger: logger}
}

func (s *Service) Report(ctx context.Context, rep *shared.Report) (*shared.ReportAck, error) {
	_, err := s.reg.Upsert(ctx, *rep)
	var verr *fleet.ValidationError
	switch {
	case err == nil:
		s.observe("ok")
		return &shared.ReportAck{Status: "ok"}, nil
	case errors.As(err, &verr):
		s.observe("invalid")
		return nil, status.Error(codes.InvalidArgument, verr.Error())
	default:
		s.observe("error")
		s.logger.Error("grpc report failed", "address", rep.IP, "error", err)
		return nil, status.Error(codes.Internal, "storage error")
	}
}

func (s *Service) observe(result string) {
	if s.observer != nil {
		s.observer.ObserveReport("grpc", result)
	}
}

// LoggingInterceptor logs every unary call at debug level and failures at
// warn.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("grpc call failed", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
		} else {
			logger.Debug("grpc call", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}
