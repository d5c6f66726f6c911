// Package grpcserver exposes the service over gRPC as
// strata.StorageService and provides a typed client for it.
package grpcserver

import (
	"context"
	"io"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"

	pb "strata/api/storagepb"
	"strata/domain/table"
	"strata/infra/codec"
	"strata/infra/wal"
	"strata/service"
)

type Options struct {
	Logger log.Logger
	// ResponseVersion encodes read chunks; zero means plain.
	ResponseVersion uint8
	MaxRecvMsgBytes int
	MaxSendMsgBytes int
}

// Server adapts the service to gRPC.
type Server struct {
	svc     *service.Service
	logger  log.Logger
	version uint8
	grpc    *grpc.Server
	lis     net.Listener
}

func New(svc *service.Service, opts Options, extra ...grpc.ServerOption) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.ResponseVersion == 0 {
		opts.ResponseVersion = codec.VersionPlain
	}
	var sopts []grpc.ServerOption
	if opts.MaxRecvMsgBytes > 0 {
		sopts = append(sopts, grpc.MaxRecvMsgSize(opts.MaxRecvMsgBytes))
	}
	if opts.MaxSendMsgBytes > 0 {
		sopts = append(sopts, grpc.MaxSendMsgSize(opts.MaxSendMsgBytes))
	}
	s := &Server{
		svc:     svc,
		logger:  log.With(opts.Logger, "component", "grpc"),
		version: opts.ResponseVersion,
		grpc:    grpc.NewServer(append(sopts, extra...)...),
	}
	pb.RegisterStorageServiceServer(s.grpc, s)
	return s
}

// GRPC exposes the underlying server, mainly for tests serving on a custom
// listener.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	s.lis = l
	level.Info(s.logger).Log("msg", "grpc listening", "addr", l.Addr())
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	s.grpc.GracefulStop()
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// -------------------- Commands --------------------

func (s *Server) Write(ctx context.Context, req *pb.WriteRequest) (*pb.WriteResponse, error) {
	id := req.Table.Identifier()
	if !s.svc.Ready() {
		return &pb.WriteResponse{Header: s.headerFor(wal.ErrNotReady, "write", id)}, nil
	}
	n, err := s.svc.HandleWrite(ctx, id, req.RowGroup)
	if err != nil {
		return &pb.WriteResponse{Header: s.headerFor(err, "write", id)}, nil
	}
	level.Debug(s.logger).Log("msg", "write", "table", id, "rows", n)
	return &pb.WriteResponse{AffectedRows: uint32(n)}, nil
}

// -------------------- Queries --------------------

// Read streams result chunks. The first failure is sent as one chunk with
// an error header and ends the stream.
func (s *Server) Read(req *pb.ReadRequest, stream pb.ReadServer) error {
	ctx := stream.Context()
	id := req.Table.Identifier()
	if !s.svc.Ready() {
		return stream.Send(&pb.ReadResponse{Header: s.headerFor(wal.ErrNotReady, "read", id)})
	}

	rs, err := s.svc.HandleRead(ctx, id, toReadRequest(req.Read))
	if err != nil {
		return stream.Send(&pb.ReadResponse{Header: s.headerFor(err, "read", id)})
	}
	defer rs.Close()

	chunks := 0
	for {
		rows, err := rs.Next(ctx)
		if err == io.EOF {
			level.Debug(s.logger).Log("msg", "read done", "table", id, "request_id", req.Read.RequestID, "chunks", chunks)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return stream.Send(&pb.ReadResponse{Header: s.headerFor(err, "read", id)})
		}
		payload, err := codec.Encode(table.RowGroup{Schema: rs.Schema, Version: s.version, Rows: rows})
		if err != nil {
			return stream.Send(&pb.ReadResponse{Header: s.headerFor(err, "read", id)})
		}
		if err := stream.Send(&pb.ReadResponse{Version: uint32(s.version), Rows: payload}); err != nil {
			return err
		}
		chunks++
	}
}

func toReadRequest(spec pb.ReadSpec) service.ReadRequest {
	tr := table.AllTime()
	if spec.Predicate.TimeRange != nil {
		tr = table.TimeRange{Start: spec.Predicate.TimeRange.Start, End: spec.Predicate.TimeRange.End}
	}
	return service.ReadRequest{
		RequestID:       spec.RequestID,
		BatchSize:       int(spec.Opts.BatchSize),
		ReadParallelism: int(spec.Opts.ReadParallelism),
		Projection:      spec.ProjectedSchema,
		Predicate:       service.Predicate{Exprs: spec.Predicate.Exprs, TimeRange: tr},
		Order:           toOrder(spec.Order),
	}
}

// --- converters ---

func toOrder(o pb.Order) table.Order {
	switch o {
	case pb.OrderNone:
		return table.OrderNone
	case pb.OrderAsc:
		return table.OrderAsc
	case pb.OrderDesc:
		return table.OrderDesc
	default:
		return table.Order(o)
	}
}

func fromOrder(o table.Order) pb.Order {
	switch o {
	case table.OrderAsc:
		return pb.OrderAsc
	case table.OrderDesc:
		return pb.OrderDesc
	default:
		return pb.OrderNone
	}
}

// headerFor maps an error to a response header. The message is a summary
// plus the first line of the cause; full detail goes to the log.
func (s *Server) headerFor(err error, op string, id table.Identifier) pb.Header {
	code, summary := classify(err)
	lvl := level.Warn
	if code >= pb.CodeInternal {
		lvl = level.Error
	}
	lvl(s.logger).Log("msg", op+" failed", "table", id, "code", code, "err", err)

	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return pb.Header{Code: code, Error: summary + ": " + msg}
}

func classify(err error) (uint32, string) {
	switch {
	case errors.Is(err, service.ErrUnknownTable):
		return pb.CodeNotFound, "table not found"
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, service.ErrSerialization):
		return pb.CodeInvalid, "invalid request"
	case errors.Is(err, wal.ErrRangeTruncated):
		return pb.CodeTruncated, "data no longer available"
	case errors.Is(err, wal.ErrBackendUnavailable),
		errors.Is(err, wal.ErrNotReady),
		errors.Is(err, wal.ErrRegionClosed),
		errors.Is(err, wal.ErrRegionNotRecovered),
		errors.Is(err, context.DeadlineExceeded):
		return pb.CodeUnavailable, "service unavailable"
	default:
		return pb.CodeInternal, "internal error"
	}
}
