// Package adminrpc exposes compaction control over gRPC without generated
// stubs. Messages are plain Go structs carried by a JSON codec; callers select
// it with the "json" content subtype, so the default proto codec stays intact
// for other services on the same server (health checks).
package adminrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/valamuri2020/FYDP-2025-G55/shared/compact"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "clipvault.admin.v1.ClipAdmin"

const (
	methodCompact    = "/" + ServiceName + "/Compact"
	methodLastReport = "/" + ServiceName + "/LastReport"
)

// CodecName is the content subtype both ends must use.
const CodecName = "json"

// ──────────────────────────────────────────────────────────────────────────────
// Codec: JSON for our structs, protojson for well-known proto types.
// ──────────────────────────────────────────────────────────────────────────────

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if pm, ok := v.(proto.Message); ok {
		return protojson.Marshal(pm)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if pm, ok := v.(proto.Message); ok {
		if len(data) == 0 {
			return nil
		}
		return protojson.Unmarshal(data, pm)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsonCodec: cannot unmarshal into %T: %w", v, err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Messages
// ──────────────────────────────────────────────────────────────────────────────

// CompactRequest asks for one compaction run. ThresholdSeconds <= 0 uses the
// server's configured gap.
type CompactRequest struct {
	ThresholdSeconds float64 `json:"threshold_s,omitempty"`
	Reason           string  `json:"reason,omitempty"`
}

// CompactResponse acknowledges a run that is now under way. Its outcome is
// read back with LastReport once the report's StartedAt is not before
// StartedAt here.
type CompactResponse struct {
	Accepted  bool      `json:"accepted"`
	StartedAt time.Time `json:"started_at"`
}

type LastReportResponse struct {
	Found   bool             `json:"found"`
	Summary *compact.Summary `json:"summary,omitempty"`
}

// Threshold converts the request's seconds into a duration. Values the server
// would reject come back as 0.
func (r *CompactRequest) Threshold() time.Duration {
	if r == nil {
		return 0
	}
	d, err := compact.ThresholdFromSeconds(r.ThresholdSeconds)
	if err != nil {
		return 0
	}
	return d
}

// ──────────────────────────────────────────────────────────────────────────────
// Server
// ──────────────────────────────────────────────────────────────────────────────

// Compacter is what the service drives. *compact.Runner implements it.
type Compacter interface {
	Start(ctx context.Context, threshold time.Duration) (time.Time, error)
	LastReport(ctx context.Context) (compact.Summary, bool, error)
}

// ClipAdminServer is the service contract registered with grpc.Server.
type ClipAdminServer interface {
	Compact(context.Context, *CompactRequest) (*CompactResponse, error)
	LastReport(context.Context, *emptypb.Empty) (*LastReportResponse, error)
}

// Server implements ClipAdminServer over a Compacter.
type Server struct {
	runner Compacter
	log    *slog.Logger
}

func NewServer(runner Compacter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{runner: runner, log: log}
}

// Compact starts a run and returns without waiting for it. The run is not tied
// to the call, so a client that gives up early does not cut it short.
func (s *Server) Compact(ctx context.Context, req *CompactRequest) (*CompactResponse, error) {
	threshold, err := compact.ThresholdFromSeconds(req.ThresholdSeconds)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "threshold_s: %v", err)
	}
	s.log.Info("compaction requested over gRPC", "threshold_s", req.ThresholdSeconds, "reason", req.Reason)

	started, err := s.runner.Start(ctx, threshold)
	switch {
	case errors.Is(err, compact.ErrAlreadyRunning):
		return nil, status.Error(codes.Aborted, err.Error())
	case err != nil:
		return nil, status.Errorf(codes.Internal, "compact: %v", err)
	}
	return &CompactResponse{Accepted: true, StartedAt: started}, nil
}

func (s *Server) LastReport(ctx context.Context, _ *emptypb.Empty) (*LastReportResponse, error) {
	sum, ok, err := s.runner.LastReport(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load report: %v", err)
	}
	if !ok {
		return &LastReportResponse{}, nil
	}
	return &LastReportResponse{Found: true, Summary: &sum}, nil
}

// Register adds the service to g.
func Register(g *grpc.Server, srv ClipAdminServer) {
	g.RegisterService(&clipAdminServiceDesc, srv)
}

// ──────────────────────────────────────────────────────────────────────────────
// gRPC service descriptor (normally generated by protoc-gen-go-grpc)
// ──────────────────────────────────────────────────────────────────────────────

var clipAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClipAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compact", Handler: compactHandler},
		{MethodName: "LastReport", Handler: lastReportHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clipvault/admin/v1/admin.proto",
}

func compactHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CompactRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClipAdminServer).Compact(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCompact}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClipAdminServer).Compact(ctx, req.(*CompactRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func lastReportHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClipAdminServer).LastReport(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLastReport}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClipAdminServer).LastReport(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// LoggingInterceptor logs every unary call with its outcome.
func LoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"elapsed", time.Since(start),
		)
		return resp, err
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client calls a remote ClipAdmin service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to addr without transport security. The admin port is meant
// for the compactor's private network only.
func Dial(addr string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

func (c *Client) Compact(ctx context.Context, req *CompactRequest) (*CompactResponse, error) {
	out := new(CompactResponse)
	if err := c.cc.Invoke(ctx, methodCompact, req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LastReport(ctx context.Context) (*LastReportResponse, error) {
	out := new(LastReportResponse)
	if err := c.cc.Invoke(ctx, methodLastReport, &emptypb.Empty{}, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}
