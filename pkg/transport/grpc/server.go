package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-swim/pkg/observability/tracing"
    "github.com/amirimatin/go-swim/pkg/transport"
)

const serviceName = "swim.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    tlsCfg *tls.Config

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct{ Data []byte `json:"data"` }

type managementServer interface {
    Status(ctx context.Context, in *empty) (*statusBlob, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
    Broadcast(ctx context.Context, in *transport.BroadcastRequest) (*transport.BroadcastResponse, error)
    Get(ctx context.Context, in *transport.GetRequest) (*transport.GetResponse, error)
}

type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) Status(ctx context.Context, _ *empty) (*statusBlob, error) {
    ctx, sp := tracing.StartSpan(ctx, "grpc.status")
    b, err := m.h.Status(ctx)
    sp.End(err)
    if err != nil { return nil, toStatus(err) }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    ctx, sp := tracing.StartSpan(ctx, "grpc.join")
    out, err := m.h.Join(ctx, *in)
    sp.End(err)
    if err != nil { return nil, toStatus(err) }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    ctx, sp := tracing.StartSpan(ctx, "grpc.leave")
    out, err := m.h.Leave(ctx, *in)
    sp.End(err)
    if err != nil { return nil, toStatus(err) }
    return &out, nil
}

func (m *mgmtImpl) Broadcast(ctx context.Context, in *transport.BroadcastRequest) (*transport.BroadcastResponse, error) {
    ctx, sp := tracing.StartSpan(ctx, "grpc.broadcast")
    out, err := m.h.Broadcast(ctx, *in)
    sp.End(err)
    if err != nil { return nil, toStatus(err) }
    return &out, nil
}

func (m *mgmtImpl) Get(ctx context.Context, in *transport.GetRequest) (*transport.GetResponse, error) {
    out, err := m.h.Get(ctx, *in)
    if err != nil { return nil, toStatus(err) }
    return &out, nil
}

var codeOf = map[transport.Kind]codes.Code{
    transport.KindInternal:    codes.Internal,
    transport.KindInvalid:     codes.InvalidArgument,
    transport.KindConflict:    codes.FailedPrecondition,
    transport.KindForbidden:   codes.PermissionDenied,
    transport.KindUnavailable: codes.Unavailable,
    transport.KindNotFound:    codes.NotFound,
}

func toStatus(err error) error { return status.Error(codeOf[transport.KindOf(err)], err.Error()) }

// fromStatus turns a call error back into a classified rejection.
func fromStatus(err error) error {
    st, ok := status.FromError(err)
    if !ok { return err }
    for k, c := range codeOf {
        if c == st.Code() && k != transport.KindInternal { return transport.Reject(k, errorString(st.Message())) }
    }
    return err
}

type errorString string

func (e errorString) Error() string { return string(e) }

// Service descriptor and handlers, written by hand so no protobuf codegen
// is needed.
var managementDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        method("Status", func(s managementServer, ctx context.Context, in *empty) (any, error) { return s.Status(ctx, in) }),
        method("Join", func(s managementServer, ctx context.Context, in *transport.JoinRequest) (any, error) { return s.Join(ctx, in) }),
        method("Leave", func(s managementServer, ctx context.Context, in *transport.LeaveRequest) (any, error) { return s.Leave(ctx, in) }),
        method("Broadcast", func(s managementServer, ctx context.Context, in *transport.BroadcastRequest) (any, error) { return s.Broadcast(ctx, in) }),
        method("Get", func(s managementServer, ctx context.Context, in *transport.GetRequest) (any, error) { return s.Get(ctx, in) }),
    },
}

// method adapts a typed call into a grpc.MethodDesc.
func method[In any](name string, call func(managementServer, context.Context, *In) (any, error)) grpc.MethodDesc {
    return grpc.MethodDesc{MethodName: name, Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
        in := new(In)
        if err := dec(in); err != nil { return nil, err }
        ms := srv.(managementServer)
        if interceptor == nil { return call(ms, ctx, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
        return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
            return call(ms, ctx, req.(*In))
        })
    }}
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    // The JSON codec is picked by content-subtype, so the protobuf health
    // service keeps working on the same server.
    opts := []grpc.ServerOption{
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    healthpb.RegisterHealthServer(srv, hs)
    hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
    srv.RegisterService(&managementDesc, &mgmtImpl{h: h})

    s.mu.Lock()
    s.lis, s.srv, s.health = lis, srv, hs
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop marks the service not serving and stops gracefully, forcing the stop
// when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, hs := s.srv, s.health
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    hs.Shutdown()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    case <-time.After(2 * time.Second):
        srv.Stop()
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
