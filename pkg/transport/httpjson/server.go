package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/rs/zerolog"

    "github.com/amirimatin/go-swim/internal/logutil"
    "github.com/amirimatin/go-swim/pkg/observability/tracing"
    "github.com/amirimatin/go-swim/pkg/transport"
)

// maxBody bounds request bodies; replica values are far smaller.
const maxBody = 64 << 10

// Server exposes the management endpoints of one node over HTTP/JSON.
type Server struct {
    bind   string
    log    zerolog.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    ln  net.Listener
}

// NewServer binds to the given TCP address (e.g. ":17946") on Start.
func NewServer(bind string, logger zerolog.Logger) *Server {
    return &Server{bind: bind, log: logger.With().Str("component", "httpjson").Logger()}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the route table. It is exported for tests.
func (s *Server) Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
        ctx, sp := tracing.StartSpan(r.Context(), "http.status")
        data, err := h.Status(ctx)
        sp.End(err)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("GET /metrics", promhttp.Handler())
    mux.HandleFunc("POST /join", func(w http.ResponseWriter, r *http.Request) {
        var req transport.JoinRequest
        if !decode(w, r, &req) { return }
        ctx, sp := tracing.StartSpan(r.Context(), "http.join")
        resp, err := h.Join(ctx, req)
        sp.End(err)
        reply(w, resp, err)
    })
    mux.HandleFunc("POST /leave", func(w http.ResponseWriter, r *http.Request) {
        var req transport.LeaveRequest
        if r.ContentLength != 0 && !decode(w, r, &req) { return }
        ctx, sp := tracing.StartSpan(r.Context(), "http.leave")
        resp, err := h.Leave(ctx, req)
        sp.End(err)
        reply(w, resp, err)
    })
    mux.HandleFunc("POST /broadcast", func(w http.ResponseWriter, r *http.Request) {
        var req transport.BroadcastRequest
        if !decode(w, r, &req) { return }
        ctx, sp := tracing.StartSpan(r.Context(), "http.broadcast")
        resp, err := h.Broadcast(ctx, req)
        sp.End(err)
        reply(w, resp, err)
    })
    mux.HandleFunc("GET /state/{key}", func(w http.ResponseWriter, r *http.Request) {
        resp, err := h.Get(r.Context(), transport.GetRequest{Key: r.PathValue("key")})
        if err == nil && !resp.Found { err = transport.Reject(transport.KindNotFound, errors.New("key not found")) }
        reply(w, resp, err)
    })
    mux.HandleFunc("PUT /state/{key}", func(w http.ResponseWriter, r *http.Request) {
        val, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
        if err != nil { http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest); return }
        ctx, sp := tracing.StartSpan(r.Context(), "http.put")
        resp, err := h.Broadcast(ctx, transport.BroadcastRequest{Key: r.PathValue("key"), Value: val})
        sp.End(err)
        reply(w, resp, err)
    })
    mux.HandleFunc("DELETE /state/{key}", func(w http.ResponseWriter, r *http.Request) {
        ctx, sp := tracing.StartSpan(r.Context(), "http.delete")
        resp, err := h.Broadcast(ctx, transport.BroadcastRequest{Key: r.PathValue("key"), Delete: true})
        sp.End(err)
        reply(w, resp, err)
    })
    return mux
}

// Start listens and serves until Stop or ctx is done.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{
        Handler:           s.Handler(h),
        ReadHeaderTimeout: 5 * time.Second,
        ErrorLog:          logutil.Std(s.log, "http"),
    }
    s.mu.Lock()
    s.srv, s.ln = srv, ln
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            s.log.Error().Err(err).Msg("httpjson: server error")
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
    if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
        http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
        return false
    }
    return true
}

func reply(w http.ResponseWriter, resp any, err error) {
    w.Header().Set("Content-Type", "application/json")
    if err != nil { w.WriteHeader(statusCode(transport.KindOf(err))) }
    _ = json.NewEncoder(w).Encode(resp)
}

func statusCode(k transport.Kind) int {
    switch k {
    case transport.KindInvalid:
        return http.StatusBadRequest
    case transport.KindConflict:
        return http.StatusConflict
    case transport.KindForbidden:
        return http.StatusForbidden
    case transport.KindUnavailable:
        return http.StatusServiceUnavailable
    case transport.KindNotFound:
        return http.StatusNotFound
    }
    return http.StatusInternalServerError
}

var _ transport.RPCServer = (*Server)(nil)
