package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "github.com/avast/retry-go/v4"
    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-swim/pkg/transport"
)

// Client calls the management service with the JSON codec over cached
// connections. Unavailable and deadline errors are retried.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    once sync.Once
    pool *connPool
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// Close releases cached connections.
func (c *Client) Close() {
    if c.pool != nil { c.pool.close() }
}

func (c *Client) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
    creds := insecure.NewCredentials()
    if c.tlsCfg != nil { creds = credentials.NewTLS(c.tlsCfg) }
    return grpc.NewClient(target,
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithTransportCredentials(creds),
    )
}

func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.once.Do(func() { c.pool = newConnPool(30*time.Second, c.dial) })
    return c.pool.get(ctx, addr)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    return retry.Do(func() error {
        cctx, cancel := context.WithTimeout(ctx, c.timeout)
        defer cancel()
        cc, rel, err := c.getConn(cctx, addr)
        if err != nil { return err }
        defer rel()
        err = cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
        if err == nil { return nil }
        switch status.Code(err) {
        case codes.Unavailable, codes.DeadlineExceeded:
            return err
        }
        return retry.Unrecoverable(fromStatus(err))
    },
        retry.Context(ctx),
        retry.Attempts(3),
        retry.Delay(100*time.Millisecond),
        retry.LastErrorOnly(true),
    )
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "Status", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var resp transport.JoinResponse
    if err := c.invoke(ctx, addr, "Join", &req, &resp); err != nil { return transport.JoinResponse{Error: err.Error()}, err }
    return resp, nil
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var resp transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &resp); err != nil { return transport.LeaveResponse{Error: err.Error()}, err }
    return resp, nil
}

func (c *Client) PostBroadcast(ctx context.Context, addr string, req transport.BroadcastRequest) (transport.BroadcastResponse, error) {
    var resp transport.BroadcastResponse
    if err := c.invoke(ctx, addr, "Broadcast", &req, &resp); err != nil { return transport.BroadcastResponse{Error: err.Error()}, err }
    return resp, nil
}

func (c *Client) GetValue(ctx context.Context, addr string, req transport.GetRequest) (transport.GetResponse, error) {
    var resp transport.GetResponse
    if err := c.invoke(ctx, addr, "Get", &req, &resp); err != nil { return transport.GetResponse{Error: err.Error()}, err }
    return resp, nil
}

var _ transport.RPCClient = (*Client)(nil)
