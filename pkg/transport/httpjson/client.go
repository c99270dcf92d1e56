package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "time"

    "github.com/avast/retry-go/v4"

    "github.com/amirimatin/go-swim/pkg/transport"
)

// Client is a thin HTTP client for the management API. Transport failures
// and 5xx replies are retried with backoff; rejections (4xx) are returned at
// once, classified with transport.Reject.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    attempts  uint
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, attempts: 3}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    c.transport.TLSClientConfig = cfg
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends one request, retrying transient failures, and returns the body
// of a 2xx reply. For a rejection the body is returned with the error so
// callers can decode the response's Error field.
func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
    var out []byte
    err := retry.Do(func() error {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, u, rd)
        if err != nil { return retry.Unrecoverable(err) }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err != nil { return err }
        defer resp.Body.Close()
        b, err := io.ReadAll(resp.Body)
        if err != nil { return err }
        out = b
        switch {
        case resp.StatusCode >= 200 && resp.StatusCode < 300:
            return nil
        case resp.StatusCode >= 500 && resp.StatusCode != http.StatusServiceUnavailable:
            return fmt.Errorf("httpjson: %s %s: status %d", method, u, resp.StatusCode)
        }
        return retry.Unrecoverable(transport.Reject(kindOf(resp.StatusCode), rejection(resp.StatusCode, b)))
    },
        retry.Context(ctx),
        retry.Attempts(c.attempts),
        retry.Delay(100*time.Millisecond),
        retry.LastErrorOnly(true),
    )
    return out, err
}

func rejection(code int, body []byte) error {
    var e struct{ Error string `json:"error"` }
    if json.Unmarshal(body, &e) == nil && e.Error != "" { return errors.New(e.Error) }
    return fmt.Errorf("status %d: %s", code, bytes.TrimSpace(body))
}

func kindOf(code int) transport.Kind {
    switch code {
    case http.StatusBadRequest:
        return transport.KindInvalid
    case http.StatusConflict:
        return transport.KindConflict
    case http.StatusForbidden:
        return transport.KindForbidden
    case http.StatusServiceUnavailable:
        return transport.KindUnavailable
    case http.StatusNotFound:
        return transport.KindNotFound
    }
    return transport.KindInternal
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodGet, c.url(addr, "/status"), nil)
}

func (c *Client) post(ctx context.Context, addr, path string, req, out any) error {
    body, err := json.Marshal(req)
    if err != nil { return err }
    b, err := c.do(ctx, http.MethodPost, c.url(addr, path), body)
    if len(b) > 0 { _ = json.Unmarshal(b, out) }
    return err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := c.post(ctx, addr, "/join", req, &out)
    return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    err := c.post(ctx, addr, "/leave", req, &out)
    return out, err
}

func (c *Client) PostBroadcast(ctx context.Context, addr string, req transport.BroadcastRequest) (transport.BroadcastResponse, error) {
    var out transport.BroadcastResponse
    err := c.post(ctx, addr, "/broadcast", req, &out)
    return out, err
}

// GetValue reads a key; a missing key is Found=false with no error.
func (c *Client) GetValue(ctx context.Context, addr string, req transport.GetRequest) (transport.GetResponse, error) {
    var out transport.GetResponse
    b, err := c.do(ctx, http.MethodGet, c.url(addr, "/state/"+url.PathEscape(req.Key)), nil)
    if transport.KindOf(err) == transport.KindNotFound { return transport.GetResponse{}, nil }
    if err != nil { return out, err }
    if err := json.Unmarshal(b, &out); err != nil { return out, fmt.Errorf("httpjson: decode value: %w", err) }
    return out, nil
}

var _ transport.RPCClient = (*Client)(nil)
