package udp

import (
    "context"
    "errors"
    "fmt"
    "net"
    "strconv"
    "sync"
    "time"

    sockaddr "github.com/hashicorp/go-sockaddr"
    "github.com/rs/zerolog"

    "github.com/amirimatin/go-swim/pkg/observability/metrics"
    "github.com/amirimatin/go-swim/pkg/transport"
)

// bufSize is large enough for any wire frame.
const bufSize = 65507

type Options struct {
    // Bind is host:port; port 0 picks a free port.
    Bind string
    // Advertise overrides the address reported by Addr.
    Advertise string
    // Queue is the inbound packet buffer; packets beyond it are dropped.
    Queue  int
    Logger zerolog.Logger
}

type impl struct {
    conn    *net.UDPConn
    addr    string
    log     zerolog.Logger
    packets chan transport.Packet

    mu     sync.Mutex
    closed bool
    wg     sync.WaitGroup
}

var _ transport.Transport = (*impl)(nil)

// New binds a UDP socket and starts reading from it.
func New(opts Options) (transport.Transport, error) {
    if opts.Bind == "" { return nil, errors.New("udp: empty bind address") }
    if opts.Queue <= 0 { opts.Queue = 1024 }
    la, err := net.ResolveUDPAddr("udp", opts.Bind)
    if err != nil { return nil, fmt.Errorf("udp: resolve %q: %w", opts.Bind, err) }
    conn, err := net.ListenUDP("udp", la)
    if err != nil { return nil, fmt.Errorf("udp: listen %q: %w", opts.Bind, err) }
    addr := opts.Advertise
    if addr == "" {
        if addr, err = advertiseAddr(conn.LocalAddr().(*net.UDPAddr)); err != nil {
            _ = conn.Close()
            return nil, err
        }
    }
    t := &impl{conn: conn, addr: addr, log: opts.Logger, packets: make(chan transport.Packet, opts.Queue)}
    t.wg.Add(1)
    go t.readLoop()
    return t, nil
}

// advertiseAddr replaces an unspecified bind host with the first private
// interface address, the way memberlist picks its advertise address.
func advertiseAddr(la *net.UDPAddr) (string, error) {
    port := strconv.Itoa(la.Port)
    if !la.IP.IsUnspecified() { return net.JoinHostPort(la.IP.String(), port), nil }
    ip, err := sockaddr.GetPrivateIP()
    if err != nil { return "", fmt.Errorf("udp: pick advertise address: %w", err) }
    if ip == "" { ip = "127.0.0.1" }
    return net.JoinHostPort(ip, port), nil
}

func (t *impl) Addr() string { return t.addr }

func (t *impl) Packets() <-chan transport.Packet { return t.packets }

func (t *impl) readLoop() {
    defer t.wg.Done()
    defer close(t.packets)
    buf := make([]byte, bufSize)
    for {
        n, from, err := t.conn.ReadFromUDP(buf)
        if err != nil {
            if errors.Is(err, net.ErrClosed) { return }
            t.log.Debug().Err(err).Msg("udp: read")
            continue
        }
        p := transport.Packet{From: from.String(), Buf: append([]byte(nil), buf[:n]...), At: time.Now()}
        select {
        case t.packets <- p:
        default:
            metrics.MessagesDropped.WithLabelValues("inbound_full").Inc()
        }
    }
}

// Send writes buf as one datagram. Unresolvable addresses are dropped.
func (t *impl) Send(ctx context.Context, addr string, buf []byte) error {
    t.mu.Lock()
    closed := t.closed
    t.mu.Unlock()
    if closed { return transport.ErrClosed }
    ra, err := net.ResolveUDPAddr("udp", addr)
    if err != nil {
        t.log.Debug().Str("peer", addr).Err(err).Msg("udp: dropping send to unresolvable address")
        return nil
    }
    dl, _ := ctx.Deadline()
    _ = t.conn.SetWriteDeadline(dl)
    _, err = t.conn.WriteToUDP(buf, ra)
    return err
}

func (t *impl) Close() error {
    t.mu.Lock()
    if t.closed {
        t.mu.Unlock()
        return nil
    }
    t.closed = true
    t.mu.Unlock()
    err := t.conn.Close()
    t.wg.Wait()
    return err
}
