package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/connectivity"

    "github.com/amirimatin/go-swim/pkg/observability/metrics"
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// connPool shares one connection per management address. Idle entries
// and connections that have shut down are closed by a janitor.
type connPool struct {
    idle time.Duration
    dial dialFunc

    mu     sync.Mutex
    conns  map[string]*pooled
    closed bool
    stop   chan struct{}
}

type pooled struct {
    cc   *grpc.ClientConn
    used time.Time
    refs int
}

func newConnPool(idle time.Duration, dial dialFunc) *connPool {
    if idle <= 0 { idle = 30 * time.Second }
    p := &connPool{idle: idle, dial: dial, conns: make(map[string]*pooled), stop: make(chan struct{})}
    go p.janitor()
    return p
}

// get returns a connection to addr and a release func the caller must run.
func (p *connPool) get(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    if cc, ok := p.acquire(addr); ok {
        metrics.GRPCConnReuse.Inc()
        return cc, func() { p.release(addr) }, nil
    }
    cc, err := p.dial(ctx, addr)
    if err != nil { return nil, nil, err }

    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed {
        _ = cc.Close()
        return nil, nil, grpc.ErrClientConnClosing
    }
    if e, ok := p.conns[addr]; ok {
        // lost a dial race
        _ = cc.Close()
        e.refs++
        e.used = time.Now()
        return e.cc, func() { p.release(addr) }, nil
    }
    p.conns[addr] = &pooled{cc: cc, used: time.Now(), refs: 1}
    metrics.GRPCConnDials.Inc()
    metrics.GRPCConnActive.Inc()
    return cc, func() { p.release(addr) }, nil
}

func (p *connPool) acquire(addr string) (*grpc.ClientConn, bool) {
    p.mu.Lock()
    defer p.mu.Unlock()
    e, ok := p.conns[addr]
    if !ok || e.cc.GetState() == connectivity.Shutdown { return nil, false }
    e.refs++
    e.used = time.Now()
    return e.cc, true
}

func (p *connPool) release(addr string) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if e, ok := p.conns[addr]; ok {
        if e.refs > 0 { e.refs-- }
        e.used = time.Now()
    }
}

func (p *connPool) size() int {
    p.mu.Lock()
    defer p.mu.Unlock()
    return len(p.conns)
}

func (p *connPool) close() {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed { return }
    p.closed = true
    close(p.stop)
    for addr := range p.conns { p.drop(addr) }
}

// drop closes and forgets addr. Callers hold mu.
func (p *connPool) drop(addr string) {
    _ = p.conns[addr].cc.Close()
    delete(p.conns, addr)
    metrics.GRPCConnActive.Dec()
}

func (p *connPool) sweep(now time.Time) {
    p.mu.Lock()
    defer p.mu.Unlock()
    for addr, e := range p.conns {
        stale := e.refs == 0 && now.Sub(e.used) >= p.idle
        if stale || e.cc.GetState() == connectivity.Shutdown {
            p.drop(addr)
            metrics.GRPCConnEvictions.Inc()
        }
    }
}

func (p *connPool) janitor() {
    t := time.NewTicker(p.idle / 2)
    defer t.Stop()
    for {
        select {
        case <-p.stop:
            return
        case now := <-t.C:
            p.sweep(now)
        }
    }
}
