// Package mem is an in-process packet network. Several nodes can share one
// Network in a single test process, and links can be cut to simulate
// failures and partitions.
package mem

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-swim/pkg/transport"
)

type Network struct {
    mu      sync.RWMutex
    eps     map[string]*Endpoint
    blocked map[string]bool   // address fully isolated
    cut     map[[2]string]bool // directional link from -> to
}

func NewNetwork() *Network {
    return &Network{eps: map[string]*Endpoint{}, blocked: map[string]bool{}, cut: map[[2]string]bool{}}
}

// Endpoint is a Transport attached to a Network.
type Endpoint struct {
    net     *Network
    addr    string
    packets chan transport.Packet

    mu     sync.Mutex
    closed bool
}

var _ transport.Transport = (*Endpoint)(nil)

// Listen attaches a new endpoint at addr, replacing any closed one.
func (n *Network) Listen(addr string) *Endpoint {
    ep := &Endpoint{net: n, addr: addr, packets: make(chan transport.Packet, 512)}
    n.mu.Lock()
    n.eps[addr] = ep
    n.mu.Unlock()
    return ep
}

// Isolate drops all traffic to and from addr until Heal is called.
func (n *Network) Isolate(addr string) {
    n.mu.Lock()
    n.blocked[addr] = true
    n.mu.Unlock()
}

// Cut drops traffic from one address to another (one direction only).
func (n *Network) Cut(from, to string) {
    n.mu.Lock()
    n.cut[[2]string{from, to}] = true
    n.mu.Unlock()
}

// Heal removes every isolation and cut.
func (n *Network) Heal() {
    n.mu.Lock()
    n.blocked = map[string]bool{}
    n.cut = map[[2]string]bool{}
    n.mu.Unlock()
}

func (n *Network) deliver(from, to string, buf []byte) {
    n.mu.RLock()
    ep := n.eps[to]
    drop := n.blocked[from] || n.blocked[to] || n.cut[[2]string{from, to}]
    n.mu.RUnlock()
    if ep == nil || drop { return }
    ep.push(transport.Packet{From: from, Buf: append([]byte(nil), buf...), At: time.Now()})
}

func (e *Endpoint) push(p transport.Packet) {
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.closed { return }
    select {
    case e.packets <- p:
    default:
    }
}

func (e *Endpoint) Addr() string { return e.addr }

func (e *Endpoint) Packets() <-chan transport.Packet { return e.packets }

func (e *Endpoint) Send(ctx context.Context, addr string, buf []byte) error {
    e.mu.Lock()
    closed := e.closed
    e.mu.Unlock()
    if closed { return transport.ErrClosed }
    if err := ctx.Err(); err != nil { return err }
    e.net.deliver(e.addr, addr, buf)
    return nil
}

func (e *Endpoint) Close() error {
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.closed { return nil }
    e.closed = true
    close(e.packets)
    e.net.mu.Lock()
    if e.net.eps[e.addr] == e { delete(e.net.eps, e.addr) }
    e.net.mu.Unlock()
    return nil
}
