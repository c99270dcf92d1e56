package transport

import (
    "context"
    "errors"
    "time"
)

var ErrClosed = errors.New("transport: closed")

// Packet is one datagram received from a peer.
type Packet struct {
    From string
    Buf  []byte
    At   time.Time
}

// Transport moves opaque gossip datagrams between nodes. Delivery is best
// effort: Send may silently drop, and sending to an address nobody listens
// on is not an error.
type Transport interface {
    // Addr returns the local address peers should send to.
    Addr() string
    // Send must not block on the network for longer than ctx allows.
    Send(ctx context.Context, addr string, buf []byte) error
    // Packets delivers inbound datagrams. It is closed by Close.
    Packets() <-chan Packet
    Close() error
}
