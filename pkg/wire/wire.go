// Package wire encodes gossip messages exchanged between nodes.
//
// A frame is
//
//	uint32 length (big endian, counts the bytes after it)
//	byte   version
//	byte   type
//	msgpack body
//
// Decoders ignore unknown body keys and any bytes after the frame, so newer
// peers can add fields without breaking older ones.
package wire

import (
    "bytes"
    "encoding/binary"
    "errors"
    "fmt"

    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/hashicorp/go-msgpack/v2/codec"
)

const (
    Version = 1

    MaxIDLen       = 64
    MaxAddrLen     = 128
    MaxPayloadSize = 1024
    // MaxMessageSize bounds every encoded frame, whatever the group size.
    MaxMessageSize = 4096

    headerLen = 6
    // slack covers map keys and array headers added when deltas and
    // payloads are attached to an otherwise empty message.
    slack = 16
)

var (
    ErrShortFrame   = errors.New("wire: short frame")
    ErrVersion      = errors.New("wire: unsupported version")
    ErrUnknownType  = errors.New("wire: unknown message type")
    ErrTooLarge     = errors.New("wire: message too large")
    ErrFieldTooLong = errors.New("wire: field too long")
    ErrStatus       = errors.New("wire: unknown member status")
)

type Type uint8

const (
    TypePing Type = iota + 1
    TypePingReq
    TypeAck
    TypeBroadcast
)

func (t Type) String() string {
    switch t {
    case TypePing:
        return "ping"
    case TypePingReq:
        return "ping-req"
    case TypeAck:
        return "ack"
    case TypeBroadcast:
        return "broadcast"
    }
    return fmt.Sprintf("type(%d)", uint8(t))
}

func (t Type) valid() bool { return t >= TypePing && t <= TypeBroadcast }

// Delta is a piggybacked membership update.
type Delta struct {
    ID          string            `codec:"i"`
    Addr        string            `codec:"a"`
    Status      membership.Status `codec:"s"`
    Incarnation uint64            `codec:"n"`
}

// Message is the decoded form of a frame. Target and TargetAddr name the
// probed member for Ping, PingReq and relayed Ack; an empty Target on a Ping
// is a join ping to an address whose owner is not known yet.
type Message struct {
    Type        Type     `codec:"-"`
    Seq         uint64   `codec:"q"`
    From        string   `codec:"f"`
    FromAddr    string   `codec:"fa"`
    Incarnation uint64   `codec:"n"`
    Target      string   `codec:"t,omitempty"`
    TargetAddr  string   `codec:"ta,omitempty"`
    Deltas      []Delta  `codec:"d,omitempty"`
    Payloads    [][]byte `codec:"p,omitempty"`
}

var mh = &codec.MsgpackHandle{}

func (m *Message) validate() error {
    if !m.Type.valid() { return ErrUnknownType }
    if len(m.From) > MaxIDLen || len(m.Target) > MaxIDLen { return ErrFieldTooLong }
    if len(m.FromAddr) > MaxAddrLen || len(m.TargetAddr) > MaxAddrLen { return ErrFieldTooLong }
    for _, d := range m.Deltas {
        if len(d.ID) > MaxIDLen || len(d.Addr) > MaxAddrLen { return ErrFieldTooLong }
        if d.Status > membership.StatusLeft { return ErrStatus }
    }
    for _, p := range m.Payloads {
        if len(p) > MaxPayloadSize { return ErrFieldTooLong }
    }
    return nil
}

// Encode returns the framed encoding of m.
func Encode(m *Message) ([]byte, error) {
    if err := m.validate(); err != nil { return nil, err }
    var buf bytes.Buffer
    buf.Write(make([]byte, headerLen))
    if err := codec.NewEncoder(&buf, mh).Encode(m); err != nil {
        return nil, fmt.Errorf("wire: encode: %w", err)
    }
    b := buf.Bytes()
    if len(b) > MaxMessageSize { return nil, ErrTooLarge }
    binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
    b[4] = Version
    b[5] = byte(m.Type)
    return b, nil
}

// Decode parses one frame from the start of buf.
func Decode(buf []byte) (*Message, error) {
    if len(buf) < headerLen { return nil, ErrShortFrame }
    n := binary.BigEndian.Uint32(buf[:4])
    if n < 2 || uint64(n) > uint64(len(buf)-4) { return nil, ErrShortFrame }
    if buf[4] == 0 { return nil, ErrVersion }
    t := Type(buf[5])
    if !t.valid() { return nil, ErrUnknownType }
    m := &Message{}
    if err := codec.NewDecoderBytes(buf[headerLen:4+n], mh).Decode(m); err != nil {
        return nil, fmt.Errorf("wire: decode: %w", err)
    }
    m.Type = t
    if err := m.validate(); err != nil { return nil, err }
    return m, nil
}

// Pack attaches a prefix of deltas and a prefix of payloads to m, as much as
// fits in MaxMessageSize, and encodes the result. It reports how many of
// each were attached. Deltas may use half the budget before payloads get a
// turn, then fill what is left.
func Pack(m *Message, deltas []Delta, payloads [][]byte) ([]byte, int, int, error) {
    m.Deltas, m.Payloads = nil, nil
    base, err := Encode(m)
    if err != nil { return nil, 0, 0, err }
    budget := MaxMessageSize - len(base) - slack
    nd, np := 0, 0
    addDeltas := func(limit int) {
        for nd < len(deltas) {
            sz := DeltaSize(deltas[nd])
            if sz > budget-limit { return }
            budget -= sz
            m.Deltas = append(m.Deltas, deltas[nd])
            nd++
        }
    }
    if len(payloads) > 0 { addDeltas(budget / 2) }
    for np < len(payloads) {
        sz := len(payloads[np]) + 5
        if sz > budget { break }
        budget -= sz
        m.Payloads = append(m.Payloads, payloads[np])
        np++
    }
    addDeltas(0)
    for {
        b, err := Encode(m)
        if err == nil { return b, nd, np, nil }
        if !errors.Is(err, ErrTooLarge) { return nil, 0, 0, err }
        switch {
        case len(m.Payloads) > 0:
            m.Payloads = m.Payloads[:len(m.Payloads)-1]
            np--
        case len(m.Deltas) > 0:
            m.Deltas = m.Deltas[:len(m.Deltas)-1]
            nd--
        default:
            return nil, 0, 0, err
        }
    }
}

// DeltaSize is an upper bound of the encoded size of d inside a message.
func DeltaSize(d Delta) int {
    // map header, four one/two byte keys, string headers, status, uint64.
    return 1 + 4*3 + len(d.ID) + 5 + len(d.Addr) + 5 + 2 + 9
}
