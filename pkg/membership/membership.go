package membership

import (
    "context"
    "errors"
    "time"
)

var (
    ErrAlreadyJoined = errors.New("membership: already joined")
    ErrNotJoined     = errors.New("membership: not joined")
    ErrNotStarted    = errors.New("membership: not started")
    ErrStopped       = errors.New("membership: stopped")
)

// Status is the liveness state of a member as seen by the local node.
type Status uint8

const (
    StatusAlive Status = iota
    StatusSuspect
    StatusDead
    StatusLeft
)

func (s Status) String() string {
    switch s {
    case StatusAlive:
        return "alive"
    case StatusSuspect:
        return "suspect"
    case StatusDead:
        return "dead"
    case StatusLeft:
        return "left"
    }
    return "unknown"
}

// Dead reports whether s is Dead or Left. Left is a dead state announced by
// the member itself.
func (s Status) Dead() bool { return s >= StatusDead }

// Supersedes reports whether an update carrying s may replace a stored
// status o at the same incarnation ("more dead" wins).
func (s Status) Supersedes(o Status) bool { return s > o }

// ParseStatus is the inverse of String.
func ParseStatus(v string) (Status, bool) {
    switch v {
    case "alive":
        return StatusAlive, true
    case "suspect":
        return StatusSuspect, true
    case "dead":
        return StatusDead, true
    case "left":
        return StatusLeft, true
    }
    return 0, false
}

// MemberInfo describes a member as observed by the membership layer.
type MemberInfo struct {
    ID          string            `json:"id"`
    Addr        string            `json:"addr"`
    Status      Status            `json:"status"`
    Incarnation uint64            `json:"incarnation"`
    UpdatedAt   time.Time         `json:"updatedAt"`
    Meta        map[string]string `json:"meta,omitempty"`
}

type EventType string

const (
    // EventJoin indicates a member became visible (new, or back after a
    // dead state with a higher incarnation).
    EventJoin    EventType = "join"
    // EventAlive indicates a suspected member was confirmed alive.
    EventAlive   EventType = "alive"
    EventSuspect EventType = "suspect"
    // EventFailed indicates the member was declared dead.
    EventFailed  EventType = "failed"
    // EventLeave indicates the member announced its departure.
    EventLeave   EventType = "leave"
    // EventEvicted indicates a dead member was removed from the list.
    EventEvicted EventType = "evicted"
)

// Event is a membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the probe and disseminate side of the gossip layer.
//
// Start binds the transport without announcing the node. Join activates
// gossip; with no seeds the node forms a single-member group that others can
// join through. Leave announces departure and halts rounds; a later Join
// rejoins with a higher incarnation.
type Membership interface {
    Start(ctx context.Context) error
    Join(ctx context.Context, seeds []string) error
    Leave(ctx context.Context) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    // Disseminate queues an opaque payload to be piggybacked on gossip
    // until it has been retransmitted enough times. It never blocks on I/O.
    Disseminate(payload []byte) error
    Active() bool
    Stop() error
}

// Delegate is the mergeable-state side. Implementations must be safe for
// calls from the membership goroutine and must not call back into Membership
// synchronously except through Disseminate.
type Delegate interface {
    // NotifyMsg merges a payload received from a peer. It returns true when
    // local state changed, in which case the payload is gossiped onward.
    NotifyMsg(payload []byte) bool
    // SyncPayloads returns up to limit payloads describing local state for
    // anti-entropy. Successive calls walk the whole state.
    SyncPayloads(limit int) [][]byte
}

// DelegateSetter is implemented by memberships that accept their delegate
// after construction, before Start.
type DelegateSetter interface {
    SetDelegate(Delegate)
}
