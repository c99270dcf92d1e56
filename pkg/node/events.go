package node

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-swim/pkg/membership"
)

type EventType string

const (
    EventMemberJoin    EventType = "member_join"
    EventMemberAlive   EventType = "member_alive"
    EventMemberSuspect EventType = "member_suspect"
    EventMemberFailed  EventType = "member_failed"
    EventMemberLeave   EventType = "member_leave"
    EventMemberEvicted EventType = "member_evicted"
    // EventStateChanged reports a replica key changed by a remote write.
    EventStateChanged EventType = "state_changed"
)

// Event is an application-facing notification. Only the fields relevant to
// the type are set.
type Event struct {
    Type    EventType
    At      time.Time
    Member  *membership.MemberInfo
    Key     string
    Deleted bool
}

var memberEvents = map[membership.EventType]EventType{
    membership.EventJoin:    EventMemberJoin,
    membership.EventAlive:   EventMemberAlive,
    membership.EventSuspect: EventMemberSuspect,
    membership.EventFailed:  EventMemberFailed,
    membership.EventLeave:   EventMemberLeave,
    membership.EventEvicted: EventMemberEvicted,
}

// Subscribe returns a buffered channel of events, closed when ctx is done.
// Slow consumers miss events rather than stall the node.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.eb.add(ch)
    go func() {
        <-ctx.Done()
        n.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    delete(e.subs, ch)
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}
