package swim

import (
    "sort"
    "time"

    "github.com/amirimatin/go-swim/pkg/membership"
)

// Update is a claim about one member's state.
type Update struct {
    ID          string
    Addr        string
    Status      membership.Status
    Incarnation uint64
}

// Transition records an accepted change. Member holds the state after it.
// Refuted is set when the change is the local node re-asserting itself.
type Transition struct {
    Member  membership.MemberInfo
    From    membership.Status
    Event   membership.EventType
    Refuted bool
}

type entry struct {
    addr   string
    status membership.Status
    inc    uint64
    since  time.Time
}

type tomb struct {
    inc   uint64
    until time.Time
}

// Table is the membership list of one node. It is not safe for concurrent
// use; the engine loop owns it.
type Table struct {
    self      string
    local     entry
    peers     map[string]*entry
    tombs     map[string]tomb
    suspicion time.Duration
    eviction  time.Duration
}

// NewTable returns a table holding only the local node, Alive at inc.
func NewTable(self, addr string, inc uint64, suspicion, eviction time.Duration, now time.Time) *Table {
    return &Table{
        self:      self,
        local:     entry{addr: addr, status: membership.StatusAlive, inc: inc, since: now},
        peers:     map[string]*entry{},
        tombs:     map[string]tomb{},
        suspicion: suspicion,
        eviction:  eviction,
    }
}

// ApplyUpdate merges u into the table and reports whether anything changed.
// Updates below the stored incarnation, or at the same incarnation without
// a "more dead" status, are discarded.
func (t *Table) ApplyUpdate(u Update, now time.Time) (Transition, bool) {
    if u.ID == "" { return Transition{}, false }
    if u.ID == t.self { return t.applySelf(u, now) }
    if tb, ok := t.tombs[u.ID]; ok && u.Incarnation <= tb.inc {
        return Transition{}, false
    }
    e, ok := t.peers[u.ID]
    if !ok {
        // A dead member we never saw alive carries no information.
        if u.Status.Dead() { return Transition{}, false }
        e = &entry{addr: u.Addr, status: u.Status, inc: u.Incarnation, since: now}
        t.peers[u.ID] = e
        delete(t.tombs, u.ID)
        return Transition{Member: t.info(u.ID, e), From: u.Status, Event: membership.EventJoin}, true
    }
    if u.Incarnation < e.inc { return Transition{}, false }
    if u.Incarnation == e.inc && !u.Status.Supersedes(e.status) { return Transition{}, false }

    from := e.status
    e.inc = u.Incarnation
    if u.Addr != "" { e.addr = u.Addr }
    if from != u.Status {
        e.status = u.Status
        e.since = now
    }
    return Transition{Member: t.info(u.ID, e), From: from, Event: eventFor(from, u.Status)}, true
}

func (t *Table) applySelf(u Update, now time.Time) (Transition, bool) {
    if t.local.status == membership.StatusLeft || u.Incarnation < t.local.inc {
        return Transition{}, false
    }
    if u.Status == membership.StatusAlive && u.Incarnation == t.local.inc {
        return Transition{}, false
    }
    // Someone holds a claim about us at or above our incarnation that is
    // not our own current Alive: move past it.
    t.local.inc = u.Incarnation + 1
    t.local.since = now
    return Transition{Member: t.Local(), From: u.Status, Event: membership.EventAlive, Refuted: true}, true
}

func eventFor(from, to membership.Status) membership.EventType {
    switch to {
    case membership.StatusAlive:
        if from == membership.StatusSuspect { return membership.EventAlive }
        if from.Dead() { return membership.EventJoin }
        return ""
    case membership.StatusSuspect:
        return membership.EventSuspect
    case membership.StatusDead:
        return membership.EventFailed
    case membership.StatusLeft:
        return membership.EventLeave
    }
    return ""
}

// Tick advances suspicion and eviction timers.
func (t *Table) Tick(now time.Time) []Transition {
    var out []Transition
    for _, id := range t.sortedIDs() {
        e := t.peers[id]
        switch {
        case e.status == membership.StatusSuspect && now.Sub(e.since) >= t.suspicion:
            e.status = membership.StatusDead
            e.since = now
            out = append(out, Transition{Member: t.info(id, e), From: membership.StatusSuspect, Event: membership.EventFailed})
        case e.status.Dead() && now.Sub(e.since) >= t.eviction:
            info := t.info(id, e)
            delete(t.peers, id)
            t.tombs[id] = tomb{inc: e.inc, until: now.Add(t.eviction)}
            out = append(out, Transition{Member: info, From: e.status, Event: membership.EventEvicted})
        }
    }
    for id, tb := range t.tombs {
        if !now.Before(tb.until) { delete(t.tombs, id) }
    }
    return out
}

// Confirm records an ack from a suspected member: it goes back to Alive at
// the same incarnation. Dead members are not revived.
func (t *Table) Confirm(id string, now time.Time) (Transition, bool) {
    e, ok := t.peers[id]
    if !ok || e.status != membership.StatusSuspect { return Transition{}, false }
    e.status = membership.StatusAlive
    e.since = now
    return Transition{Member: t.info(id, e), From: membership.StatusSuspect, Event: membership.EventAlive}, true
}

// Leave marks the local node Left at a new incarnation.
func (t *Table) Leave(now time.Time) membership.MemberInfo {
    t.local.inc++
    t.local.status = membership.StatusLeft
    t.local.since = now
    return t.Local()
}

// Rejoin brings the local node back to Alive above its Left incarnation.
func (t *Table) Rejoin(now time.Time) membership.MemberInfo {
    if t.local.status != membership.StatusAlive { t.local.inc++ }
    t.local.status = membership.StatusAlive
    t.local.since = now
    return t.Local()
}

func (t *Table) Local() membership.MemberInfo { return t.info(t.self, &t.local) }

// Get returns the stored state of a peer.
func (t *Table) Get(id string) (membership.MemberInfo, bool) {
    e, ok := t.peers[id]
    if !ok { return membership.MemberInfo{}, false }
    return t.info(id, e), true
}

// Tombstone returns the incarnation an evicted peer was removed at.
func (t *Table) Tombstone(id string) (uint64, bool) {
    tb, ok := t.tombs[id]
    return tb.inc, ok
}

// Snapshot returns every member including the local node, sorted by id.
func (t *Table) Snapshot() []membership.MemberInfo {
    out := make([]membership.MemberInfo, 0, len(t.peers)+1)
    out = append(out, t.Local())
    for id, e := range t.peers { out = append(out, t.info(id, e)) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// Peers returns the ids of peers whose status satisfies keep, sorted.
func (t *Table) Peers(keep func(membership.Status) bool) []string {
    var out []string
    for _, id := range t.sortedIDs() {
        if keep(t.peers[id].status) { out = append(out, id) }
    }
    return out
}

func (t *Table) Len() int { return len(t.peers) + 1 }

func (t *Table) sortedIDs() []string {
    ids := make([]string, 0, len(t.peers))
    for id := range t.peers { ids = append(ids, id) }
    sort.Strings(ids)
    return ids
}

func (t *Table) info(id string, e *entry) membership.MemberInfo {
    return membership.MemberInfo{ID: id, Addr: e.addr, Status: e.status, Incarnation: e.inc, UpdatedAt: e.since}
}
