package swim

import (
    "math"
    "sort"
    "sync"

    "github.com/amirimatin/go-swim/pkg/wire"
)

// queue holds deltas and user payloads waiting to be piggybacked. Each item
// is sent until it reaches the retransmit limit; a newer delta about the same
// member replaces the older one, and the oldest item is evicted when full.
type queue struct {
    mu    sync.Mutex
    items []*qitem
    byID  map[string]*qitem
    seq   uint64
    cap   int
}

type qitem struct {
    id        string // member id for deltas, empty for payloads
    delta     wire.Delta
    payload   []byte
    transmits int
    order     uint64
}

func newQueue(capacity int) *queue {
    return &queue{byID: map[string]*qitem{}, cap: capacity}
}

// retransmitLimit scales with the log of the group size so that an update
// reaches everyone with high probability.
func retransmitLimit(mult, n int) int {
    l := mult * int(math.Ceil(math.Log10(float64(n+1))))
    if l < 1 { l = 1 }
    return l
}

func (q *queue) pushDelta(d wire.Delta) {
    q.mu.Lock()
    defer q.mu.Unlock()
    if old, ok := q.byID[d.ID]; ok { q.remove(old) }
    it := &qitem{id: d.ID, delta: d}
    q.byID[d.ID] = it
    q.add(it)
}

func (q *queue) pushPayload(p []byte) {
    q.mu.Lock()
    defer q.mu.Unlock()
    q.add(&qitem{payload: p})
}

func (q *queue) add(it *qitem) {
    q.seq++
    it.order = q.seq
    if len(q.items) >= q.cap && len(q.items) > 0 {
        q.remove(q.items[0])
    }
    q.items = append(q.items, it)
}

func (q *queue) remove(it *qitem) {
    for i, x := range q.items {
        if x == it {
            q.items = append(q.items[:i], q.items[i+1:]...)
            break
        }
    }
    if it.id != "" && q.byID[it.id] == it { delete(q.byID, it.id) }
}

// candidates returns up to maxD delta items and maxP payload items, least
// transmitted first and newest first among equals.
func (q *queue) candidates(maxD, maxP int) (ds []*qitem, ps []*qitem) {
    q.mu.Lock()
    defer q.mu.Unlock()
    sorted := append([]*qitem(nil), q.items...)
    sort.SliceStable(sorted, func(i, j int) bool {
        if sorted[i].transmits != sorted[j].transmits { return sorted[i].transmits < sorted[j].transmits }
        return sorted[i].order > sorted[j].order
    })
    for _, it := range sorted {
        if it.id != "" {
            if len(ds) < maxD { ds = append(ds, it) }
        } else if len(ps) < maxP {
            ps = append(ps, it)
        }
        if len(ds) >= maxD && len(ps) >= maxP { break }
    }
    return ds, ps
}

// sent counts one transmission of each item and drops those that reached
// limit. Items replaced in the meantime are ignored.
func (q *queue) sent(items []*qitem, limit int) {
    q.mu.Lock()
    defer q.mu.Unlock()
    for _, it := range items {
        it.transmits++
        if it.transmits >= limit { q.remove(it) }
    }
}

func (q *queue) len() int {
    q.mu.Lock()
    defer q.mu.Unlock()
    return len(q.items)
}

// reset drops everything, used when the node leaves.
func (q *queue) reset() {
    q.mu.Lock()
    defer q.mu.Unlock()
    q.items = nil
    q.byID = map[string]*qitem{}
}
