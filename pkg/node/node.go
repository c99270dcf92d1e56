// Package node is the facade applications and the management plane talk to.
// It ties a membership implementation to the replicated document and to the
// store.
//
// Replica mutations run on one applier goroutine. Local writes are marked
// dirty there and flushed into the membership's dissemination queue after
// each step; remote diffs arrive through the membership.Delegate methods and
// are applied on the same goroutine.
package node

import (
    "context"
    "errors"
    "fmt"
    "math"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/amirimatin/go-swim/pkg/observability/metrics"
    "github.com/amirimatin/go-swim/pkg/observability/tracing"
    "github.com/amirimatin/go-swim/pkg/replica"
    "github.com/amirimatin/go-swim/pkg/store"
    "github.com/amirimatin/go-swim/pkg/wire"
    "github.com/google/uuid"
    "github.com/rs/zerolog"
    "go.opentelemetry.io/otel/attribute"
)

// syncPage is how many entries one anti-entropy call reads.
const syncPage = 32

// Node is a gossip group member with a replicated key/value document.
type Node struct {
    opts Options
    mem  membership.Membership
    st   store.Store
    log  zerolog.Logger
    eb   eventBus

    doc  *replica.Document // applier goroutine only
    ops  chan func(*replica.Document)
    quit chan struct{}
    done chan struct{}
    keys atomic.Int64
    // remembered peers from the last snapshot, used as fallback seeds
    known []string

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    cancel   context.CancelFunc
    wg       sync.WaitGroup
    savedInc uint64
    idSaved  bool
}

var _ membership.Delegate = (*Node)(nil)

// New builds a node and attaches it as the membership's delegate. Nothing
// runs until Start.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.setDefaults()
    n := &Node{
        opts: opts,
        mem:  opts.Membership,
        st:   opts.Store,
        log:  opts.Logger.With().Str("node", opts.NodeID).Logger(),
        doc:  replica.New(opts.NodeID),
        ops:  make(chan func(*replica.Document)),
        quit: make(chan struct{}),
        done: make(chan struct{}),
    }
    if ds, ok := n.mem.(membership.DelegateSetter); ok { ds.SetDelegate(n) }
    return n, nil
}

// Start restores the last snapshot, starts the membership and the applier
// and persistence goroutines, and the management server if configured. A
// snapshot that cannot be read is fatal. ctx is not retained: the node runs
// until Stop, which leaves the group first.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed { return ErrStopped }
    if n.run.started { return nil }
    if err := ctx.Err(); err != nil { return err }
    metrics.Register()
    if err := n.restore(); err != nil { return err }

    rctx, cancel := context.WithCancel(context.Background())
    if err := n.mem.Start(rctx); err != nil {
        cancel()
        return err
    }
    if n.opts.RPCServer != nil {
        if err := n.opts.RPCServer.Start(rctx, n.Handlers()); err != nil {
            cancel()
            _ = n.mem.Stop()
            return fmt.Errorf("node: management endpoint: %w", err)
        }
        n.log.Info().Str("addr", n.opts.RPCServer.Addr()).Msg("node: management endpoint listening")
    }
    n.run.started = true
    n.cancel = cancel
    go n.applyLoop()
    n.wg.Add(2)
    go n.eventsLoop()
    go n.persistLoop(rctx)
    return nil
}

func (n *Node) restore() error {
    if n.st == nil { return nil }
    snap, err := n.st.LoadSnapshot()
    if errors.Is(err, store.ErrNotFound) { return nil }
    if err != nil { return fmt.Errorf("node: load snapshot: %w", err) }
    if len(snap.Replica) > 0 {
        doc, err := replica.Load(n.opts.NodeID, snap.Replica)
        if err != nil { return fmt.Errorf("node: restore replica: %w", err) }
        n.doc = doc
        n.keys.Store(int64(doc.Len()))
    }
    for _, p := range snap.Peers {
        if p.ID != n.opts.NodeID && !p.Status.Dead() && p.Addr != "" { n.known = append(n.known, p.Addr) }
    }
    n.log.Info().Int("peers", len(n.known)).Int("keys", int(n.keys.Load())).Msg("node: restored snapshot")
    return nil
}

func (n *Node) state() error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed { return ErrStopped }
    if !n.run.started { return ErrNotStarted }
    return nil
}

// Join activates gossip through seeds. Without seeds, discovery and the
// peers remembered from the last snapshot are tried; when none are known
// the node starts a new group.
func (n *Node) Join(ctx context.Context, seeds ...string) (err error) {
    ctx, sp := tracing.StartSpan(ctx, "node.Join", attribute.Int("seeds", len(seeds)))
    defer func() { sp.End(err); observe("join", err) }()
    if err = n.state(); err != nil { return err }
    if len(seeds) == 0 && n.opts.Discovery != nil { seeds = n.opts.Discovery.Seeds(ctx) }
    if len(seeds) == 0 { seeds = n.known }
    if err = n.mem.Join(ctx, seeds); err != nil { return err }
    n.persist()
    return nil
}

// Leave announces departure. The node can Join again later.
func (n *Node) Leave(ctx context.Context) (err error) {
    ctx, sp := tracing.StartSpan(ctx, "node.Leave")
    defer func() { sp.End(err); observe("leave", err) }()
    if err = n.state(); err != nil { return err }
    if err = n.mem.Leave(ctx); err != nil { return err }
    n.persist()
    return nil
}

// Broadcast writes value under key and gossips the change. It returns once
// the write is applied locally; propagation is asynchronous.
func (n *Node) Broadcast(ctx context.Context, key string, value []byte) (err error) {
    _, sp := tracing.StartSpan(ctx, "node.Broadcast", attribute.String("key", key))
    defer func() { sp.End(err); observe("broadcast", err) }()
    if err = n.checkWrite(key, value); err != nil { return err }
    return n.do(func(d *replica.Document) {
        d.Set(key, value)
        metrics.ReplicaWrites.Inc()
    })
}

// Delete removes key everywhere.
func (n *Node) Delete(ctx context.Context, key string) (err error) {
    _, sp := tracing.StartSpan(ctx, "node.Delete", attribute.String("key", key))
    defer func() { sp.End(err); observe("delete", err) }()
    if err = n.checkWrite(key, nil); err != nil { return err }
    return n.do(func(d *replica.Document) {
        d.Delete(key)
        metrics.ReplicaWrites.Inc()
    })
}

func (n *Node) checkWrite(key string, value []byte) error {
    if err := n.state(); err != nil { return err }
    if n.opts.DisableBroadcast { return ErrBroadcastDisabled }
    if key == "" { return ErrEmptyKey }
    if !n.mem.Active() { return ErrNotJoined }
    worst := replica.Entry{
        Key:   key,
        Value: value,
        Stamp: replica.Stamp{Clock: math.MaxUint64, Node: n.opts.NodeID},
        Op:    uuid.Nil.String(),
    }
    if sz := replica.EntrySize(worst); sz < 0 || sz > wire.MaxPayloadSize {
        return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, sz, wire.MaxPayloadSize)
    }
    return nil
}

// Get reads key from the local replica.
func (n *Node) Get(key string) ([]byte, bool, error) {
    if err := n.state(); err != nil { return nil, false, err }
    var v []byte
    var ok bool
    err := n.do(func(d *replica.Document) { v, ok = d.Get(key) })
    return v, ok, err
}

// Keys lists live keys of the local replica.
func (n *Node) Keys() ([]string, error) {
    if err := n.state(); err != nil { return nil, err }
    var out []string
    err := n.do(func(d *replica.Document) { out = d.Keys() })
    return out, err
}

// Status returns a snapshot of the node. It never blocks on the network.
func (n *Node) Status(ctx context.Context) (*Status, error) {
    local := n.mem.Local()
    s := &Status{
        ID:          local.ID,
        Addr:        local.Addr,
        Active:      n.mem.Active(),
        Incarnation: local.Incarnation,
        Members:     n.mem.Members(),
        Keys:        int(n.keys.Load()),
        Broadcast:   !n.opts.DisableBroadcast,
    }
    score := 0
    if hr, ok := n.mem.(membership.HealthReporter); ok { score = hr.HealthScore() }
    s.Healthy = s.Active && score == 0
    if score > 0 { s.Warnings = append(s.Warnings, fmt.Sprintf("health score %d", score)) }
    for _, m := range s.Members {
        if m.Status == membership.StatusSuspect {
            s.Warnings = append(s.Warnings, fmt.Sprintf("member %s suspect", m.ID))
        }
    }
    return s, nil
}

// ControlAddr is the management endpoint address, empty when none is set.
func (n *Node) ControlAddr() string {
    if n.opts.RPCServer == nil { return "" }
    return n.opts.RPCServer.Addr()
}

// Stop leaves the group if joined, stops the membership, writes a final
// snapshot and releases the store.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    if n.run.closed {
        n.mu.Unlock()
        return nil
    }
    n.run.closed = true
    started := n.run.started
    n.mu.Unlock()

    if started && n.mem.Active() {
        lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
        if err := n.mem.Leave(lctx); err != nil {
            n.log.Warn().Err(err).Msg("node: leave on stop")
        }
        cancel()
    }
    err := n.mem.Stop()
    if started {
        n.cancel()
        n.wg.Wait()
        n.persist()
        close(n.quit)
        <-n.done
    } else {
        close(n.quit)
        close(n.done)
    }
    if n.opts.RPCServer != nil && started { _ = n.opts.RPCServer.Stop(ctx) }
    if n.st != nil {
        if cerr := n.st.Close(); cerr != nil && err == nil { err = cerr }
    }
    return err
}

// Close is Stop with a background context.
func (n *Node) Close() error { return n.Stop(context.Background()) }

// do runs fn on the applier goroutine and waits for it.
func (n *Node) do(fn func(*replica.Document)) error {
    ran := make(chan struct{})
    op := func(d *replica.Document) {
        fn(d)
        close(ran)
    }
    select {
    case n.ops <- op:
    case <-n.done:
        return ErrStopped
    }
    select {
    case <-ran:
        return nil
    case <-n.done:
        return ErrStopped
    }
}

func (n *Node) applyLoop() {
    defer close(n.done)
    for {
        select {
        case op := <-n.ops:
            op(n.doc)
            n.flush()
        case <-n.quit:
            return
        }
    }
}

// flush hands local writes to the membership for gossip.
func (n *Node) flush() {
    n.keys.Store(int64(n.doc.Len()))
    metrics.ReplicaKeys.Set(float64(n.keys.Load()))
    dirty := n.doc.TakeDirty()
    if dirty.Len() == 0 { return }
    chunks, err := replica.Chunk(dirty, wire.MaxPayloadSize)
    if err != nil {
        n.log.Error().Err(err).Msg("node: chunk local writes")
        return
    }
    for _, c := range chunks {
        if err := n.mem.Disseminate(c); err != nil {
            n.log.Warn().Err(err).Msg("node: disseminate")
        }
    }
}

// NotifyMsg merges a diff received from a peer.
func (n *Node) NotifyMsg(payload []byte) bool {
    diff, err := replica.DecodeDiff(payload)
    if err != nil {
        metrics.ReplicaMerges.WithLabelValues("corrupt").Inc()
        n.log.Debug().Err(err).Msg("node: dropping corrupt diff")
        return false
    }
    var changed replica.Diff
    if err := n.do(func(d *replica.Document) { changed = d.Apply(diff) }); err != nil { return false }
    if changed.Len() == 0 {
        metrics.ReplicaMerges.WithLabelValues("noop").Inc()
        return false
    }
    metrics.ReplicaMerges.WithLabelValues("changed").Inc()
    now := time.Now()
    for _, e := range changed.Entries {
        n.log.Debug().Str("key", e.Key).Str("op", e.Op).Uint64("clock", e.Stamp.Clock).Msg("node: merged remote write")
        n.eb.publish(Event{Type: EventStateChanged, At: now, Key: e.Key, Deleted: e.Deleted})
    }
    return true
}

// SyncPayloads returns the next pages of the document for anti-entropy,
// stopping after one full pass or limit payloads.
func (n *Node) SyncPayloads(limit int) [][]byte {
    if limit <= 0 { return nil }
    var out [][]byte
    err := n.do(func(d *replica.Document) {
        for seen, total := 0, d.Size(); seen < total && len(out) < limit; {
            page := d.Page(syncPage)
            seen += page.Len()
            chunks, err := replica.Chunk(page, wire.MaxPayloadSize)
            if err != nil {
                n.log.Warn().Err(err).Msg("node: chunk sync page")
                return
            }
            out = append(out, chunks...)
        }
    })
    if err != nil { return nil }
    if len(out) > limit { out = out[:limit] }
    return out
}

func (n *Node) eventsLoop() {
    defer n.wg.Done()
    for ev := range n.mem.Events() {
        typ, ok := memberEvents[ev.Type]
        if !ok { continue }
        m := ev.Member
        n.eb.publish(Event{Type: typ, At: ev.At, Member: &m})
    }
}

func (n *Node) persistLoop(ctx context.Context) {
    defer n.wg.Done()
    if n.st == nil { return }
    t := time.NewTicker(n.opts.PersistInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            n.persist()
        }
    }
}

// persist writes the current snapshot and, when it moved, the incarnation.
// Failures are logged and counted; only startup treats storage errors as
// fatal.
func (n *Node) persist() {
    if n.st == nil { return }
    var blob []byte
    var err error
    if derr := n.do(func(d *replica.Document) { blob, err = d.Save() }); derr != nil { return }
    if err != nil {
        n.persistFailed("encode replica", err)
        return
    }
    local := n.mem.Local()
    var peers []membership.MemberInfo
    for _, m := range n.mem.Members() {
        if m.ID != local.ID { peers = append(peers, m) }
    }
    if err := n.st.SaveSnapshot(store.Snapshot{Peers: peers, Replica: blob, SavedAt: time.Now().UTC()}); err != nil {
        n.persistFailed("save snapshot", err)
        return
    }
    n.mu.Lock()
    moved := !n.idSaved || local.Incarnation > n.savedInc
    n.mu.Unlock()
    if !moved { return }
    id := store.Identity{ID: local.ID, Addr: local.Addr, Incarnation: local.Incarnation}
    if cur, err := n.st.LoadIdentity(); err == nil { id.CreatedAt = cur.CreatedAt }
    if err := n.st.SaveIdentity(id); err != nil {
        n.persistFailed("save identity", err)
        return
    }
    n.mu.Lock()
    n.savedInc, n.idSaved = local.Incarnation, true
    n.mu.Unlock()
}

func (n *Node) persistFailed(what string, err error) {
    metrics.PersistErrors.Inc()
    n.log.Error().Err(err).Msg("node: " + what)
}

func observe(op string, err error) {
    result := "ok"
    if err != nil { result = "error" }
    metrics.ControlRequests.WithLabelValues(op, result).Inc()
}
