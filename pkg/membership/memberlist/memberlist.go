// Package memberlist implements membership.Membership on top of
// hashicorp/memberlist. The memberlist is created by Join and torn down by
// Leave, so a started but not joined node does not answer gossip.
package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "sort"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-msgpack/v2/codec"
    "github.com/hashicorp/memberlist"
    "github.com/rs/zerolog"

    "github.com/amirimatin/go-swim/internal/logutil"
    base "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/amirimatin/go-swim/pkg/observability/metrics"
    "github.com/amirimatin/go-swim/pkg/wire"
)

// pushPullPages bounds how many delegate pages one push/pull exchange carries.
const pushPullPages = 16

// Options configures the memberlist-based membership implementation.
type Options struct {
    // NodeID is the unique node identifier.
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the address peers use to reach this node. If empty,
    // memberlist derives it from Bind.
    Advertise string

    // Meta is optional metadata gossiped with the node.
    Meta map[string]string

    Logger   zerolog.Logger
    Delegate base.Delegate

    // Tuning parameters. Zero means the memberlist LAN defaults.
    ProbeInterval  time.Duration
    ProbeTimeout   time.Duration
    SuspicionMult  int
    RetransmitMult int
    IndirectChecks int
}

// Membership implements base.Membership using HashiCorp memberlist.
type Membership struct {
    opts  Options
    log   zerolog.Logger
    queue *memberlist.TransmitLimitedQueue

    mu       sync.RWMutex
    ml       *memberlist.Memberlist
    delegate base.Delegate
    started  bool
    stopped  bool
    left     bool

    evMu     sync.RWMutex
    evts     chan base.Event
    evClosed bool
}

var (
    _ base.Membership     = (*Membership)(nil)
    _ base.HealthReporter = (*Membership)(nil)
    _ base.DelegateSetter = (*Membership)(nil)
)

// New constructs a memberlist-backed membership. Nothing binds until Join.
func New(opts Options) (*Membership, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("memberlist: empty NodeID") }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: empty Bind address") }
    if _, _, err := splitHostPort(opts.Bind); err != nil { return nil, err }
    if opts.Advertise != "" {
        if _, _, err := splitHostPort(opts.Advertise); err != nil { return nil, err }
    }
    m := &Membership{
        opts:     opts,
        log:      opts.Logger.With().Str("node", opts.NodeID).Logger(),
        delegate: opts.Delegate,
        evts:     make(chan base.Event, 256),
    }
    mult := opts.RetransmitMult
    if mult <= 0 { mult = memberlist.DefaultLANConfig().RetransmitMult }
    m.queue = &memberlist.TransmitLimitedQueue{NumNodes: m.numNodes, RetransmitMult: mult}
    return m, nil
}

// SetDelegate installs the mergeable-state delegate. Call before Start.
func (m *Membership) SetDelegate(d base.Delegate) {
    m.mu.Lock()
    m.delegate = d
    m.mu.Unlock()
}

func (m *Membership) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.stopped { return base.ErrStopped }
    m.started = true
    return nil
}

func (m *Membership) config() (*memberlist.Config, error) {
    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil { return nil, err }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil { return nil, err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    if m.opts.RetransmitMult > 0 { cfg.RetransmitMult = m.opts.RetransmitMult }
    if m.opts.IndirectChecks > 0 { cfg.IndirectChecks = m.opts.IndirectChecks }
    cfg.Logger = logutil.Std(m.log, "memberlist")
    cfg.LogOutput = nil
    cfg.Events = &eventDelegate{m: m}
    meta, err := json.Marshal(m.opts.Meta)
    if err != nil { return nil, fmt.Errorf("memberlist: encode meta: %w", err) }
    cfg.Delegate = &stateDelegate{m: m, meta: meta}
    return cfg, nil
}

// Join creates the memberlist and contacts seeds. Without seeds the node
// starts alone and waits to be joined.
func (m *Membership) Join(ctx context.Context, seeds []string) error {
    m.mu.Lock()
    switch {
    case m.stopped:
        m.mu.Unlock()
        return base.ErrStopped
    case !m.started:
        m.mu.Unlock()
        return base.ErrNotStarted
    case m.ml != nil:
        m.mu.Unlock()
        return base.ErrAlreadyJoined
    }
    cfg, err := m.config()
    if err != nil {
        m.mu.Unlock()
        return err
    }
    ml, err := memberlist.Create(cfg)
    if err != nil {
        m.mu.Unlock()
        return fmt.Errorf("memberlist: create: %w", err)
    }
    m.ml, m.left = ml, false
    m.mu.Unlock()

    if len(seeds) == 0 {
        m.log.Info().Msg("memberlist: started new group")
        return nil
    }
    n, err := ml.Join(seeds)
    if n == 0 && err != nil {
        m.mu.Lock()
        m.ml = nil
        m.mu.Unlock()
        _ = ml.Shutdown()
        return fmt.Errorf("memberlist: join %v: %w", seeds, err)
    }
    m.log.Info().Strs("seeds", seeds).Int("contacted", n).Msg("memberlist: joined")
    return nil
}

// Leave broadcasts departure and shuts the memberlist down. It waits up to
// the ctx deadline (one second without one) for the broadcast to go out.
func (m *Membership) Leave(ctx context.Context) error {
    m.mu.Lock()
    ml := m.ml
    if ml == nil {
        m.mu.Unlock()
        if m.stopped { return base.ErrStopped }
        return base.ErrNotJoined
    }
    m.ml, m.left = nil, true
    m.mu.Unlock()

    timeout := time.Second
    if dl, ok := ctx.Deadline(); ok { timeout = time.Until(dl) }
    if err := ml.Leave(timeout); err != nil { m.log.Warn().Err(err).Msg("memberlist: leave") }
    m.queue.Reset()
    return ml.Shutdown()
}

// Disseminate queues payload for piggybacking on gossip.
func (m *Membership) Disseminate(payload []byte) error {
    if len(payload) > wire.MaxPayloadSize { return wire.ErrFieldTooLong }
    m.queue.QueueBroadcast(&broadcast{msg: append([]byte(nil), payload...)})
    metrics.QueueDepth.Set(float64(m.queue.NumQueued()))
    return nil
}

func (m *Membership) Active() bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.ml != nil
}

func (m *Membership) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        addr := m.opts.Advertise
        if addr == "" { addr = m.opts.Bind }
        st := base.StatusAlive
        if m.left { st = base.StatusLeft }
        return base.MemberInfo{ID: m.opts.NodeID, Addr: addr, Status: st, Meta: m.opts.Meta}
    }
    return toInfo(m.ml.LocalNode())
}

// Members returns the live view, local node included, sorted by id.
func (m *Membership) Members() []base.MemberInfo {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return []base.MemberInfo{m.Local()} }
    nodes := ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, toInfo(n)) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

func (m *Membership) Events() <-chan base.Event { return m.evts }

// Stop shuts the memberlist down without a leave broadcast and closes the
// events channel.
func (m *Membership) Stop() error {
    m.mu.Lock()
    if m.stopped {
        m.mu.Unlock()
        return nil
    }
    m.stopped = true
    ml := m.ml
    m.ml = nil
    m.mu.Unlock()
    var err error
    if ml != nil { err = ml.Shutdown() }
    m.evMu.Lock()
    m.evClosed = true
    close(m.evts)
    m.evMu.Unlock()
    return err
}

// HealthScore exposes memberlist's awareness score; -1 when not joined.
func (m *Membership) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *Membership) numNodes() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return 1 }
    return m.ml.NumMembers()
}

func (m *Membership) currentDelegate() base.Delegate {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.delegate
}

func (m *Membership) emit(e base.Event) {
    if e.Member.ID == m.opts.NodeID { return }
    m.evMu.RLock()
    defer m.evMu.RUnlock()
    if m.evClosed { return }
    metrics.Transitions.WithLabelValues(string(e.Type)).Inc()
    select {
    case m.evts <- e:
    default:
        m.log.Warn().Str("event", string(e.Type)).Msg("memberlist: dropping event: channel full")
    }
}

func toInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    st := base.StatusAlive
    switch n.State {
    case memberlist.StateSuspect:
        st = base.StatusSuspect
    case memberlist.StateDead:
        st = base.StatusDead
    case memberlist.StateLeft:
        st = base.StatusLeft
    }
    return base.MemberInfo{
        ID:        n.Name,
        Addr:      net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
        Status:    st,
        UpdatedAt: time.Now(),
        Meta:      meta,
    }
}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err) }
    p, err := strconv.Atoi(ps)
    if err != nil || p < 0 || p > 65535 { return "", 0, fmt.Errorf("memberlist: invalid port in %q", addr) }
    return host, p, nil
}

// eventDelegate maps memberlist notifications onto membership events.
type eventDelegate struct{ m *Membership }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    d.m.emit(base.Event{Type: base.EventJoin, Member: toInfo(n), At: time.Now()})
}

// NotifyLeave fires for both graceful leaves and failures; the node state
// tells them apart.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    typ := base.EventFailed
    if n.State == memberlist.StateLeft { typ = base.EventLeave }
    d.m.emit(base.Event{Type: typ, Member: toInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    d.m.emit(base.Event{Type: base.EventAlive, Member: toInfo(n), At: time.Now()})
}

// broadcast is one delegate payload in the transmit queue. Payloads are
// independent, so none invalidates another.
type broadcast struct{ msg []byte }

func (b *broadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                       { return b.msg }
func (b *broadcast) Finished()                             {}

// pushState is the body of a TCP push/pull exchange.
type pushState struct {
    Payloads [][]byte `codec:"p"`
}

var mh = &codec.MsgpackHandle{}

// stateDelegate carries delegate payloads over user messages and push/pull.
type stateDelegate struct {
    m    *Membership
    meta []byte
}

func (d *stateDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

// NotifyMsg merges a gossiped payload and forwards it when it changed state.
func (d *stateDelegate) NotifyMsg(b []byte) {
    dl := d.m.currentDelegate()
    if dl == nil || len(b) == 0 { return }
    msg := append([]byte(nil), b...)
    metrics.MessagesReceived.WithLabelValues("user").Inc()
    if dl.NotifyMsg(msg) { d.m.queue.QueueBroadcast(&broadcast{msg: msg}) }
}

func (d *stateDelegate) GetBroadcasts(overhead, limit int) [][]byte {
    out := d.m.queue.GetBroadcasts(overhead, limit)
    metrics.QueueDepth.Set(float64(d.m.queue.NumQueued()))
    return out
}

func (d *stateDelegate) LocalState(join bool) []byte {
    dl := d.m.currentDelegate()
    if dl == nil { return nil }
    var st pushState
    for i := 0; i < pushPullPages; i++ {
        page := dl.SyncPayloads(8)
        if len(page) == 0 { break }
        st.Payloads = append(st.Payloads, page...)
    }
    var buf []byte
    if err := codec.NewEncoderBytes(&buf, mh).Encode(&st); err != nil {
        d.m.log.Warn().Err(err).Msg("memberlist: encode local state")
        return nil
    }
    return buf
}

func (d *stateDelegate) MergeRemoteState(buf []byte, join bool) {
    dl := d.m.currentDelegate()
    if dl == nil || len(buf) == 0 { return }
    var st pushState
    if err := codec.NewDecoderBytes(buf, mh).Decode(&st); err != nil {
        metrics.MessagesDropped.WithLabelValues("malformed").Inc()
        d.m.log.Debug().Err(err).Msg("memberlist: dropping remote state")
        return
    }
    for _, p := range st.Payloads { dl.NotifyMsg(p) }
}
