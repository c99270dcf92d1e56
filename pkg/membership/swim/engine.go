// Package swim is a SWIM-style failure detector and gossip disseminator.
//
// All membership state is owned by a single loop goroutine. Control calls,
// inbound packets and timer expiries are handed to that loop and applied one
// at a time; readers get immutable snapshots published after each step.
// Outbound frames go through a bounded outbox drained by a sender goroutine,
// so the loop never waits on the network.
package swim

import (
    "context"
    "math/rand"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/amirimatin/go-swim/pkg/observability/metrics"
    "github.com/amirimatin/go-swim/pkg/transport"
    "github.com/amirimatin/go-swim/pkg/wire"
    "github.com/rs/zerolog"
)

const (
    pageDeltas    = 16
    pagePayloads  = 4
    burstPayloads = 256
    maxCandidates = 64
)

type phase uint8

const (
    phaseDirect phase = iota
    phaseIndirect
)

type probe struct {
    seq    uint64
    target string
    addr   string
    join   bool
    phase  phase
    sentAt time.Time
    timer  *time.Timer
}

type relay struct {
    origSeq   uint64
    requester string
    target    string
    timer     *time.Timer
}

type timerKind uint8

const (
    probeTimeout timerKind = iota
    relayTimeout
)

type timerFired struct {
    kind timerKind
    seq  uint64
}

type outbound struct {
    addr string
    typ  wire.Type
    buf  []byte
}

type snapshot struct {
    local   membership.MemberInfo
    members []membership.MemberInfo
    active  bool
    health  int
}

// Engine implements membership.Membership.
type Engine struct {
    opts  Options
    tr    transport.Transport
    log   zerolog.Logger
    queue *queue

    // owned by the loop goroutine
    rng      *rand.Rand
    table    *Table
    active   bool
    left     bool
    seq      uint64
    round    int
    cursor   int
    probes   map[uint64]*probe
    relays   map[uint64]*relay
    seeds    map[string]int
    delegate membership.Delegate
    dirty    bool

    reqs    chan func()
    timerCh chan timerFired
    outbox  chan outbound
    evts    chan membership.Event
    snap    atomic.Pointer[snapshot]

    mu      sync.Mutex
    started bool
    stopped bool
    cancel  context.CancelFunc
    done    chan struct{}
    wg      sync.WaitGroup
}

var _ membership.Membership = (*Engine)(nil)
var _ membership.HealthReporter = (*Engine)(nil)

// New validates opts and builds an engine. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.setDefaults()
    now := time.Now()
    e := &Engine{
        opts:     opts,
        tr:       opts.Transport,
        log:      opts.Logger.With().Str("node", opts.NodeID).Logger(),
        queue:    newQueue(opts.QueueCap),
        rng:      rand.New(rand.NewSource(opts.Seed)),
        table:    NewTable(opts.NodeID, opts.Transport.Addr(), opts.Incarnation, opts.suspicionTimeout(), opts.evictionTimeout(), now),
        probes:   map[uint64]*probe{},
        relays:   map[uint64]*relay{},
        seeds:    map[string]int{},
        delegate: opts.Delegate,
        reqs:     make(chan func()),
        timerCh:  make(chan timerFired, 64),
        outbox:   make(chan outbound, 1024),
        evts:     make(chan membership.Event, 256),
        done:     make(chan struct{}),
    }
    e.publish()
    return e, nil
}

// SetDelegate installs the mergeable-state delegate. It must be called
// before Start.
func (e *Engine) SetDelegate(d membership.Delegate) { e.delegate = d }

// Start launches the loop and sender goroutines. The node stays passive
// (ignoring gossip) until Join.
func (e *Engine) Start(ctx context.Context) error {
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.stopped { return membership.ErrStopped }
    if e.started { return nil }
    e.started = true
    runCtx, cancel := context.WithCancel(context.Background())
    e.cancel = cancel
    e.wg.Add(2)
    go e.loop(runCtx)
    go e.sendLoop(runCtx)
    go func() {
        select {
        case <-ctx.Done():
            _ = e.Stop()
        case <-e.done:
        }
    }()
    return nil
}

// Stop halts the engine, cancels pending timers and closes the transport.
func (e *Engine) Stop() error {
    e.mu.Lock()
    if e.stopped {
        e.mu.Unlock()
        return nil
    }
    e.stopped = true
    started := e.started
    e.mu.Unlock()
    // let queued frames (a leave announcement, typically) go out first
    deadline := time.Now().Add(e.opts.ProbeTimeout)
    for started && len(e.outbox) > 0 && time.Now().Before(deadline) {
        time.Sleep(5 * time.Millisecond)
    }
    close(e.done)
    if started {
        e.cancel()
        e.wg.Wait()
    }
    close(e.evts)
    return e.tr.Close()
}

// call runs fn on the loop and waits for it. ctx only bounds the wait for
// the loop to pick the request up.
func (e *Engine) call(ctx context.Context, fn func() error) error {
    e.mu.Lock()
    started, stopped := e.started, e.stopped
    e.mu.Unlock()
    if stopped { return membership.ErrStopped }
    if !started { return membership.ErrNotStarted }
    res := make(chan error, 1)
    req := func() {
        err := fn()
        e.publish()
        res <- err
    }
    select {
    case e.reqs <- req:
    case <-ctx.Done():
        return ctx.Err()
    case <-e.done:
        return membership.ErrStopped
    }
    // Accepted requests always run; report their outcome.
    return <-res
}

// Join activates gossip and pings each seed. With no seeds the node starts a
// new group.
func (e *Engine) Join(ctx context.Context, seeds []string) error {
    return e.call(ctx, func() error {
        if e.active { return membership.ErrAlreadyJoined }
        now := time.Now()
        if e.left {
            e.table.Rejoin(now)
            e.left = false
        }
        e.active = true
        e.dirty = true
        e.queue.pushDelta(toDelta(e.table.Local()))
        for _, s := range seeds {
            if s == "" || s == e.tr.Addr() { continue }
            e.seeds[s] = e.opts.JoinRetries
            e.pingSeed(s)
        }
        e.log.Info().Strs("seeds", seeds).Uint64("incarnation", e.table.Local().Incarnation).Msg("swim: joined")
        return nil
    })
}

// Leave announces Left for the local node at a new incarnation to every
// known peer and halts gossip rounds.
func (e *Engine) Leave(ctx context.Context) error {
    return e.call(ctx, func() error {
        if !e.active { return membership.ErrNotJoined }
        self := e.table.Leave(time.Now())
        e.queue.reset()
        d := toDelta(self)
        for _, id := range e.table.Peers(func(s membership.Status) bool { return !s.Dead() }) {
            p, _ := e.table.Get(id)
            e.sendPage(p.Addr, []wire.Delta{d}, nil)
        }
        e.active = false
        e.left = true
        e.dirty = true
        e.clearPending()
        e.log.Info().Uint64("incarnation", self.Incarnation).Msg("swim: left")
        return nil
    })
}

// Disseminate queues payload for piggybacking.
func (e *Engine) Disseminate(payload []byte) error {
    if len(payload) > wire.MaxPayloadSize { return wire.ErrFieldTooLong }
    e.queue.pushPayload(payload)
    return nil
}

func (e *Engine) Local() membership.MemberInfo { return e.snap.Load().local }

func (e *Engine) Members() []membership.MemberInfo {
    m := e.snap.Load().members
    return append([]membership.MemberInfo(nil), m...)
}

func (e *Engine) Active() bool { return e.snap.Load().active }

func (e *Engine) Events() <-chan membership.Event { return e.evts }

// HealthScore is the number of probes currently waiting on helpers.
func (e *Engine) HealthScore() int {
    e.mu.Lock()
    running := e.started && !e.stopped
    e.mu.Unlock()
    if !running { return -1 }
    return e.snap.Load().health
}

func (e *Engine) loop(ctx context.Context) {
    defer e.wg.Done()
    tick := time.NewTicker(e.opts.ProbeInterval)
    defer tick.Stop()
    packets := e.tr.Packets()
    for {
        select {
        case <-ctx.Done():
            e.clearPending()
            return
        case fn := <-e.reqs:
            fn()
        case p, ok := <-packets:
            if !ok {
                packets = nil
                continue
            }
            e.handlePacket(p)
        case tf := <-e.timerCh:
            e.handleTimer(tf)
        case now := <-tick.C:
            e.onTick(now)
        }
        if e.dirty { e.publish() }
    }
}

func (e *Engine) sendLoop(ctx context.Context) {
    defer e.wg.Done()
    for {
        select {
        case <-ctx.Done():
            return
        case o := <-e.outbox:
            sctx, cancel := context.WithTimeout(ctx, e.opts.ProbeTimeout)
            err := e.tr.Send(sctx, o.addr, o.buf)
            cancel()
            if err != nil {
                metrics.MessagesDropped.WithLabelValues("send_error").Inc()
                e.log.Debug().Str("peer", o.addr).Err(err).Msg("swim: send failed")
                continue
            }
            metrics.MessagesSent.WithLabelValues(o.typ.String()).Inc()
        }
    }
}

// publish stores a fresh snapshot for readers.
func (e *Engine) publish() {
    members := e.table.Snapshot()
    health := 0
    for _, p := range e.probes {
        if p.phase == phaseIndirect { health++ }
    }
    local := e.table.Local()
    e.snap.Store(&snapshot{local: local, members: members, active: e.active, health: health})
    e.dirty = false

    counts := map[membership.Status]int{}
    for _, m := range members { counts[m.Status]++ }
    for _, s := range []membership.Status{membership.StatusAlive, membership.StatusSuspect, membership.StatusDead, membership.StatusLeft} {
        metrics.Members.WithLabelValues(s.String()).Set(float64(counts[s]))
    }
    metrics.Incarnation.Set(float64(local.Incarnation))
    metrics.QueueDepth.Set(float64(e.queue.len()))
}

func (e *Engine) handlePacket(p transport.Packet) {
    m, err := wire.Decode(p.Buf)
    if err != nil {
        metrics.MessagesDropped.WithLabelValues("malformed").Inc()
        e.log.Debug().Str("peer", p.From).Err(err).Msg("swim: dropping malformed message")
        return
    }
    metrics.MessagesReceived.WithLabelValues(m.Type.String()).Inc()
    if !e.active {
        metrics.MessagesDropped.WithLabelValues("inactive").Inc()
        return
    }
    if m.From == "" || m.From == e.opts.NodeID { return }
    from := m.FromAddr
    if from == "" { from = p.From }
    _, known := e.table.Get(m.From)

    // A message is evidence its sender is alive, unless it carries the
    // sender's own claim (a leave announcement).
    selfClaim := false
    for _, d := range m.Deltas {
        if d.ID == m.From { selfClaim = true }
    }
    if !selfClaim {
        e.apply(Update{ID: m.From, Addr: from, Status: membership.StatusAlive, Incarnation: m.Incarnation})
    }
    for _, d := range m.Deltas {
        e.apply(Update{ID: d.ID, Addr: d.Addr, Status: d.Status, Incarnation: d.Incarnation})
    }
    if e.delegate != nil {
        for _, pl := range m.Payloads {
            if e.delegate.NotifyMsg(pl) { e.queue.pushPayload(pl) }
        }
    }

    switch m.Type {
    case wire.TypePing:
        if m.Target != "" && m.Target != e.opts.NodeID {
            metrics.MessagesDropped.WithLabelValues("misrouted").Inc()
            return
        }
        e.send(from, &wire.Message{Type: wire.TypeAck, Seq: m.Seq}, m.From)
    case wire.TypePingReq:
        e.relayProbe(m, from)
    case wire.TypeAck:
        e.handleAck(m)
    }

    if _, now := e.table.Get(m.From); !known && now {
        e.syncBurst(from)
    }
}

// apply feeds one update through the table and queues what was accepted.
func (e *Engine) apply(u Update) bool {
    tr, ok := e.table.ApplyUpdate(u, time.Now())
    if !ok { return false }
    e.dirty = true
    if tr.Refuted {
        metrics.Refutations.Inc()
        e.log.Info().Uint64("incarnation", tr.Member.Incarnation).Msg("swim: refuting suspicion")
    }
    e.queue.pushDelta(toDelta(tr.Member))
    e.emit(tr)
    return true
}

func (e *Engine) emit(tr Transition) {
    if tr.Event == "" || tr.Refuted { return }
    metrics.Transitions.WithLabelValues(string(tr.Event)).Inc()
    e.log.Debug().Str("peer", tr.Member.ID).Str("status", tr.Member.Status.String()).Uint64("incarnation", tr.Member.Incarnation).Msg("swim: " + string(tr.Event))
    select {
    case e.evts <- membership.Event{Type: tr.Event, Member: tr.Member, At: time.Now()}:
    default:
        e.log.Warn().Str("event", string(tr.Event)).Msg("swim: dropping event: channel full")
    }
}

func (e *Engine) handleAck(m *wire.Message) {
    if pr, ok := e.probes[m.Seq]; ok {
        pr.timer.Stop()
        delete(e.probes, m.Seq)
        e.dirty = true
        if pr.join {
            delete(e.seeds, pr.addr)
            return
        }
        if pr.phase == phaseDirect {
            metrics.Probes.WithLabelValues("ack").Inc()
            metrics.ProbeRTT.Observe(time.Since(pr.sentAt).Seconds())
        } else {
            metrics.Probes.WithLabelValues("indirect_ack").Inc()
        }
        if tr, ok := e.table.Confirm(pr.target, time.Now()); ok { e.emit(tr) }
        return
    }
    if rl, ok := e.relays[m.Seq]; ok {
        rl.timer.Stop()
        delete(e.relays, m.Seq)
        if m.From == rl.target {
            e.send(rl.requester, &wire.Message{Type: wire.TypeAck, Seq: rl.origSeq, Target: rl.target}, "")
        }
    }
}

func (e *Engine) relayProbe(m *wire.Message, requester string) {
    if m.Target == "" || m.TargetAddr == "" { return }
    seq := e.nextSeq()
    e.relays[seq] = &relay{origSeq: m.Seq, requester: requester, target: m.Target, timer: e.after(e.opts.IndirectTimeout, timerFired{kind: relayTimeout, seq: seq})}
    e.send(m.TargetAddr, &wire.Message{Type: wire.TypePing, Seq: seq, Target: m.Target, TargetAddr: m.TargetAddr}, "")
}

func (e *Engine) handleTimer(tf timerFired) {
    switch tf.kind {
    case relayTimeout:
        delete(e.relays, tf.seq)
    case probeTimeout:
        pr, ok := e.probes[tf.seq]
        if !ok { return }
        if pr.join {
            delete(e.probes, tf.seq)
            return
        }
        if pr.phase == phaseDirect {
            helpers := e.pick(e.opts.IndirectChecks, func(s membership.Status) bool { return s == membership.StatusAlive }, pr.target)
            if len(helpers) > 0 {
                for _, h := range helpers {
                    e.send(h.Addr, &wire.Message{Type: wire.TypePingReq, Seq: pr.seq, Target: pr.target, TargetAddr: pr.addr}, "")
                }
                pr.phase = phaseIndirect
                pr.timer = e.after(e.opts.IndirectTimeout, tf)
                e.dirty = true
                return
            }
        }
        delete(e.probes, tf.seq)
        metrics.Probes.WithLabelValues("failed").Inc()
        e.dirty = true
        if st, ok := e.table.Get(pr.target); ok && st.Status == membership.StatusAlive {
            e.apply(Update{ID: st.ID, Addr: st.Addr, Status: membership.StatusSuspect, Incarnation: st.Incarnation})
        }
    }
}

func (e *Engine) onTick(now time.Time) {
    for _, tr := range e.table.Tick(now) {
        e.dirty = true
        if tr.Event != membership.EventEvicted { e.queue.pushDelta(toDelta(tr.Member)) }
        e.emit(tr)
    }
    if !e.active { return }
    e.round++
    e.retrySeeds()
    for _, t := range e.pick(e.opts.ProbeFanout, func(s membership.Status) bool { return !s.Dead() }, "") {
        e.probe(t)
    }
    if e.round%e.opts.SyncEvery == 0 { e.antiEntropy() }
}

func (e *Engine) probe(t membership.MemberInfo) {
    seq := e.nextSeq()
    about := ""
    if t.Status == membership.StatusSuspect { about = t.ID }
    e.probes[seq] = &probe{seq: seq, target: t.ID, addr: t.Addr, sentAt: time.Now(), timer: e.after(e.opts.ProbeTimeout, timerFired{kind: probeTimeout, seq: seq})}
    e.send(t.Addr, &wire.Message{Type: wire.TypePing, Seq: seq, Target: t.ID, TargetAddr: t.Addr}, about)
}

func (e *Engine) pingSeed(addr string) {
    seq := e.nextSeq()
    e.probes[seq] = &probe{seq: seq, addr: addr, join: true, sentAt: time.Now(), timer: e.after(e.opts.ProbeTimeout, timerFired{kind: probeTimeout, seq: seq})}
    e.send(addr, &wire.Message{Type: wire.TypePing, Seq: seq, TargetAddr: addr}, "")
}

func (e *Engine) retrySeeds() {
    if len(e.seeds) == 0 { return }
    if len(e.table.Peers(func(s membership.Status) bool { return s == membership.StatusAlive })) > 0 {
        e.seeds = map[string]int{}
        return
    }
    for addr, left := range e.seeds {
        if left <= 0 {
            delete(e.seeds, addr)
            e.log.Warn().Str("peer", addr).Msg("swim: seed did not answer")
            continue
        }
        e.seeds[addr] = left - 1
        e.pingSeed(addr)
    }
}

// antiEntropy sends one bounded page of state to a random peer.
func (e *Engine) antiEntropy() {
    peers := e.pick(1, func(s membership.Status) bool { return s == membership.StatusAlive }, "")
    if len(peers) == 0 { return }
    all := e.table.Snapshot()
    if e.cursor >= len(all) { e.cursor = 0 }
    end := e.cursor + pageDeltas
    if end > len(all) { end = len(all) }
    deltas := make([]wire.Delta, 0, end-e.cursor)
    for _, m := range all[e.cursor:end] { deltas = append(deltas, toDelta(m)) }
    e.cursor = end
    var payloads [][]byte
    if e.delegate != nil { payloads = e.delegate.SyncPayloads(pagePayloads) }
    e.sendPage(peers[0].Addr, deltas, payloads)
}

// syncBurst sends a newly met peer everything we know, in bounded pages.
func (e *Engine) syncBurst(addr string) {
    all := e.table.Snapshot()
    deltas := make([]wire.Delta, 0, len(all))
    for _, m := range all { deltas = append(deltas, toDelta(m)) }
    var payloads [][]byte
    if e.delegate != nil { payloads = e.delegate.SyncPayloads(burstPayloads) }
    e.sendPage(addr, deltas, payloads)
}

// sendPage sends deltas and payloads as Broadcast frames, as many as needed.
func (e *Engine) sendPage(addr string, deltas []wire.Delta, payloads [][]byte) {
    for len(deltas) > 0 || len(payloads) > 0 {
        m := e.header(&wire.Message{Type: wire.TypeBroadcast})
        buf, nd, np, err := wire.Pack(m, deltas, payloads)
        if err != nil {
            e.log.Warn().Err(err).Msg("swim: encode page")
            return
        }
        if nd == 0 && np == 0 {
            // the head item can never fit; skip it
            if len(deltas) > 0 { deltas = deltas[1:] } else { payloads = payloads[1:] }
            continue
        }
        deltas, payloads = deltas[nd:], payloads[np:]
        e.enqueue(addr, wire.TypeBroadcast, buf)
    }
}

// send fills m with sender fields and piggybacked queue items. When about
// names a member we consider not alive, its state goes first so it can
// refute.
func (e *Engine) send(addr string, m *wire.Message, about string) {
    e.header(m)
    var lead []wire.Delta
    if about != "" {
        if d, ok := e.accusation(about); ok { lead = append(lead, d) }
    }
    ds, ps := e.queue.candidates(maxCandidates, pagePayloads)
    deltas := append([]wire.Delta(nil), lead...)
    for _, it := range ds { deltas = append(deltas, it.delta) }
    payloads := make([][]byte, 0, len(ps))
    for _, it := range ps { payloads = append(payloads, it.payload) }

    buf, nd, np, err := wire.Pack(m, deltas, payloads)
    if err != nil {
        e.log.Warn().Err(err).Str("type", m.Type.String()).Msg("swim: encode")
        return
    }
    nq := nd - len(lead)
    if nq < 0 { nq = 0 }
    limit := retransmitLimit(e.opts.RetransmitMult, e.table.Len())
    e.queue.sent(ds[:nq], limit)
    e.queue.sent(ps[:np], limit)
    e.enqueue(addr, m.Type, buf)
}

func (e *Engine) accusation(id string) (wire.Delta, bool) {
    if st, ok := e.table.Get(id); ok && st.Status != membership.StatusAlive {
        return toDelta(st), true
    }
    if inc, ok := e.table.Tombstone(id); ok {
        return wire.Delta{ID: id, Status: membership.StatusDead, Incarnation: inc}, true
    }
    return wire.Delta{}, false
}

func (e *Engine) header(m *wire.Message) *wire.Message {
    self := e.table.Local()
    m.From, m.FromAddr, m.Incarnation = self.ID, self.Addr, self.Incarnation
    return m
}

func (e *Engine) enqueue(addr string, typ wire.Type, buf []byte) {
    select {
    case e.outbox <- outbound{addr: addr, typ: typ, buf: buf}:
    default:
        metrics.MessagesDropped.WithLabelValues("outbox_full").Inc()
    }
}

// pick returns up to n random peers whose status satisfies keep, excluding
// the member named skip.
func (e *Engine) pick(n int, keep func(membership.Status) bool, skip string) []membership.MemberInfo {
    ids := e.table.Peers(keep)
    e.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
    out := make([]membership.MemberInfo, 0, n)
    for _, id := range ids {
        if len(out) == n { break }
        if id == skip { continue }
        m, _ := e.table.Get(id)
        out = append(out, m)
    }
    return out
}

// after fires ev into the loop once d elapses, unless the engine stopped.
func (e *Engine) after(d time.Duration, ev timerFired) *time.Timer {
    return time.AfterFunc(d, func() {
        select {
        case e.timerCh <- ev:
        case <-e.done:
        }
    })
}

func (e *Engine) clearPending() {
    for seq, p := range e.probes {
        p.timer.Stop()
        delete(e.probes, seq)
    }
    for seq, r := range e.relays {
        r.timer.Stop()
        delete(e.relays, seq)
    }
    e.seeds = map[string]int{}
}

func (e *Engine) nextSeq() uint64 {
    e.seq++
    return e.seq
}

func toDelta(m membership.MemberInfo) wire.Delta {
    return wire.Delta{ID: m.ID, Addr: m.Addr, Status: m.Status, Incarnation: m.Incarnation}
}
