package swim

import (
    "errors"
    "time"

    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/amirimatin/go-swim/pkg/transport"
    "github.com/amirimatin/go-swim/pkg/wire"
    "github.com/rs/zerolog"
)

// Options configures an Engine. Zero values take the defaults noted below.
type Options struct {
    NodeID string
    // Incarnation to start at, normally one above the last persisted value.
    Incarnation uint64
    Transport   transport.Transport
    // Delegate receives replicated payloads. Optional.
    Delegate membership.Delegate
    Logger   zerolog.Logger

    ProbeInterval   time.Duration // 1s
    ProbeTimeout    time.Duration // 500ms, must be below ProbeInterval
    IndirectTimeout time.Duration // 2 * ProbeTimeout
    ProbeFanout     int           // k = 3 direct probes per round
    IndirectChecks  int           // m = 3 helpers per indirect probe
    SuspicionMult   int           // suspicion timeout = 5 rounds
    EvictionMult    int           // eviction grace = 10 rounds
    RetransmitMult  int           // 4
    // SyncEvery is the number of rounds between anti-entropy pages.
    SyncEvery  int // 5
    QueueCap   int // 1024
    JoinRetries int // 5
    // Seed for peer selection; zero seeds from the clock.
    Seed int64
}

func (o *Options) setDefaults() {
    if o.ProbeInterval == 0 { o.ProbeInterval = time.Second }
    if o.ProbeTimeout == 0 { o.ProbeTimeout = o.ProbeInterval / 2 }
    if o.IndirectTimeout == 0 { o.IndirectTimeout = 2 * o.ProbeTimeout }
    if o.ProbeFanout == 0 { o.ProbeFanout = 3 }
    if o.IndirectChecks == 0 { o.IndirectChecks = 3 }
    if o.SuspicionMult == 0 { o.SuspicionMult = 5 }
    if o.EvictionMult == 0 { o.EvictionMult = 10 }
    if o.RetransmitMult == 0 { o.RetransmitMult = 4 }
    if o.SyncEvery == 0 { o.SyncEvery = 5 }
    if o.QueueCap == 0 { o.QueueCap = 1024 }
    if o.JoinRetries == 0 { o.JoinRetries = 5 }
    if o.Seed == 0 { o.Seed = time.Now().UnixNano() }
}

// Validate checks the options after defaults are applied.
func (o Options) Validate() error {
    o.setDefaults()
    if o.NodeID == "" { return errors.New("swim: empty NodeID") }
    if len(o.NodeID) > wire.MaxIDLen { return errors.New("swim: NodeID too long") }
    if o.Transport == nil { return errors.New("swim: nil Transport") }
    if o.ProbeInterval < 0 || o.ProbeTimeout < 0 || o.IndirectTimeout < 0 { return errors.New("swim: negative interval") }
    if o.ProbeTimeout >= o.ProbeInterval { return errors.New("swim: ProbeTimeout must be below ProbeInterval") }
    if o.ProbeFanout < 0 || o.IndirectChecks < 0 { return errors.New("swim: negative fanout") }
    if o.SuspicionMult < 1 || o.EvictionMult < 1 || o.RetransmitMult < 1 { return errors.New("swim: multipliers must be positive") }
    return nil
}

func (o Options) suspicionTimeout() time.Duration { return time.Duration(o.SuspicionMult) * o.ProbeInterval }
func (o Options) evictionTimeout() time.Duration  { return time.Duration(o.EvictionMult) * o.ProbeInterval }
