package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    Members = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "go_swim",
        Name:      "members",
        Help:      "Known members by status",
    }, []string{"status"})

    Incarnation = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_swim",
        Name:      "incarnation",
        Help:      "Local incarnation number",
    })

    Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_swim",
        Name:      "transitions_total",
        Help:      "Membership transitions observed, by resulting event",
    }, []string{"event"})

    Refutations = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_swim",
        Name:      "refutations_total",
        Help:      "Times the local node refuted a suspicion about itself",
    })

    Probes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "probe",
        Name:      "total",
        Help:      "Probe outcomes (ack, indirect_ack, failed)",
    }, []string{"result"})

    ProbeRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "go_swim",
        Subsystem: "probe",
        Name:      "rtt_seconds",
        Help:      "Direct probe round trip time",
        Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
    })

    MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "gossip",
        Name:      "messages_sent_total",
        Help:      "Gossip messages sent by type",
    }, []string{"type"})

    MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "gossip",
        Name:      "messages_received_total",
        Help:      "Gossip messages received by type",
    }, []string{"type"})

    MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "gossip",
        Name:      "messages_dropped_total",
        Help:      "Gossip messages dropped by reason",
    }, []string{"reason"})

    QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_swim",
        Subsystem: "gossip",
        Name:      "queue_depth",
        Help:      "Items waiting in the piggyback queue",
    })

    ReplicaKeys = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_swim",
        Subsystem: "replica",
        Name:      "keys",
        Help:      "Live keys in the replicated document",
    })

    ReplicaMerges = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "replica",
        Name:      "merges_total",
        Help:      "Remote diffs merged (changed, unchanged, malformed)",
    }, []string{"result"})

    ReplicaWrites = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "replica",
        Name:      "writes_total",
        Help:      "Local broadcast writes",
    })

    ControlRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "control",
        Name:      "requests_total",
        Help:      "Control operations by op and result",
    }, []string{"op", "result"})

    PersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "store",
        Name:      "errors_total",
        Help:      "Failed snapshot writes",
    })

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_swim",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_swim",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
// Collectors are updated whether or not they are registered.
func Register() {
    once.Do(func() {
        prometheus.MustRegister(Members, Incarnation, Transitions, Refutations)
        prometheus.MustRegister(Probes, ProbeRTT)
        prometheus.MustRegister(MessagesSent, MessagesReceived, MessagesDropped, QueueDepth)
        prometheus.MustRegister(ReplicaKeys, ReplicaMerges, ReplicaWrites)
        prometheus.MustRegister(ControlRequests, PersistErrors)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}
