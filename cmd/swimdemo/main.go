// swimdemo runs a small group in one process over an in-memory network,
// writes some keys, partitions one member and prints what every node sees.
package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/rs/zerolog"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-swim/internal/logutil"
    "github.com/amirimatin/go-swim/pkg/membership/swim"
    "github.com/amirimatin/go-swim/pkg/node"
    "github.com/amirimatin/go-swim/pkg/transport/mem"
)

func main() {
    var (
        size     = pflag.IntP("nodes", "n", 5, "group size")
        interval = pflag.Duration("probe-interval", 200*time.Millisecond, "protocol period")
        level    = pflag.String("log-level", "warn", "log level")
    )
    pflag.Parse()
    log := logutil.New(logutil.Options{Level: *level})
    if *size < 2 { log.Fatal().Msg("need at least two nodes") }

    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    net := mem.NewNetwork()
    nodes := make([]*node.Node, *size)
    for i := range nodes {
        n, err := start(ctx, net, fmt.Sprintf("node-%d", i), *interval, log)
        if err != nil { log.Fatal().Err(err).Msg("start") }
        defer func() { _ = n.Stop(context.Background()) }()
        nodes[i] = n
        var seeds []string
        if i > 0 { seeds = []string{"node-0:7946"} }
        if err := n.Join(ctx, seeds...); err != nil { log.Fatal().Err(err).Msg("join") }
    }
    go watch(ctx, nodes[0])

    wait(ctx, 10*(*interval))
    for i, n := range nodes {
        if err := n.Broadcast(ctx, fmt.Sprintf("greeting/%d", i), []byte("hello from "+fmt.Sprint(i))); err != nil {
            log.Error().Err(err).Msg("broadcast")
        }
    }
    wait(ctx, 10*(*interval))
    report(ctx, nodes)

    victim := fmt.Sprintf("node-%d:7946", *size-1)
    fmt.Printf("\n-- isolating %s --\n", victim)
    net.Isolate(victim)
    wait(ctx, 20*(*interval))
    report(ctx, nodes[:*size-1])

    fmt.Println("\n-- healing; Ctrl+C to exit --")
    net.Heal()
    <-ctx.Done()
}

func start(ctx context.Context, net *mem.Network, id string, interval time.Duration, log zerolog.Logger) (*node.Node, error) {
    eng, err := swim.New(swim.Options{NodeID: id, Transport: net.Listen(id + ":7946"), ProbeInterval: interval, Logger: log})
    if err != nil { return nil, err }
    n, err := node.New(node.Options{NodeID: id, Membership: eng, Logger: log})
    if err != nil { return nil, err }
    return n, n.Start(ctx)
}

func watch(ctx context.Context, n *node.Node) {
    for ev := range n.Subscribe(ctx) {
        switch {
        case ev.Member != nil:
            fmt.Printf("event %-15s %s (%s, inc %d)\n", ev.Type, ev.Member.ID, ev.Member.Status, ev.Member.Incarnation)
        default:
            fmt.Printf("event %-15s key=%s deleted=%v\n", ev.Type, ev.Key, ev.Deleted)
        }
    }
}

func report(ctx context.Context, nodes []*node.Node) {
    for _, n := range nodes {
        st, _ := n.Status(ctx)
        fmt.Printf("%s: alive=%d members=%d keys=%d healthy=%v\n", st.ID, st.Alive(), len(st.Members), st.Keys, st.Healthy)
    }
}

func wait(ctx context.Context, d time.Duration) {
    select {
    case <-ctx.Done():
    case <-time.After(d):
    }
}
