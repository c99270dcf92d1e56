// Package cli provides cobra commands to run a node and drive its
// management endpoint. Services can mount them under their own root.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-swim/pkg/bootstrap"
    "github.com/amirimatin/go-swim/pkg/observability/tracing"
    "github.com/amirimatin/go-swim/pkg/transport"
)

// AddAll attaches run/status/join/leave/broadcast/get to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd(), NewStatusCmd(), NewJoinCmd(), NewLeaveCmd(), NewBroadcastCmd(), NewGetCmd())
}

// NewRunCmd starts a node. Flag defaults come from SWIM_* variables when
// set, so flags and environment can be mixed.
func NewRunCmd() *cobra.Command {
    cfg, envErr := bootstrap.FromEnv()
    if envErr != nil { cfg = bootstrap.Default() }
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a gossip node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if envErr != nil { return envErr }
            ctx, cancel := signalContext()
            defer cancel()

            shutdown, err := tracing.Setup(cfg.Trace, cmd.ErrOrStderr())
            if err != nil { return fmt.Errorf("tracing: %w", err) }
            defer func() { _ = shutdown(context.Background()) }()

            n, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer func() {
                sctx, c := context.WithTimeout(context.Background(), 5*time.Second)
                defer c()
                _ = n.Stop(sctx)
            }()
            st, _ := n.Status(ctx)
            fmt.Fprintf(cmd.OutOrStdout(), "node %s gossiping on %s, control on %s. Press Ctrl+C to exit.\n", st.ID, st.Addr, n.ControlAddr())
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfg.NodeID, "id", cfg.NodeID, "node id (default: persisted or generated)")
    f.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "gossip bind address (host:port)")
    f.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "gossip advertise address (host:port)")
    f.StringSliceVar(&cfg.AnnounceTo, "announce", cfg.AnnounceTo, "seed addresses to join through")
    f.BoolVar(&cfg.Passive, "passive", cfg.Passive, "start without joining; wait for a join command")
    f.BoolVar(&cfg.Broadcast, "broadcast", cfg.Broadcast, "accept local writes")
    f.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "management address (host:port, - to disable)")
    f.StringVar(&cfg.ControlProto, "proto", cfg.ControlProto, "management protocol: http|grpc")
    f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for identity and snapshots (empty: memory only)")
    f.StringVar(&cfg.Store, "store", cfg.Store, "store backend: file|bolt|memory")
    f.DurationVar(&cfg.PersistInterval, "persist-interval", cfg.PersistInterval, "snapshot interval")
    f.StringVar(&cfg.Engine, "engine", cfg.Engine, "failure detector: swim|memberlist")
    f.StringVar(&cfg.Discovery, "discovery", cfg.Discovery, "extra seed source: static|file|dns")
    f.StringVar(&cfg.DiscoveryFile, "discovery-file", cfg.DiscoveryFile, "seed file path or glob")
    f.StringSliceVar(&cfg.DiscoveryDNS, "discovery-dns", cfg.DiscoveryDNS, "SRV or host names to resolve")
    f.IntVar(&cfg.DiscoveryDNSPort, "discovery-dns-port", cfg.DiscoveryDNSPort, "port for A/AAAA answers")
    f.DurationVar(&cfg.DiscoveryRefresh, "discovery-refresh", cfg.DiscoveryRefresh, "discovery cache duration")
    f.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "protocol period")
    f.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "direct probe timeout")
    f.IntVar(&cfg.ProbeFanout, "probe-fanout", cfg.ProbeFanout, "members probed per round")
    f.IntVar(&cfg.IndirectChecks, "indirect-checks", cfg.IndirectChecks, "helpers per indirect probe")
    f.IntVar(&cfg.SuspicionMult, "suspicion-mult", cfg.SuspicionMult, "suspicion timeout in rounds")
    f.IntVar(&cfg.EvictionMult, "eviction-mult", cfg.EvictionMult, "rounds before a dead member is forgotten")
    f.IntVar(&cfg.RetransmitMult, "retransmit-mult", cfg.RetransmitMult, "gossip retransmission multiplier")
    f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
    f.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "log as JSON")
    f.BoolVar(&cfg.Trace, "trace", cfg.Trace, "export OpenTelemetry spans to stderr")
    tlsFlags(f, &cfg)
    return cmd
}

func tlsFlags(f *pflag.FlagSet, cfg *bootstrap.Config) {
    f.BoolVar(&cfg.TLSEnable, "tls", cfg.TLSEnable, "enable (m)TLS on the management endpoint")
    f.StringVar(&cfg.TLSCA, "tls-ca", cfg.TLSCA, "CA certificate (PEM)")
    f.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "certificate (PEM)")
    f.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "private key (PEM)")
    f.StringVar(&cfg.TLSServerName, "tls-server-name", cfg.TLSServerName, "expected server name")
    f.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", cfg.TLSSkipVerify, "skip server verification (development only)")
}

// remote holds the flags shared by commands that talk to a running node.
type remote struct {
    cfg     bootstrap.Config
    addr    string
    timeout time.Duration
}

func (r *remote) bind(cmd *cobra.Command) {
    r.cfg = bootstrap.Default()
    f := cmd.Flags()
    f.StringVar(&r.addr, "addr", "127.0.0.1:17946", "management address of a node")
    f.StringVar(&r.cfg.ControlProto, "proto", r.cfg.ControlProto, "management protocol: http|grpc")
    f.DurationVar(&r.timeout, "timeout", 3*time.Second, "request timeout")
    tlsFlags(f, &r.cfg)
}

func (r *remote) call(cmd *cobra.Command, fn func(context.Context, transport.RPCClient) (any, error)) error {
    client, err := bootstrap.Client(r.cfg, r.timeout)
    if err != nil { return err }
    if c, ok := client.(interface{ Close() }); ok { defer c.Close() }
    ctx, cancel := context.WithTimeout(cmd.Context(), r.timeout)
    defer cancel()
    out, err := fn(ctx, client)
    if err != nil { return err }
    if raw, ok := out.([]byte); ok {
        w := cmd.OutOrStdout()
        _, _ = w.Write(raw)
        if len(raw) == 0 || raw[len(raw)-1] != '\n' { _, _ = w.Write([]byte("\n")) }
        return nil
    }
    return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
}

// NewStatusCmd prints a node's status as JSON.
func NewStatusCmd() *cobra.Command {
    var r remote
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Print node status as JSON",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, args []string) error {
            return r.call(cmd, func(ctx context.Context, c transport.RPCClient) (any, error) { return c.GetStatus(ctx, r.addr) })
        },
    }
    r.bind(cmd)
    return cmd
}

// NewJoinCmd asks a passive or departed node to join through the given seeds.
func NewJoinCmd() *cobra.Command {
    var r remote
    cmd := &cobra.Command{
        Use:   "join [seed...]",
        Short: "Join a node to a group (no seeds: discovery or a new group)",
        RunE: func(cmd *cobra.Command, args []string) error {
            return r.call(cmd, func(ctx context.Context, c transport.RPCClient) (any, error) {
                return c.PostJoin(ctx, r.addr, transport.JoinRequest{Seeds: args})
            })
        },
    }
    r.bind(cmd)
    return cmd
}

func NewLeaveCmd() *cobra.Command {
    var r remote
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Make a node announce its departure",
        Args:  cobra.NoArgs,
        RunE: func(cmd *cobra.Command, args []string) error {
            return r.call(cmd, func(ctx context.Context, c transport.RPCClient) (any, error) {
                return c.PostLeave(ctx, r.addr, transport.LeaveRequest{})
            })
        },
    }
    r.bind(cmd)
    return cmd
}

func NewBroadcastCmd() *cobra.Command {
    var (
        r   remote
        del bool
    )
    cmd := &cobra.Command{
        Use:   "broadcast key [value]",
        Short: "Write (or with --delete remove) a key in the replicated state",
        Args:  cobra.RangeArgs(1, 2),
        RunE: func(cmd *cobra.Command, args []string) error {
            req := transport.BroadcastRequest{Key: args[0], Delete: del}
            switch {
            case del && len(args) == 2:
                return fmt.Errorf("--delete takes no value")
            case !del && len(args) == 1:
                return fmt.Errorf("missing value")
            case !del:
                req.Value = []byte(args[1])
            }
            return r.call(cmd, func(ctx context.Context, c transport.RPCClient) (any, error) { return c.PostBroadcast(ctx, r.addr, req) })
        },
    }
    r.bind(cmd)
    cmd.Flags().BoolVar(&del, "delete", false, "remove the key")
    return cmd
}

func NewGetCmd() *cobra.Command {
    var (
        r   remote
        raw bool
    )
    cmd := &cobra.Command{
        Use:   "get key",
        Short: "Read a key from a node's replica",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            return r.call(cmd, func(ctx context.Context, c transport.RPCClient) (any, error) {
                resp, err := c.GetValue(ctx, r.addr, transport.GetRequest{Key: args[0]})
                if err != nil { return nil, err }
                if !resp.Found { return nil, fmt.Errorf("key %q not found", args[0]) }
                if raw { return resp.Value, nil }
                return resp, nil
            })
        },
    }
    r.bind(cmd)
    cmd.Flags().BoolVar(&raw, "raw", false, "print only the value bytes")
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
