// Package bootstrap assembles a node from Config: store, identity, gossip
// engine, discovery and management endpoint.
package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "strings"
    "time"

    "github.com/rs/zerolog"

    "github.com/amirimatin/go-swim/pkg/discovery"
    dDNS "github.com/amirimatin/go-swim/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-swim/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-swim/pkg/discovery/static"
    "github.com/amirimatin/go-swim/internal/logutil"
    "github.com/amirimatin/go-swim/pkg/membership"
    ml "github.com/amirimatin/go-swim/pkg/membership/memberlist"
    "github.com/amirimatin/go-swim/pkg/membership/swim"
    "github.com/amirimatin/go-swim/pkg/node"
    tlsx "github.com/amirimatin/go-swim/pkg/security/tlsconfig"
    "github.com/amirimatin/go-swim/pkg/store"
    boltstore "github.com/amirimatin/go-swim/pkg/store/bolt"
    filestore "github.com/amirimatin/go-swim/pkg/store/file"
    memstore "github.com/amirimatin/go-swim/pkg/store/memory"
    "github.com/amirimatin/go-swim/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-swim/pkg/transport/grpc"
    "github.com/amirimatin/go-swim/pkg/transport/httpjson"
    "github.com/amirimatin/go-swim/pkg/transport/udp"
)

// logger returns c.Logger or one built from LogLevel/LogJSON.
func (c Config) logger() zerolog.Logger {
    if c.Logger != nil { return *c.Logger }
    return logutil.New(logutil.Options{Level: c.LogLevel, JSON: c.LogJSON})
}

// Build assembles a node without starting it. On error everything opened
// so far is released.
func Build(cfg Config) (n *node.Node, err error) {
    cfg.SetDefaults()
    if err := cfg.Validate(); err != nil { return nil, err }
    log := cfg.logger()

    st, err := openStore(cfg)
    if err != nil { return nil, err }
    defer func() {
        if err != nil { _ = st.Close() }
    }()

    advertise := cfg.AdvertiseAddr
    if advertise == "" { advertise = cfg.BindAddr }
    ident, err := node.ResolveIdentity(st, cfg.NodeID, advertise)
    if err != nil { return nil, err }
    log.Info().Str("node", ident.ID).Uint64("incarnation", ident.Incarnation).Str("store", cfg.Store).Msg("bootstrap: identity resolved")

    srv, err := buildServer(cfg, log)
    if err != nil { return nil, err }
    mem, err := buildMembership(cfg, ident, log)
    if err != nil { return nil, err }
    defer func() {
        if err != nil { _ = mem.Stop() }
    }()

    return node.New(node.Options{
        NodeID:           ident.ID,
        Membership:       mem,
        Store:            st,
        Discovery:        buildDiscovery(cfg, log),
        Logger:           log,
        DisableBroadcast: !cfg.Broadcast,
        PersistInterval:  cfg.PersistInterval,
        RPCServer:        srv,
    })
}

// Run builds and starts a node and, unless Passive, joins it through the
// configured seeds. The caller owns Stop.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil {
        _ = n.Stop(context.Background())
        return nil, err
    }
    if cfg.Passive { return n, nil }
    jctx, cancel := context.WithTimeout(ctx, 30*time.Second)
    defer cancel()
    if err := n.Join(jctx); err != nil {
        _ = n.Stop(context.Background())
        return nil, fmt.Errorf("bootstrap: join: %w", err)
    }
    return n, nil
}

func openStore(cfg Config) (store.Store, error) {
    switch strings.ToLower(cfg.Store) {
    case "bolt":
        return boltstore.New(cfg.DataDir)
    case "file":
        return filestore.New(cfg.DataDir)
    }
    return memstore.New(), nil
}

func buildMembership(cfg Config, ident store.Identity, log zerolog.Logger) (membership.Membership, error) {
    if strings.EqualFold(cfg.Engine, "memberlist") {
        return ml.New(ml.Options{
            NodeID:         ident.ID,
            Bind:           cfg.BindAddr,
            Advertise:      cfg.AdvertiseAddr,
            Meta:           map[string]string{"control": cfg.ControlAddr},
            Logger:         log,
            ProbeInterval:  cfg.ProbeInterval,
            ProbeTimeout:   cfg.ProbeTimeout,
            SuspicionMult:  cfg.SuspicionMult,
            RetransmitMult: cfg.RetransmitMult,
            IndirectChecks: cfg.IndirectChecks,
        })
    }
    tr, err := udp.New(udp.Options{Bind: cfg.BindAddr, Advertise: cfg.AdvertiseAddr, Logger: log})
    if err != nil { return nil, err }
    eng, err := swim.New(swim.Options{
        NodeID:         ident.ID,
        Incarnation:    ident.Incarnation,
        Transport:      tr,
        Logger:         log,
        ProbeInterval:  cfg.ProbeInterval,
        ProbeTimeout:   cfg.ProbeTimeout,
        ProbeFanout:    cfg.ProbeFanout,
        IndirectChecks: cfg.IndirectChecks,
        SuspicionMult:  cfg.SuspicionMult,
        EvictionMult:   cfg.EvictionMult,
        RetransmitMult: cfg.RetransmitMult,
    })
    if err != nil {
        _ = tr.Close()
        return nil, err
    }
    return eng, nil
}

func buildDiscovery(cfg Config, log zerolog.Logger) discovery.Discovery {
    announce := dStatic.New(cfg.AnnounceTo...)
    switch strings.ToLower(cfg.Discovery) {
    case "file":
        return discovery.Multi(announce, dFile.New(dFile.Options{Path: cfg.DiscoveryFile, Refresh: cfg.DiscoveryRefresh, Logger: log}))
    case "dns":
        return discovery.Multi(announce, dDNS.New(dDNS.Options{Names: cfg.DiscoveryDNS, Port: cfg.DiscoveryDNSPort, Refresh: cfg.DiscoveryRefresh, Logger: log}))
    }
    return announce
}

func (c Config) tlsOptions() tlsx.Options {
    return tlsx.Options{Enable: c.TLSEnable, CAFile: c.TLSCA, CertFile: c.TLSCert, KeyFile: c.TLSKey, ServerName: c.TLSServerName, InsecureSkipVerify: c.TLSSkipVerify}
}

func buildServer(cfg Config, log zerolog.Logger) (transport.RPCServer, error) {
    if cfg.ControlAddr == "-" { return nil, nil }
    srvTLS, err := cfg.tlsOptions().Server()
    if err != nil { return nil, err }
    if strings.EqualFold(cfg.ControlProto, "grpc") {
        s := mgmtgrpc.NewServer(cfg.ControlAddr)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        return s, nil
    }
    s := httpjson.NewServer(cfg.ControlAddr, log)
    if srvTLS != nil { s.UseTLS(srvTLS) }
    return s, nil
}

// Client returns a management client matching cfg's protocol and TLS.
func Client(cfg Config, timeout time.Duration) (transport.RPCClient, error) {
    var cliTLS *tls.Config
    if cfg.TLSEnable {
        c, err := cfg.tlsOptions().Client()
        if err != nil { return nil, err }
        cliTLS = c
    }
    if strings.EqualFold(cfg.ControlProto, "grpc") {
        c := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return c, nil
    }
    c := httpjson.NewClient(timeout)
    if cliTLS != nil { c.UseTLS(cliTLS) }
    return c, nil
}

