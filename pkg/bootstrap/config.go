package bootstrap

import (
    "errors"
    "fmt"
    "net"
    "strings"
    "time"

    "github.com/rs/zerolog"
    "github.com/vrischmann/envconfig"
)

// Config is everything needed to assemble one gossip node. Zero values take
// the defaults applied by FromEnv and SetDefaults.
type Config struct {
    // Identity and gossip addresses.
    NodeID        string `envconfig:"optional"`
    BindAddr      string `envconfig:"default=:7946"`
    AdvertiseAddr string `envconfig:"optional"`
    // AnnounceTo lists seeds joined on Run.
    AnnounceTo []string `envconfig:"optional"`
    // Passive skips the join on Run; the node waits for a join command.
    Passive bool `envconfig:"default=false"`
    // Broadcast enables local writes. Remote updates merge regardless.
    Broadcast bool `envconfig:"default=true"`

    // Management endpoint.
    ControlAddr  string `envconfig:"default=:17946"`
    ControlProto string `envconfig:"default=http"` // http | grpc

    // Persistence. Empty DataDir keeps everything in memory.
    DataDir         string        `envconfig:"optional"`
    Store           string        `envconfig:"default=file"` // file | bolt | memory
    PersistInterval time.Duration `envconfig:"default=10s"`

    // Engine selects the failure detector: the built-in swim engine or
    // hashicorp/memberlist.
    Engine string `envconfig:"default=swim"`

    // Discovery: static (AnnounceTo only), file or dns.
    Discovery        string        `envconfig:"default=static"`
    DiscoveryFile    string        `envconfig:"optional"`
    DiscoveryDNS     []string      `envconfig:"optional"`
    DiscoveryDNSPort int           `envconfig:"default=7946"`
    DiscoveryRefresh time.Duration `envconfig:"default=5s"`

    // Protocol tuning; zero keeps the engine defaults.
    ProbeInterval  time.Duration `envconfig:"optional"`
    ProbeTimeout   time.Duration `envconfig:"optional"`
    ProbeFanout    int           `envconfig:"optional"`
    IndirectChecks int           `envconfig:"optional"`
    SuspicionMult  int           `envconfig:"optional"`
    EvictionMult   int           `envconfig:"optional"`
    RetransmitMult int           `envconfig:"optional"`

    // TLS for the management endpoint.
    TLSEnable     bool   `envconfig:"default=false"`
    TLSCA         string `envconfig:"optional"`
    TLSCert       string `envconfig:"optional"`
    TLSKey        string `envconfig:"optional"`
    TLSServerName string `envconfig:"optional"`
    TLSSkipVerify bool   `envconfig:"default=false"`

    LogLevel string `envconfig:"default=info"`
    LogJSON  bool   `envconfig:"default=false"`
    Trace    bool   `envconfig:"default=false"`

    // Logger overrides the one built from LogLevel/LogJSON.
    Logger *zerolog.Logger `envconfig:"-"`
}

// FromEnv reads SWIM_* variables (SWIM_BIND_ADDR, SWIM_ANNOUNCE_TO, ...).
func FromEnv() (Config, error) {
    var cfg Config
    if err := envconfig.InitWithOptions(&cfg, envconfig.Options{Prefix: "SWIM", AllOptional: true}); err != nil {
        return Config{}, fmt.Errorf("bootstrap: env: %w", err)
    }
    cfg.SetDefaults()
    return cfg, cfg.Validate()
}

// Default returns a Config with every default applied.
func Default() Config {
    cfg := Config{Broadcast: true}
    cfg.SetDefaults()
    return cfg
}

// SetDefaults fills empty fields. Broadcast is left as is since false is a
// meaningful choice.
func (c *Config) SetDefaults() {
    if c.BindAddr == "" { c.BindAddr = ":7946" }
    if c.ControlAddr == "" { c.ControlAddr = ":17946" }
    if c.ControlProto == "" { c.ControlProto = "http" }
    if c.Store == "" { c.Store = "file" }
    if c.DataDir == "" { c.Store = "memory" }
    if c.PersistInterval == 0 { c.PersistInterval = 10 * time.Second }
    if c.Engine == "" { c.Engine = "swim" }
    if c.Discovery == "" { c.Discovery = "static" }
    if c.DiscoveryDNSPort == 0 { c.DiscoveryDNSPort = 7946 }
    if c.DiscoveryRefresh == 0 { c.DiscoveryRefresh = 5 * time.Second }
    if c.LogLevel == "" { c.LogLevel = "info" }
}

func (c Config) Validate() error {
    var errs []error
    if _, _, err := net.SplitHostPort(c.BindAddr); err != nil { errs = append(errs, fmt.Errorf("bind address: %w", err)) }
    if c.AdvertiseAddr != "" {
        if _, _, err := net.SplitHostPort(c.AdvertiseAddr); err != nil { errs = append(errs, fmt.Errorf("advertise address: %w", err)) }
    }
    for _, s := range c.AnnounceTo {
        if _, _, err := net.SplitHostPort(s); err != nil { errs = append(errs, fmt.Errorf("announce address %q: %w", s, err)) }
    }
    if c.ControlAddr != "-" {
        if _, _, err := net.SplitHostPort(c.ControlAddr); err != nil { errs = append(errs, fmt.Errorf("control address: %w", err)) }
    }
    if !oneOf(c.ControlProto, "http", "grpc") { errs = append(errs, fmt.Errorf("control proto %q", c.ControlProto)) }
    if !oneOf(c.Store, "file", "bolt", "memory") { errs = append(errs, fmt.Errorf("store %q", c.Store)) }
    if c.Store != "memory" && c.DataDir == "" { errs = append(errs, fmt.Errorf("store %q needs a data dir", c.Store)) }
    if !oneOf(c.Engine, "swim", "memberlist") { errs = append(errs, fmt.Errorf("engine %q", c.Engine)) }
    if !oneOf(c.Discovery, "static", "file", "dns") { errs = append(errs, fmt.Errorf("discovery %q", c.Discovery)) }
    if c.Discovery == "file" && c.DiscoveryFile == "" { errs = append(errs, errors.New("file discovery needs a path")) }
    if c.Discovery == "dns" && len(c.DiscoveryDNS) == 0 { errs = append(errs, errors.New("dns discovery needs names")) }
    if c.PersistInterval < 0 || c.ProbeInterval < 0 || c.ProbeTimeout < 0 { errs = append(errs, errors.New("negative interval")) }
    if c.ProbeInterval > 0 && c.ProbeTimeout >= c.ProbeInterval { errs = append(errs, errors.New("probe timeout must be below probe interval")) }
    if c.TLSEnable && (c.TLSCert == "" || c.TLSKey == "") { errs = append(errs, errors.New("tls needs cert and key")) }
    if err := errors.Join(errs...); err != nil { return fmt.Errorf("bootstrap: invalid config: %w", err) }
    return nil
}

func oneOf(v string, opts ...string) bool {
    for _, o := range opts {
        if strings.EqualFold(v, o) { return true }
    }
    return false
}
