package node

import (
    "errors"
    "time"

    "github.com/amirimatin/go-swim/pkg/discovery"
    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/amirimatin/go-swim/pkg/store"
    "github.com/amirimatin/go-swim/pkg/transport"
    "github.com/rs/zerolog"
)

// Options carries the collaborators of a Node. Instances are usually built
// by bootstrap.Build.
type Options struct {
    // NodeID must match the id the membership was built with.
    NodeID     string
    Membership membership.Membership
    // Store persists identity and snapshots. Nil means nothing is kept.
    Store      store.Store
    // Discovery provides seeds when Join is called without any.
    Discovery  discovery.Discovery
    Logger     zerolog.Logger

    // DisableBroadcast rejects local writes; remote merges still apply.
    DisableBroadcast bool
    PersistInterval  time.Duration

    // Optional management server.
    RPCServer transport.RPCServer
}

func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("node: empty NodeID") }
    if o.Membership == nil { return errors.New("node: nil Membership") }
    if o.PersistInterval < 0 { return errors.New("node: negative PersistInterval") }
    return nil
}

func (o *Options) setDefaults() {
    if o.PersistInterval == 0 { o.PersistInterval = 10 * time.Second }
}
