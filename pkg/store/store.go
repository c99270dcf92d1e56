// Package store persists what a node needs to come back with the same
// identity: its id and incarnation, the last known peers and its replica.
package store

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "time"

    "github.com/amirimatin/go-swim/pkg/membership"
)

const snapshotVersion = 1

var (
    ErrNotFound = errors.New("store: not found")
    ErrCorrupt  = errors.New("store: corrupt data")
)

// Identity is stable across restarts. Incarnation is the highest value the
// node has used, so a restart can start above it.
type Identity struct {
    ID          string    `json:"id"`
    Addr        string    `json:"addr"`
    Incarnation uint64    `json:"incarnation"`
    CreatedAt   time.Time `json:"createdAt"`
}

// Snapshot is the periodic state dump.
type Snapshot struct {
    Version int                     `json:"version"`
    Peers   []membership.MemberInfo `json:"peers"`
    Replica []byte                  `json:"replica,omitempty"`
    SavedAt time.Time               `json:"savedAt"`
}

type Store interface {
    // LoadIdentity returns ErrNotFound when nothing was saved yet.
    LoadIdentity() (Identity, error)
    SaveIdentity(Identity) error
    // LoadSnapshot returns ErrNotFound when nothing was saved yet.
    LoadSnapshot() (Snapshot, error)
    SaveSnapshot(Snapshot) error
    Close() error
}

// EncodeSnapshot produces stable JSON (peers sorted by id).
func EncodeSnapshot(s Snapshot) ([]byte, error) {
    peers := append([]membership.MemberInfo(nil), s.Peers...)
    sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
    s.Peers = peers
    s.Version = snapshotVersion
    return json.MarshalIndent(s, "", "  ")
}

func DecodeSnapshot(b []byte) (Snapshot, error) {
    var s Snapshot
    if err := json.Unmarshal(b, &s); err != nil {
        return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
    }
    if s.Version != snapshotVersion {
        return Snapshot{}, fmt.Errorf("%w: snapshot version %d", ErrCorrupt, s.Version)
    }
    out := s.Peers[:0]
    for _, p := range s.Peers {
        if p.ID != "" { out = append(out, p) }
    }
    s.Peers = out
    return s, nil
}

func EncodeIdentity(id Identity) ([]byte, error) {
    if id.ID == "" { return nil, errors.New("store: empty identity id") }
    return json.MarshalIndent(id, "", "  ")
}

func DecodeIdentity(b []byte) (Identity, error) {
    var id Identity
    if err := json.Unmarshal(b, &id); err != nil {
        return Identity{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
    }
    if id.ID == "" { return Identity{}, fmt.Errorf("%w: empty identity id", ErrCorrupt) }
    return id, nil
}
