// Package storetest holds the conformance checks every store backend runs.
package storetest

import (
    "testing"
    "time"

    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/amirimatin/go-swim/pkg/store"
    "github.com/stretchr/testify/require"
)

// Run exercises s; open must return a fresh handle on the same backing data.
func Run(t *testing.T, open func() store.Store) {
    t.Helper()
    s := open()

    _, err := s.LoadIdentity()
    require.ErrorIs(t, err, store.ErrNotFound)
    _, err = s.LoadSnapshot()
    require.ErrorIs(t, err, store.ErrNotFound)
    require.Error(t, s.SaveIdentity(store.Identity{}))

    id := store.Identity{ID: "n1", Addr: "127.0.0.1:7946", Incarnation: 3, CreatedAt: time.Unix(100, 0).UTC()}
    require.NoError(t, s.SaveIdentity(id))
    snap := store.Snapshot{
        Peers: []membership.MemberInfo{
            {ID: "z", Addr: "z:1", Status: membership.StatusSuspect, Incarnation: 2},
            {ID: "b", Addr: "b:1", Status: membership.StatusAlive, Incarnation: 1},
        },
        Replica: []byte{1, 2, 3},
        SavedAt: time.Unix(200, 0).UTC(),
    }
    require.NoError(t, s.SaveSnapshot(snap))
    id.Incarnation = 4
    require.NoError(t, s.SaveIdentity(id))
    require.NoError(t, s.Close())

    s = open()
    defer s.Close()
    got, err := s.LoadIdentity()
    require.NoError(t, err)
    require.Equal(t, "n1", got.ID)
    require.Equal(t, uint64(4), got.Incarnation)

    gs, err := s.LoadSnapshot()
    require.NoError(t, err)
    require.Equal(t, 1, gs.Version)
    require.Len(t, gs.Peers, 2)
    require.Equal(t, "b", gs.Peers[0].ID)
    require.Equal(t, membership.StatusSuspect, gs.Peers[1].Status)
    require.Equal(t, []byte{1, 2, 3}, gs.Replica)
}
