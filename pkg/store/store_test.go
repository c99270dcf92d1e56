package store

import (
    "testing"

    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/stretchr/testify/require"
)

func TestSnapshot_SortedAndVersioned(t *testing.T) {
    b, err := EncodeSnapshot(Snapshot{Version: 9, Peers: []membership.MemberInfo{{ID: "c"}, {ID: "a"}}})
    require.NoError(t, err)
    s, err := DecodeSnapshot(b)
    require.NoError(t, err)
    require.Equal(t, snapshotVersion, s.Version)
    require.Equal(t, "a", s.Peers[0].ID)
}

func TestDecode_Corrupt(t *testing.T) {
    _, err := DecodeSnapshot([]byte("{"))
    require.ErrorIs(t, err, ErrCorrupt)
    _, err = DecodeSnapshot([]byte(`{"version":2}`))
    require.ErrorIs(t, err, ErrCorrupt)
    _, err = DecodeIdentity([]byte(`{"id":""}`))
    require.ErrorIs(t, err, ErrCorrupt)
}
