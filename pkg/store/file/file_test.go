package file

import (
    "os"
    "path/filepath"
    "testing"

    "github.com/amirimatin/go-swim/pkg/store"
    "github.com/amirimatin/go-swim/pkg/store/storetest"
    "github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
    dir := t.TempDir()
    storetest.Run(t, func() store.Store {
        s, err := New(dir)
        require.NoError(t, err)
        return s
    })
    _, err := os.Stat(filepath.Join(dir, identityFile+".old"))
    require.NoError(t, err)
    _, err = os.Stat(filepath.Join(dir, identityFile+".new"))
    require.True(t, os.IsNotExist(err))
}

func TestFileStore_FallsBackToOld(t *testing.T) {
    dir := t.TempDir()
    s, err := New(dir)
    require.NoError(t, err)
    require.NoError(t, s.SaveIdentity(store.Identity{ID: "a", Incarnation: 1}))
    require.NoError(t, s.SaveIdentity(store.Identity{ID: "a", Incarnation: 2}))
    // crash between the two renames
    require.NoError(t, os.Remove(filepath.Join(dir, identityFile)))
    id, err := s.LoadIdentity()
    require.NoError(t, err)
    require.Equal(t, uint64(1), id.Incarnation)
}

func TestFileStore_CorruptIsReported(t *testing.T) {
    dir := t.TempDir()
    require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFile), []byte("garbage"), 0o644))
    s, err := New(dir)
    require.NoError(t, err)
    _, err = s.LoadSnapshot()
    require.ErrorIs(t, err, store.ErrCorrupt)
}
