package file

import (
    "errors"
    "fmt"
    "io/fs"
    "os"
    "path/filepath"

    "github.com/amirimatin/go-swim/pkg/store"
)

const (
    identityFile = "identity.json"
    snapshotFile = "snapshot.json"
)

// Store keeps identity and snapshot as JSON files in a directory. A write
// goes to <name>.new first; the previous file is kept as <name>.old until
// the new one is in place, so a crash mid-write leaves a readable copy.
type Store struct {
    dir string
}

var _ store.Store = (*Store)(nil)

// New creates dir if needed and checks that it is writable.
func New(dir string) (*Store, error) {
    if dir == "" { return nil, errors.New("file: empty directory") }
    if err := os.MkdirAll(dir, 0o755); err != nil {
        return nil, fmt.Errorf("file: create %s: %w", dir, err)
    }
    probe := filepath.Join(dir, ".probe")
    if err := os.WriteFile(probe, nil, 0o644); err != nil {
        return nil, fmt.Errorf("file: %s not writable: %w", dir, err)
    }
    _ = os.Remove(probe)
    return &Store{dir: dir}, nil
}

func (s *Store) LoadIdentity() (store.Identity, error) {
    b, err := s.read(identityFile)
    if err != nil { return store.Identity{}, err }
    return store.DecodeIdentity(b)
}

func (s *Store) SaveIdentity(id store.Identity) error {
    b, err := store.EncodeIdentity(id)
    if err != nil { return err }
    return s.replace(identityFile, b)
}

func (s *Store) LoadSnapshot() (store.Snapshot, error) {
    b, err := s.read(snapshotFile)
    if err != nil { return store.Snapshot{}, err }
    return store.DecodeSnapshot(b)
}

func (s *Store) SaveSnapshot(snap store.Snapshot) error {
    b, err := store.EncodeSnapshot(snap)
    if err != nil { return err }
    return s.replace(snapshotFile, b)
}

func (s *Store) Close() error { return nil }

// read falls back to the .old copy when the main file is missing.
func (s *Store) read(name string) ([]byte, error) {
    p := filepath.Join(s.dir, name)
    b, err := os.ReadFile(p)
    if errors.Is(err, fs.ErrNotExist) {
        b, err = os.ReadFile(p + ".old")
        if errors.Is(err, fs.ErrNotExist) { return nil, store.ErrNotFound }
    }
    if err != nil { return nil, fmt.Errorf("file: read %s: %w", name, err) }
    return b, nil
}

func (s *Store) replace(name string, data []byte) error {
    p := filepath.Join(s.dir, name)
    tmp := p + ".new"
    f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
    if err != nil { return fmt.Errorf("file: open %s: %w", tmp, err) }
    if _, err := f.Write(data); err != nil {
        f.Close()
        return fmt.Errorf("file: write %s: %w", tmp, err)
    }
    if err := f.Sync(); err != nil {
        f.Close()
        return fmt.Errorf("file: sync %s: %w", tmp, err)
    }
    if err := f.Close(); err != nil { return err }
    if _, err := os.Stat(p); err == nil {
        if err := os.Rename(p, p+".old"); err != nil { return fmt.Errorf("file: keep old %s: %w", name, err) }
    }
    if err := os.Rename(tmp, p); err != nil { return fmt.Errorf("file: install %s: %w", name, err) }
    return nil
}
