package memory

import (
    "sync"

    "github.com/amirimatin/go-swim/pkg/store"
)

// Store keeps everything in process memory; it is used when no data
// directory is configured.
type Store struct {
    mu   sync.RWMutex
    id   []byte
    snap []byte
}

var _ store.Store = (*Store)(nil)

func New() *Store { return &Store{} }

func (s *Store) LoadIdentity() (store.Identity, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    if s.id == nil { return store.Identity{}, store.ErrNotFound }
    return store.DecodeIdentity(s.id)
}

func (s *Store) SaveIdentity(id store.Identity) error {
    b, err := store.EncodeIdentity(id)
    if err != nil { return err }
    s.mu.Lock(); defer s.mu.Unlock()
    s.id = b
    return nil
}

func (s *Store) LoadSnapshot() (store.Snapshot, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    if s.snap == nil { return store.Snapshot{}, store.ErrNotFound }
    return store.DecodeSnapshot(s.snap)
}

func (s *Store) SaveSnapshot(snap store.Snapshot) error {
    b, err := store.EncodeSnapshot(snap)
    if err != nil { return err }
    s.mu.Lock(); defer s.mu.Unlock()
    s.snap = b
    return nil
}

func (s *Store) Close() error { return nil }
