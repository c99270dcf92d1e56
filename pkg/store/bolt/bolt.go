package bolt

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "time"

    "github.com/amirimatin/go-swim/pkg/store"
    bbolt "github.com/boltdb/bolt"
)

var (
    bucket      = []byte("swim")
    identityKey = []byte("identity")
    snapshotKey = []byte("snapshot")
)

// Store keeps identity and snapshot in a single bolt database file.
type Store struct {
    db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) <dir>/swim.db.
func New(dir string) (*Store, error) {
    if dir == "" { return nil, errors.New("bolt: empty directory") }
    if err := os.MkdirAll(dir, 0o755); err != nil {
        return nil, fmt.Errorf("bolt: create %s: %w", dir, err)
    }
    db, err := bbolt.Open(filepath.Join(dir, "swim.db"), 0o600, &bbolt.Options{Timeout: time.Second})
    if err != nil { return nil, fmt.Errorf("bolt: open: %w", err) }
    err = db.Update(func(tx *bbolt.Tx) error {
        _, err := tx.CreateBucketIfNotExists(bucket)
        return err
    })
    if err != nil {
        db.Close()
        return nil, fmt.Errorf("bolt: init bucket: %w", err)
    }
    return &Store{db: db}, nil
}

func (s *Store) get(key []byte) ([]byte, error) {
    var out []byte
    err := s.db.View(func(tx *bbolt.Tx) error {
        v := tx.Bucket(bucket).Get(key)
        if v == nil { return store.ErrNotFound }
        out = append([]byte(nil), v...)
        return nil
    })
    return out, err
}

func (s *Store) put(key, val []byte) error {
    return s.db.Update(func(tx *bbolt.Tx) error {
        return tx.Bucket(bucket).Put(key, val)
    })
}

func (s *Store) LoadIdentity() (store.Identity, error) {
    b, err := s.get(identityKey)
    if err != nil { return store.Identity{}, err }
    return store.DecodeIdentity(b)
}

func (s *Store) SaveIdentity(id store.Identity) error {
    b, err := store.EncodeIdentity(id)
    if err != nil { return err }
    return s.put(identityKey, b)
}

func (s *Store) LoadSnapshot() (store.Snapshot, error) {
    b, err := s.get(snapshotKey)
    if err != nil { return store.Snapshot{}, err }
    return store.DecodeSnapshot(b)
}

func (s *Store) SaveSnapshot(snap store.Snapshot) error {
    b, err := store.EncodeSnapshot(snap)
    if err != nil { return err }
    return s.put(snapshotKey, b)
}

func (s *Store) Close() error { return s.db.Close() }
