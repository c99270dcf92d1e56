package node

import (
    "errors"
    "fmt"
    "time"

    "github.com/amirimatin/go-swim/pkg/store"
    "github.com/google/uuid"
)

// ResolveIdentity loads the identity kept in st or creates one. An explicit
// id overrides the stored one; with neither, a random id is generated. The
// returned incarnation is one above the stored value and is saved before
// returning, so a restarted node never reuses an incarnation. A nil store
// yields a fresh identity.
func ResolveIdentity(st store.Store, id, addr string) (store.Identity, error) {
    now := time.Now().UTC()
    if st == nil {
        if id == "" { id = uuid.NewString() }
        return store.Identity{ID: id, Addr: addr, CreatedAt: now}, nil
    }
    cur, err := st.LoadIdentity()
    switch {
    case errors.Is(err, store.ErrNotFound):
        if id == "" { id = uuid.NewString() }
        cur = store.Identity{ID: id, Addr: addr, CreatedAt: now}
    case err != nil:
        return store.Identity{}, fmt.Errorf("node: load identity: %w", err)
    default:
        if id != "" && id != cur.ID {
            cur = store.Identity{ID: id, CreatedAt: now}
        } else {
            cur.Incarnation++
        }
        cur.Addr = addr
    }
    if err := st.SaveIdentity(cur); err != nil {
        return store.Identity{}, fmt.Errorf("node: save identity: %w", err)
    }
    return cur, nil
}
