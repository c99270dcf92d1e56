package memory

import (
    "testing"

    "github.com/amirimatin/go-swim/pkg/store"
    "github.com/amirimatin/go-swim/pkg/store/storetest"
)

func TestMemoryStore(t *testing.T) {
    s := New()
    storetest.Run(t, func() store.Store { return s })
}
