package swim

import (
    "fmt"
    "testing"

    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/amirimatin/go-swim/pkg/wire"
    "github.com/stretchr/testify/require"
)

func TestQueue_NewerDeltaReplacesOlder(t *testing.T) {
    q := newQueue(16)
    q.pushDelta(wire.Delta{ID: "a", Status: membership.StatusAlive, Incarnation: 1})
    q.pushDelta(wire.Delta{ID: "a", Status: membership.StatusSuspect, Incarnation: 1})
    ds, _ := q.candidates(10, 10)
    require.Len(t, ds, 1)
    require.Equal(t, membership.StatusSuspect, ds[0].delta.Status)
}

func TestQueue_EvictsOldestWhenFull(t *testing.T) {
    q := newQueue(3)
    for i := 0; i < 5; i++ {
        q.pushDelta(wire.Delta{ID: fmt.Sprint(i)})
    }
    require.Equal(t, 3, q.len())
    ds, _ := q.candidates(10, 0)
    var ids []string
    for _, it := range ds { ids = append(ids, it.id) }
    require.ElementsMatch(t, []string{"2", "3", "4"}, ids)
}

func TestQueue_RetransmitLimit(t *testing.T) {
    q := newQueue(16)
    q.pushDelta(wire.Delta{ID: "a"})
    q.pushPayload([]byte("x"))
    for i := 0; i < 2; i++ {
        ds, ps := q.candidates(10, 10)
        require.Len(t, ds, 1)
        require.Len(t, ps, 1)
        q.sent(ds, 2)
        q.sent(ps, 2)
    }
    require.Equal(t, 0, q.len())
}

func TestQueue_LeastTransmittedFirst(t *testing.T) {
    q := newQueue(16)
    q.pushDelta(wire.Delta{ID: "old"})
    ds, _ := q.candidates(1, 0)
    q.sent(ds, 10)
    q.pushDelta(wire.Delta{ID: "new"})
    ds, _ = q.candidates(1, 0)
    require.Equal(t, "new", ds[0].id)
}

func TestRetransmitLimit(t *testing.T) {
    require.Equal(t, 4, retransmitLimit(4, 1))
    require.Equal(t, 4, retransmitLimit(4, 9))
    require.Equal(t, 8, retransmitLimit(4, 10))
    require.Equal(t, 1, retransmitLimit(1, 0))
}
