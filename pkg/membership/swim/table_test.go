package swim

import (
    "math/rand"
    "testing"
    "time"

    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

func newTestTable() *Table {
    return NewTable("self", "127.0.0.1:1", 0, 5*time.Second, 10*time.Second, t0)
}

func TestApplyUpdate_Precedence(t *testing.T) {
    alive, suspect, dead, left := membership.StatusAlive, membership.StatusSuspect, membership.StatusDead, membership.StatusLeft
    cases := []struct {
        name    string
        stored  Update
        update  Update
        changed bool
        want    membership.Status
    }{
        {"higher incarnation alive wins over suspect", Update{"p", "a", suspect, 3}, Update{"p", "a", alive, 4}, true, alive},
        {"same incarnation alive loses to suspect", Update{"p", "a", suspect, 3}, Update{"p", "a", alive, 3}, false, suspect},
        {"same incarnation suspect beats alive", Update{"p", "a", alive, 3}, Update{"p", "a", suspect, 3}, true, suspect},
        {"same incarnation dead beats suspect", Update{"p", "a", suspect, 3}, Update{"p", "a", dead, 3}, true, dead},
        {"left beats dead", Update{"p", "a", dead, 3}, Update{"p", "a", left, 3}, true, left},
        {"dead cannot revive at same incarnation", Update{"p", "a", dead, 3}, Update{"p", "a", alive, 3}, false, dead},
        {"dead revives at higher incarnation", Update{"p", "a", dead, 3}, Update{"p", "a", alive, 4}, true, alive},
        {"lower incarnation rejected", Update{"p", "a", alive, 5}, Update{"p", "a", dead, 4}, false, alive},
        {"duplicate discarded", Update{"p", "a", suspect, 2}, Update{"p", "a", suspect, 2}, false, suspect},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            tb := newTestTable()
            tb.ApplyUpdate(Update{"p", "a", alive, 0}, t0)
            _, ok := tb.ApplyUpdate(tc.stored, t0)
            require.True(t, ok)
            _, changed := tb.ApplyUpdate(tc.update, t0)
            require.Equal(t, tc.changed, changed)
            got, ok := tb.Get("p")
            require.True(t, ok)
            require.Equal(t, tc.want, got.Status)
        })
    }
}

func TestApplyUpdate_UnknownDeadIgnored(t *testing.T) {
    tb := newTestTable()
    _, ok := tb.ApplyUpdate(Update{ID: "ghost", Status: membership.StatusDead, Incarnation: 9}, t0)
    require.False(t, ok)
    _, found := tb.Get("ghost")
    require.False(t, found)
}

func TestApplyUpdate_IncarnationNeverRegresses(t *testing.T) {
    rng := rand.New(rand.NewSource(42))
    tb := newTestTable()
    var last uint64
    for i := 0; i < 5000; i++ {
        u := Update{ID: "p", Addr: "x", Status: membership.Status(rng.Intn(4)), Incarnation: uint64(rng.Intn(20))}
        tr, ok := tb.ApplyUpdate(u, t0.Add(time.Duration(i)*time.Millisecond))
        cur, found := tb.Get("p")
        if !found { continue }
        if ok {
            require.GreaterOrEqual(t, tr.Member.Incarnation, last)
            require.Equal(t, u.Incarnation, cur.Incarnation)
        }
        if u.Incarnation < cur.Incarnation { require.False(t, ok) }
        require.GreaterOrEqual(t, cur.Incarnation, last)
        last = cur.Incarnation
    }
}

func TestApplyUpdate_SelfRefutation(t *testing.T) {
    tb := newTestTable()
    tr, ok := tb.ApplyUpdate(Update{ID: "self", Status: membership.StatusSuspect, Incarnation: 0}, t0)
    require.True(t, ok)
    require.True(t, tr.Refuted)
    require.Equal(t, uint64(1), tb.Local().Incarnation)
    require.Equal(t, membership.StatusAlive, tb.Local().Status)

    // stale claim below our incarnation is ignored
    _, ok = tb.ApplyUpdate(Update{ID: "self", Status: membership.StatusDead, Incarnation: 0}, t0)
    require.False(t, ok)

    // dead claim at our incarnation is refuted again
    _, ok = tb.ApplyUpdate(Update{ID: "self", Status: membership.StatusDead, Incarnation: 1}, t0)
    require.True(t, ok)
    require.Equal(t, uint64(2), tb.Local().Incarnation)

    // our own current alive echoed back is a no-op
    _, ok = tb.ApplyUpdate(Update{ID: "self", Status: membership.StatusAlive, Incarnation: 2}, t0)
    require.False(t, ok)
}

func TestApplyUpdate_NoRefutationAfterLeave(t *testing.T) {
    tb := newTestTable()
    self := tb.Leave(t0)
    require.Equal(t, membership.StatusLeft, self.Status)
    _, ok := tb.ApplyUpdate(Update{ID: "self", Status: membership.StatusDead, Incarnation: self.Incarnation}, t0)
    require.False(t, ok)

    back := tb.Rejoin(t0)
    require.Equal(t, membership.StatusAlive, back.Status)
    require.Greater(t, back.Incarnation, self.Incarnation)
}

func TestTick_SuspectDeadEvicted(t *testing.T) {
    tb := newTestTable()
    tb.ApplyUpdate(Update{ID: "p", Addr: "a", Status: membership.StatusAlive, Incarnation: 1}, t0)
    tb.ApplyUpdate(Update{ID: "p", Addr: "a", Status: membership.StatusSuspect, Incarnation: 1}, t0)

    require.Empty(t, tb.Tick(t0.Add(4*time.Second)))

    trs := tb.Tick(t0.Add(5 * time.Second))
    require.Len(t, trs, 1)
    require.Equal(t, membership.EventFailed, trs[0].Event)

    require.Empty(t, tb.Tick(t0.Add(14*time.Second)))
    trs = tb.Tick(t0.Add(15 * time.Second))
    require.Len(t, trs, 1)
    require.Equal(t, membership.EventEvicted, trs[0].Event)
    _, found := tb.Get("p")
    require.False(t, found)

    // stale alive gossip cannot resurrect the evicted member
    _, ok := tb.ApplyUpdate(Update{ID: "p", Addr: "a", Status: membership.StatusAlive, Incarnation: 1}, t0.Add(16*time.Second))
    require.False(t, ok)
    // a restarted member with a higher incarnation can come back
    tr, ok := tb.ApplyUpdate(Update{ID: "p", Addr: "a", Status: membership.StatusAlive, Incarnation: 2}, t0.Add(16*time.Second))
    require.True(t, ok)
    require.Equal(t, membership.EventJoin, tr.Event)
}

func TestTick_TombstoneExpires(t *testing.T) {
    tb := newTestTable()
    tb.ApplyUpdate(Update{ID: "p", Status: membership.StatusAlive, Incarnation: 1}, t0)
    tb.ApplyUpdate(Update{ID: "p", Status: membership.StatusLeft, Incarnation: 2}, t0)
    tb.Tick(t0.Add(10 * time.Second))
    _, ok := tb.Tombstone("p")
    require.True(t, ok)
    tb.Tick(t0.Add(20 * time.Second))
    _, ok = tb.Tombstone("p")
    require.False(t, ok)
}

func TestConfirm_OnlySuspect(t *testing.T) {
    tb := newTestTable()
    tb.ApplyUpdate(Update{ID: "s", Status: membership.StatusAlive, Incarnation: 1}, t0)
    tb.ApplyUpdate(Update{ID: "s", Status: membership.StatusSuspect, Incarnation: 1}, t0)
    tb.ApplyUpdate(Update{ID: "d", Status: membership.StatusAlive, Incarnation: 1}, t0)
    tb.ApplyUpdate(Update{ID: "d", Status: membership.StatusDead, Incarnation: 1}, t0)

    tr, ok := tb.Confirm("s", t0)
    require.True(t, ok)
    require.Equal(t, membership.EventAlive, tr.Event)

    _, ok = tb.Confirm("d", t0)
    require.False(t, ok)
    d, _ := tb.Get("d")
    require.Equal(t, membership.StatusDead, d.Status)
}

func TestSnapshot_IncludesSelfSorted(t *testing.T) {
    tb := newTestTable()
    tb.ApplyUpdate(Update{ID: "b", Status: membership.StatusAlive}, t0)
    tb.ApplyUpdate(Update{ID: "a", Status: membership.StatusAlive}, t0)
    snap := tb.Snapshot()
    require.Len(t, snap, 3)
    require.Equal(t, []string{"a", "b", "self"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
}
