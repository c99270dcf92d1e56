package memberlist

import (
    "context"
    "net"
    "strconv"
    "sync"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/require"

    base "github.com/amirimatin/go-swim/pkg/membership"
)

func freePort(t *testing.T) int {
    t.Helper()
    a, err := net.ListenPacket("udp", "127.0.0.1:0")
    require.NoError(t, err)
    defer a.Close()
    return a.LocalAddr().(*net.UDPAddr).Port
}

type setDelegate struct {
    mu   sync.Mutex
    seen map[string]bool
}

func (d *setDelegate) NotifyMsg(p []byte) bool {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.seen == nil { d.seen = map[string]bool{} }
    if d.seen[string(p)] { return false }
    d.seen[string(p)] = true
    return true
}

func (d *setDelegate) SyncPayloads(int) [][]byte {
    d.mu.Lock()
    defer d.mu.Unlock()
    var out [][]byte
    for k := range d.seen { out = append(out, []byte(k)) }
    return out
}

func (d *setDelegate) has(p string) bool {
    d.mu.Lock()
    defer d.mu.Unlock()
    return d.seen[p]
}

func startNode(t *testing.T, id string) (*Membership, *setDelegate) {
    t.Helper()
    addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
    d := &setDelegate{}
    m, err := New(Options{NodeID: id, Bind: addr, Advertise: addr, Logger: zerolog.Nop(), Delegate: d, ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
    require.NoError(t, err)
    require.NoError(t, m.Start(context.Background()))
    t.Cleanup(func() { _ = m.Stop() })
    return m, d
}

func awaitMembers(t *testing.T, m base.Membership, want int, timeout time.Duration) {
    t.Helper()
    require.Eventually(t, func() bool { return len(m.Members()) == want }, timeout, 50*time.Millisecond, "members: %v", m.Members())
}

func TestMemberlist_ControlErrors(t *testing.T) {
    _, err := New(Options{NodeID: "x", Bind: "nope"})
    require.Error(t, err)

    addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
    m, err := New(Options{NodeID: "t1", Bind: addr, Logger: zerolog.Nop()})
    require.NoError(t, err)
    ctx := context.Background()
    require.ErrorIs(t, m.Join(ctx, nil), base.ErrNotStarted)
    require.NoError(t, m.Start(ctx))
    require.False(t, m.Active())
    require.Equal(t, -1, m.HealthScore())
    require.ErrorIs(t, m.Leave(ctx), base.ErrNotJoined)

    require.NoError(t, m.Join(ctx, nil))
    require.True(t, m.Active())
    require.Equal(t, "t1", m.Local().ID)
    require.GreaterOrEqual(t, m.HealthScore(), 0)
    require.ErrorIs(t, m.Join(ctx, nil), base.ErrAlreadyJoined)

    require.NoError(t, m.Stop())
    require.ErrorIs(t, m.Join(ctx, nil), base.ErrStopped)
    _, open := <-m.Events()
    require.False(t, open)
}

func TestMemberlist_MultiNodeJoinLeave(t *testing.T) {
    ctx := context.Background()
    n1, _ := startNode(t, "n1")
    require.NoError(t, n1.Join(ctx, nil))
    seed := n1.Local().Addr

    n2, _ := startNode(t, "n2")
    require.NoError(t, n2.Join(ctx, []string{seed}))
    n3, _ := startNode(t, "n3")
    require.NoError(t, n3.Join(ctx, []string{seed}))

    for _, n := range []*Membership{n1, n2, n3} { awaitMembers(t, n, 3, 5*time.Second) }

    lctx, cancel := context.WithTimeout(ctx, time.Second)
    defer cancel()
    require.NoError(t, n2.Leave(lctx))
    require.Equal(t, base.StatusLeft, n2.Local().Status)

    awaitMembers(t, n1, 2, 5*time.Second)
    awaitMembers(t, n3, 2, 5*time.Second)
}

func TestMemberlist_DisseminateReachesPeers(t *testing.T) {
    ctx := context.Background()
    n1, _ := startNode(t, "n1")
    require.NoError(t, n1.Join(ctx, nil))
    n2, d2 := startNode(t, "n2")
    require.NoError(t, n2.Join(ctx, []string{n1.Local().Addr}))
    awaitMembers(t, n1, 2, 5*time.Second)

    require.NoError(t, n1.Disseminate([]byte("hello")))
    require.Eventually(t, func() bool { return d2.has("hello") }, 5*time.Second, 50*time.Millisecond)
}

func TestMemberlist_PushPullCarriesState(t *testing.T) {
    ctx := context.Background()
    n1, d1 := startNode(t, "n1")
    d1.NotifyMsg([]byte("before-join"))
    require.NoError(t, n1.Join(ctx, nil))

    n2, d2 := startNode(t, "n2")
    require.NoError(t, n2.Join(ctx, []string{n1.Local().Addr}))
    require.Eventually(t, func() bool { return d2.has("before-join") }, 5*time.Second, 50*time.Millisecond)
}
