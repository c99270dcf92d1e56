package node

import (
    "context"
    "errors"
    "strings"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-swim/pkg/discovery/static"
    "github.com/amirimatin/go-swim/pkg/membership"
    "github.com/amirimatin/go-swim/pkg/membership/swim"
    "github.com/amirimatin/go-swim/pkg/store"
    "github.com/amirimatin/go-swim/pkg/store/file"
    "github.com/amirimatin/go-swim/pkg/transport"
    "github.com/amirimatin/go-swim/pkg/transport/mem"
)

func newNode(t *testing.T, net *mem.Network, id string, st store.Store, mut func(*Options)) *Node {
    t.Helper()
    n := buildNode(t, net, id, st, mut)
    require.NoError(t, n.Start(context.Background()))
    return n
}

// buildNode wires a node over the in-memory network without starting it.
func buildNode(t *testing.T, net *mem.Network, id string, st store.Store, mut func(*Options)) *Node {
    t.Helper()
    addr := id + ":7946"
    ident, err := ResolveIdentity(st, id, addr)
    require.NoError(t, err)
    eng, err := swim.New(swim.Options{
        NodeID:          ident.ID,
        Incarnation:     ident.Incarnation,
        Transport:       net.Listen(addr),
        ProbeInterval:   20 * time.Millisecond,
        ProbeTimeout:    8 * time.Millisecond,
        IndirectTimeout: 10 * time.Millisecond,
        SyncEvery:       3,
        Seed:            int64(id[0]),
    })
    require.NoError(t, err)
    opts := Options{NodeID: ident.ID, Membership: eng, Store: st, Logger: zerolog.Nop(), PersistInterval: 50 * time.Millisecond}
    if mut != nil { mut(&opts) }
    n, err := New(opts)
    require.NoError(t, err)
    t.Cleanup(func() { _ = n.Stop(context.Background()) })
    return n
}

func awaitValue(t *testing.T, n *Node, key, want string) {
    t.Helper()
    require.Eventually(t, func() bool {
        v, ok, err := n.Get(key)
        return err == nil && ok && string(v) == want
    }, 3*time.Second, 10*time.Millisecond, "key %s never reached %q", key, want)
}

func awaitAlive(t *testing.T, n *Node, want int) {
    t.Helper()
    require.Eventually(t, func() bool {
        st, err := n.Status(context.Background())
        return err == nil && st.Alive() == want
    }, 3*time.Second, 10*time.Millisecond)
}

func cluster(t *testing.T, mut func(id string, o *Options)) (*mem.Network, []*Node) {
    net := mem.NewNetwork()
    var nodes []*Node
    for _, id := range []string{"a", "b", "c"} {
        id := id
        nodes = append(nodes, newNode(t, net, id, nil, func(o *Options) {
            if mut != nil { mut(id, o) }
        }))
    }
    ctx := context.Background()
    require.NoError(t, nodes[0].Join(ctx))
    for _, n := range nodes[1:] { require.NoError(t, n.Join(ctx, "a:7946")) }
    for _, n := range nodes { awaitAlive(t, n, 3) }
    return net, nodes
}

func TestNode_BroadcastConverges(t *testing.T) {
    _, ns := cluster(t, nil)
    ctx := context.Background()
    require.NoError(t, ns[0].Broadcast(ctx, "color", []byte("red")))
    require.NoError(t, ns[1].Broadcast(ctx, "size", []byte("L")))
    for _, n := range ns {
        awaitValue(t, n, "color", "red")
        awaitValue(t, n, "size", "L")
    }

    require.NoError(t, ns[2].Delete(ctx, "color"))
    for _, n := range ns {
        require.Eventually(t, func() bool {
            _, ok, _ := n.Get("color")
            return !ok
        }, 3*time.Second, 10*time.Millisecond)
    }
    keys, err := ns[0].Keys()
    require.NoError(t, err)
    require.Equal(t, []string{"size"}, keys)
}

func TestNode_LateJoinerCatchesUp(t *testing.T) {
    net, ns := cluster(t, nil)
    ctx := context.Background()
    for i := 0; i < 40; i++ {
        require.NoError(t, ns[i%3].Broadcast(ctx, "k"+strings.Repeat("x", i), []byte{byte(i)}))
    }
    d := newNode(t, net, "d", nil, nil)
    require.NoError(t, d.Join(ctx, "b:7946"))
    require.Eventually(t, func() bool {
        keys, err := d.Keys()
        return err == nil && len(keys) == 40
    }, 5*time.Second, 20*time.Millisecond)
}

func TestNode_BroadcastDisabledStillMerges(t *testing.T) {
    _, ns := cluster(t, func(id string, o *Options) { o.DisableBroadcast = id == "c" })
    ctx := context.Background()
    err := ns[2].Broadcast(ctx, "k", []byte("v"))
    require.ErrorIs(t, err, ErrBroadcastDisabled)
    require.ErrorIs(t, ns[2].Delete(ctx, "k"), ErrBroadcastDisabled)

    require.NoError(t, ns[0].Broadcast(ctx, "k", []byte("v")))
    awaitValue(t, ns[2], "k", "v")
    st, err := ns[2].Status(ctx)
    require.NoError(t, err)
    require.False(t, st.Broadcast)
}

func TestNode_ControlErrors(t *testing.T) {
    net := mem.NewNetwork()
    n := newNode(t, net, "a", nil, nil)
    ctx := context.Background()
    require.ErrorIs(t, n.Broadcast(ctx, "k", nil), ErrNotJoined)
    require.ErrorIs(t, n.Leave(ctx), ErrNotJoined)

    require.NoError(t, n.Join(ctx))
    require.ErrorIs(t, n.Join(ctx), ErrAlreadyJoined)
    require.ErrorIs(t, n.Broadcast(ctx, "", []byte("v")), ErrEmptyKey)
    require.ErrorIs(t, n.Broadcast(ctx, "k", make([]byte, 2048)), ErrPayloadTooLarge)
    require.NoError(t, n.Broadcast(ctx, "k", make([]byte, 512)))

    require.NoError(t, n.Leave(ctx))
    require.ErrorIs(t, n.Broadcast(ctx, "k", nil), ErrNotJoined)
    require.NoError(t, n.Join(ctx))

    require.NoError(t, n.Stop(ctx))
    require.NoError(t, n.Stop(ctx))
    require.ErrorIs(t, n.Join(ctx), ErrStopped)
    _, _, err := n.Get("k")
    require.ErrorIs(t, err, ErrStopped)
}

func TestNode_StopBeforeStart(t *testing.T) {
    net := mem.NewNetwork()
    eng, err := swim.New(swim.Options{NodeID: "a", Transport: net.Listen("a:1")})
    require.NoError(t, err)
    n, err := New(Options{NodeID: "a", Membership: eng})
    require.NoError(t, err)
    require.ErrorIs(t, n.Join(context.Background()), ErrNotStarted)
    require.NoError(t, n.Stop(context.Background()))
    require.ErrorIs(t, n.Start(context.Background()), ErrStopped)
}

func TestNode_SubscribeSeesMembersAndState(t *testing.T) {
    net := mem.NewNetwork()
    a := newNode(t, net, "a", nil, nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    evs := a.Subscribe(ctx)
    require.NoError(t, a.Join(ctx))

    b := newNode(t, net, "b", nil, nil)
    require.NoError(t, b.Join(ctx, "a:7946"))
    awaitAlive(t, b, 2)
    require.NoError(t, b.Broadcast(ctx, "k", []byte("v")))

    var joined, changed bool
    deadline := time.After(3 * time.Second)
    for !joined || !changed {
        select {
        case ev := <-evs:
            if ev.Type == EventMemberJoin && ev.Member != nil && ev.Member.ID == "b" { joined = true }
            if ev.Type == EventStateChanged && ev.Key == "k" { changed = true }
        case <-deadline:
            t.Fatalf("joined=%v changed=%v", joined, changed)
        }
    }
}

func TestNode_RestartKeepsStateAndIncarnation(t *testing.T) {
    dir := t.TempDir()
    open := func() store.Store {
        st, err := file.New(dir)
        require.NoError(t, err)
        return st
    }
    net := mem.NewNetwork()
    ctx := context.Background()

    peer := newNode(t, net, "p", nil, nil)
    require.NoError(t, peer.Join(ctx))

    a := newNode(t, net, "a", open(), nil)
    require.NoError(t, a.Join(ctx, "p:7946"))
    awaitAlive(t, a, 2)
    require.NoError(t, a.Broadcast(ctx, "k", []byte("v")))
    first, err := a.Status(ctx)
    require.NoError(t, err)
    require.NoError(t, a.Stop(ctx))

    // remembered peers serve as seeds
    a2 := newNode(t, net, "a", open(), func(o *Options) { o.Discovery = static.New() })
    v, ok, err := a2.Get("k")
    require.NoError(t, err)
    require.True(t, ok)
    require.Equal(t, []byte("v"), v)
    st, err := a2.Status(ctx)
    require.NoError(t, err)
    require.Greater(t, st.Incarnation, first.Incarnation)

    require.NoError(t, a2.Join(ctx))
    awaitAlive(t, a2, 2)
    awaitValue(t, peer, "k", "v")
}

func TestNode_CorruptSnapshotIsFatal(t *testing.T) {
    dir := t.TempDir()
    st, err := file.New(dir)
    require.NoError(t, err)
    require.NoError(t, st.SaveSnapshot(store.Snapshot{Replica: []byte{0xff, 0x00}}))

    net := mem.NewNetwork()
    eng, err := swim.New(swim.Options{NodeID: "a", Transport: net.Listen("a:1")})
    require.NoError(t, err)
    n, err := New(Options{NodeID: "a", Membership: eng, Store: st})
    require.NoError(t, err)
    require.Error(t, n.Start(context.Background()))
    require.NoError(t, n.Stop(context.Background()))
}

func TestResolveIdentity(t *testing.T) {
    id, err := ResolveIdentity(nil, "", "x:1")
    require.NoError(t, err)
    require.NotEmpty(t, id.ID)

    st, err := file.New(t.TempDir())
    require.NoError(t, err)
    first, err := ResolveIdentity(st, "", "x:1")
    require.NoError(t, err)
    again, err := ResolveIdentity(st, "", "x:2")
    require.NoError(t, err)
    require.Equal(t, first.ID, again.ID)
    require.Equal(t, first.Incarnation+1, again.Incarnation)
    require.Equal(t, "x:2", again.Addr)

    other, err := ResolveIdentity(st, "named", "x:2")
    require.NoError(t, err)
    require.Equal(t, "named", other.ID)
    require.Zero(t, other.Incarnation)
}

func TestStatus_Alive(t *testing.T) {
    s := Status{Members: []membership.MemberInfo{{Status: membership.StatusAlive}, {Status: membership.StatusSuspect}}}
    require.Equal(t, 1, s.Alive())
}

func TestNode_StopAfterStartContextEndsStillLeaves(t *testing.T) {
    net := mem.NewNetwork()
    a := newNode(t, net, "a", nil, nil)
    d := buildNode(t, net, "d", nil, nil)
    sig, cancel := context.WithCancel(context.Background())
    require.NoError(t, d.Start(sig))
    require.NoError(t, a.Join(context.Background()))
    require.NoError(t, d.Join(context.Background(), "a:7946"))
    awaitAlive(t, a, 2)

    sub, stop := context.WithCancel(context.Background())
    defer stop()
    evs := a.Subscribe(sub)
    cancel()
    time.Sleep(50 * time.Millisecond)
    require.True(t, d.mem.Active())
    require.NoError(t, d.Stop(context.Background()))

    timeout := time.After(2 * time.Second)
    for {
        select {
        case ev := <-evs:
            if ev.Member == nil || ev.Member.ID != "d" { continue }
            require.NotEqual(t, EventMemberSuspect, ev.Type, "d was suspected instead of leaving")
            if ev.Type == EventMemberLeave { return }
        case <-timeout:
            t.Fatal("no member_leave for d")
        }
    }
}

type failingServer struct{}

func (failingServer) Start(context.Context, transport.Handlers) error { return errors.New("address in use") }
func (failingServer) Addr() string                                   { return "" }
func (failingServer) Stop(context.Context) error                     { return nil }

func TestNode_StartRollsBackWhenServerFails(t *testing.T) {
    net := mem.NewNetwork()
    n := buildNode(t, net, "a", nil, func(o *Options) { o.RPCServer = failingServer{} })
    require.ErrorContains(t, n.Start(context.Background()), "address in use")

    require.ErrorIs(t, n.Join(context.Background()), ErrNotStarted)
    require.ErrorIs(t, n.mem.Start(context.Background()), membership.ErrStopped)
    require.NoError(t, n.Stop(context.Background()))
}
