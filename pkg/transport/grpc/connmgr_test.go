package grpc

import (
    "context"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials/insecure"
)

func countingDialer(n *atomic.Int32) dialFunc {
    return func(_ context.Context, target string) (*grpc.ClientConn, error) {
        n.Add(1)
        return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
}

func TestConnPool_ReusesAndSweeps(t *testing.T) {
    var dials atomic.Int32
    p := newConnPool(time.Hour, countingDialer(&dials))
    defer p.close()
    ctx := context.Background()

    a, relA, err := p.get(ctx, "127.0.0.1:1")
    require.NoError(t, err)
    b, relB, err := p.get(ctx, "127.0.0.1:1")
    require.NoError(t, err)
    require.Same(t, a, b)
    require.EqualValues(t, 1, dials.Load())

    _, relC, err := p.get(ctx, "127.0.0.1:2")
    require.NoError(t, err)
    require.Equal(t, 2, p.size())

    // in use: not swept
    p.sweep(time.Now().Add(2 * time.Hour))
    require.Equal(t, 2, p.size())

    relA()
    relB()
    relC()
    p.sweep(time.Now().Add(2 * time.Hour))
    require.Zero(t, p.size())
}

func TestConnPool_CloseIsFinal(t *testing.T) {
    var dials atomic.Int32
    p := newConnPool(time.Hour, countingDialer(&dials))
    _, rel, err := p.get(context.Background(), "127.0.0.1:1")
    require.NoError(t, err)
    rel()
    p.close()
    p.close()
    require.Zero(t, p.size())
    _, _, err = p.get(context.Background(), "127.0.0.1:1")
    require.Error(t, err)
}
