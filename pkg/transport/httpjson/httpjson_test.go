package httpjson

import (
    "context"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-swim/pkg/transport"
    "github.com/amirimatin/go-swim/pkg/transport/transporttest"
)

func serve(t *testing.T, f *transporttest.Fake) string {
    t.Helper()
    ts := httptest.NewServer(NewServer("", zerolog.Nop()).Handler(f.Handlers()))
    t.Cleanup(ts.Close)
    return strings.TrimPrefix(ts.URL, "http://")
}

func TestClientServer_ControlFlow(t *testing.T) {
    f := &transporttest.Fake{}
    addr := serve(t, f)
    c := NewClient(time.Second)
    ctx := context.Background()

    resp, err := c.PostJoin(ctx, addr, transport.JoinRequest{Seeds: []string{"a:1"}})
    require.NoError(t, err)
    require.True(t, resp.Accepted)
    require.Equal(t, []string{"a:1"}, f.Seeds)

    _, err = c.PostJoin(ctx, addr, transport.JoinRequest{})
    require.Error(t, err)
    require.Equal(t, transport.KindConflict, transport.KindOf(err))

    _, err = c.PostBroadcast(ctx, addr, transport.BroadcastRequest{Key: "k", Value: []byte("v")})
    require.NoError(t, err)
    got, err := c.GetValue(ctx, addr, transport.GetRequest{Key: "k"})
    require.NoError(t, err)
    require.True(t, got.Found)
    require.Equal(t, []byte("v"), got.Value)

    got, err = c.GetValue(ctx, addr, transport.GetRequest{Key: "missing"})
    require.NoError(t, err)
    require.False(t, got.Found)

    st, err := c.GetStatus(ctx, addr)
    require.NoError(t, err)
    require.Contains(t, string(st), `"keys":1`)

    f.SetDisabled(true)
    _, err = c.PostBroadcast(ctx, addr, transport.BroadcastRequest{Key: "k2"})
    require.Equal(t, transport.KindForbidden, transport.KindOf(err))
    require.Contains(t, err.Error(), "broadcast disabled")
}

func TestServer_StateRoutes(t *testing.T) {
    f := &transporttest.Fake{}
    addr := "http://" + serve(t, f)

    req, _ := http.NewRequest(http.MethodPut, addr+"/state/color", strings.NewReader("blue"))
    resp, err := http.DefaultClient.Do(req)
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusOK, resp.StatusCode)
    require.Equal(t, []byte("blue"), f.State["color"])

    req, _ = http.NewRequest(http.MethodDelete, addr+"/state/color", nil)
    resp, err = http.DefaultClient.Do(req)
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusOK, resp.StatusCode)

    resp, err = http.Get(addr + "/state/color")
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusNotFound, resp.StatusCode)

    f.SetDisabled(true)
    req, _ = http.NewRequest(http.MethodPut, addr+"/state/x", strings.NewReader("1"))
    resp, err = http.DefaultClient.Do(req)
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusForbidden, resp.StatusCode)

    resp, err = http.Post(addr+"/join", "application/json", strings.NewReader("{"))
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusBadRequest, resp.StatusCode)

    resp, err = http.Get(addr + "/healthz")
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusOK, resp.StatusCode)

    resp, err = http.Get(addr + "/metrics")
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
    s := NewServer("127.0.0.1:0", zerolog.Nop())
    require.NoError(t, s.Start(context.Background(), (&transporttest.Fake{}).Handlers()))
    require.NotEqual(t, "127.0.0.1:0", s.Addr())
    _, err := NewClient(time.Second).GetStatus(context.Background(), s.Addr())
    require.NoError(t, err)
    require.NoError(t, s.Stop(context.Background()))
    require.NoError(t, s.Stop(context.Background()))
}
