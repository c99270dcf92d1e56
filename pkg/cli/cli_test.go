package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http/httptest"
    "strings"
    "testing"

    "github.com/rs/zerolog"
    "github.com/spf13/cobra"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-swim/pkg/transport"
    "github.com/amirimatin/go-swim/pkg/transport/httpjson"
    "github.com/amirimatin/go-swim/pkg/transport/transporttest"
)

func execute(t *testing.T, args ...string) (string, error) {
    t.Helper()
    root := &cobra.Command{Use: "swimctl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    var out bytes.Buffer
    root.SetOut(&out)
    root.SetErr(&out)
    root.SetArgs(args)
    err := root.ExecuteContext(context.Background())
    return out.String(), err
}

func serve(t *testing.T) (*transporttest.Fake, string) {
    t.Helper()
    fake := &transporttest.Fake{}
    ts := httptest.NewServer(httpjson.NewServer("", zerolog.Nop()).Handler(fake.Handlers()))
    t.Cleanup(ts.Close)
    return fake, strings.TrimPrefix(ts.URL, "http://")
}

func TestCLI_BroadcastAndGet(t *testing.T) {
    _, addr := serve(t)
    _, err := execute(t, "join", "--addr", addr, "10.0.0.1:7946")
    require.NoError(t, err)
    _, err = execute(t, "broadcast", "--addr", addr, "color", "red")
    require.NoError(t, err)

    out, err := execute(t, "get", "--addr", addr, "--raw", "color")
    require.NoError(t, err)
    require.Equal(t, "red\n", out)

    out, err = execute(t, "get", "--addr", addr, "color")
    require.NoError(t, err)
    var resp transport.GetResponse
    require.NoError(t, json.Unmarshal([]byte(out), &resp))
    require.True(t, resp.Found)

    _, err = execute(t, "broadcast", "--addr", addr, "--delete", "color")
    require.NoError(t, err)
    _, err = execute(t, "get", "--addr", addr, "color")
    require.ErrorContains(t, err, "not found")
}

func TestCLI_StatusAndLeave(t *testing.T) {
    fake, addr := serve(t)
    _, err := execute(t, "join", "--addr", addr)
    require.NoError(t, err)
    out, err := execute(t, "status", "--addr", addr)
    require.NoError(t, err)
    require.True(t, json.Valid([]byte(out)), out)

    _, err = execute(t, "leave", "--addr", addr)
    require.NoError(t, err)
    require.False(t, fake.IsJoined())
}

func TestCLI_ArgumentErrors(t *testing.T) {
    _, addr := serve(t)
    _, err := execute(t, "broadcast", "--addr", addr, "k")
    require.Error(t, err)
    _, err = execute(t, "broadcast", "--addr", addr, "--delete", "k", "v")
    require.Error(t, err)
    _, err = execute(t, "get", "--addr", addr)
    require.Error(t, err)
}
