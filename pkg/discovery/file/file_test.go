package file

import (
    "context"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

func write(t *testing.T, path, body string) {
    t.Helper()
    require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestEnvOverridesFile(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    write(t, f, "a:1\n")
    t.Setenv("TEST_SWIM_SEEDS", "y:8, x:9")

    got := New(Options{Path: f, Env: "TEST_SWIM_SEEDS"}).Seeds(context.Background())
    require.Equal(t, []string{"x:9", "y:8"}, got)

    got = New(Options{Path: f, Env: "-"}).Seeds(context.Background())
    require.Equal(t, []string{"a:1"}, got)
}

func TestFileRefresh(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    write(t, f, "# seeds\na:1\nb:2\n")
    d := New(Options{Path: f, Env: "-", Refresh: 10 * time.Millisecond})
    require.Equal(t, []string{"a:1", "b:2"}, d.Seeds(context.Background()))

    write(t, f, "b:2,c:3\n")
    time.Sleep(15 * time.Millisecond)
    require.Equal(t, []string{"b:2", "c:3"}, d.Seeds(context.Background()))
}

func TestGlobMergesFiles(t *testing.T) {
    dir := t.TempDir()
    write(t, filepath.Join(dir, "a.txt"), "a:1\nb:2\n")
    write(t, filepath.Join(dir, "b.txt"), "b:2\nc:3\n")

    got := New(Options{Path: filepath.Join(dir, "*.txt"), Env: "-"}).Seeds(context.Background())
    require.Equal(t, []string{"a:1", "b:2", "c:3"}, got)
}

func TestMissingFileKeepsLastRead(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    write(t, f, "a:1\n")
    d := New(Options{Path: f, Env: "-"})
    require.Equal(t, []string{"a:1"}, d.Seeds(context.Background()))
    require.NoError(t, os.Remove(f))
    require.Equal(t, []string{"a:1"}, d.Seeds(context.Background()))
}
