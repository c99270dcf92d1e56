// Package file reads seeds from a file, a glob of files, or an env var.
package file

import (
    "bufio"
    "context"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/rs/zerolog"

    "github.com/amirimatin/go-swim/pkg/discovery"
)

// DefaultEnv is consulted when Options.Env is empty.
const DefaultEnv = "SWIM_SEEDS"

// Options configures file/ENV-based discovery.
type Options struct {
    // Path is a file or glob; each line holds one or more comma separated
    // addresses, '#' starts a comment line.
    Path string
    // Env overrides the file when set and non-empty. "-" disables it.
    Env string
    // Refresh bounds how long a read is cached; defaults to 5s.
    Refresh time.Duration
    Logger  zerolog.Logger
}

type source struct {
    opts  Options
    mu    sync.Mutex
    read  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Env == "" { opts.Env = DefaultEnv }
    return &source{opts: opts}
}

func (s *source) Seeds(context.Context) []string {
    if s.opts.Env != "-" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" { return discovery.SplitList(v) }
    }
    if s.opts.Path == "" { return nil }

    s.mu.Lock()
    defer s.mu.Unlock()
    paths, err := filepath.Glob(s.opts.Path)
    if err != nil || len(paths) == 0 {
        s.opts.Logger.Debug().Str("path", s.opts.Path).Msg("discovery: no seed files")
        return append([]string(nil), s.cache...)
    }
    var newest time.Time
    for _, p := range paths {
        if st, err := os.Stat(p); err == nil && st.ModTime().After(newest) { newest = st.ModTime() }
    }
    if newest.After(s.mtime) || time.Since(s.read) >= s.opts.Refresh {
        var all []string
        for _, p := range paths { all = append(all, s.load(p)...) }
        s.cache = discovery.Normalize(all)
        s.read, s.mtime = time.Now(), newest
    }
    return append([]string(nil), s.cache...)
}

func (s *source) load(path string) []string {
    f, err := os.Open(path)
    if err != nil {
        s.opts.Logger.Warn().Err(err).Str("path", path).Msg("discovery: open seed file")
        return nil
    }
    defer f.Close()
    var out []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        out = append(out, discovery.SplitList(line)...)
    }
    if err := sc.Err(); err != nil {
        s.opts.Logger.Warn().Err(err).Str("path", path).Msg("discovery: read seed file")
        return nil
    }
    return out
}
