// Package dns resolves seeds from SRV records or A/AAAA host names.
package dns

import (
    "context"
    "errors"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/avast/retry-go/v4"
    "github.com/rs/zerolog"

    "github.com/amirimatin/go-swim/pkg/discovery"
)

// Options configures DNS-based discovery.
type Options struct {
    // Names are SRV names ("_swim._udp.example.com"), host names, or literal
    // host:port pairs which pass through unchanged.
    Names []string
    // Port is appended to A/AAAA answers. Defaults to 7946.
    Port int
    // Refresh bounds how long answers are cached; defaults to 5s.
    Refresh time.Duration
    // Attempts per name when the resolver fails temporarily; defaults to 3.
    Attempts uint
    Resolver *net.Resolver
    Logger   zerolog.Logger
}

type source struct {
    opts  Options
    mu    sync.Mutex
    at    time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Attempts == 0 { opts.Attempts = 3 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &source{opts: opts}
}

func (s *source) Seeds(ctx context.Context) []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if len(s.cache) > 0 && time.Since(s.at) < s.opts.Refresh { return append([]string(nil), s.cache...) }
    var all []string
    for _, name := range s.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        addrs, err := s.resolve(ctx, name)
        if err != nil {
            s.opts.Logger.Warn().Err(err).Str("name", name).Msg("discovery: dns lookup failed")
            continue
        }
        all = append(all, addrs...)
    }
    if res := discovery.Normalize(all); len(res) > 0 || len(s.cache) == 0 {
        s.cache, s.at = res, time.Now()
    }
    return append([]string(nil), s.cache...)
}

func (s *source) resolve(ctx context.Context, name string) ([]string, error) {
    if _, _, err := net.SplitHostPort(name); err == nil { return []string{name}, nil }
    var out []string
    err := retry.Do(func() error {
        var err error
        if svc, proto, domain, ok := parseSRVName(name); ok {
            out, err = s.lookupSRV(ctx, svc, proto, domain)
        } else {
            out, err = s.lookupHost(ctx, name)
        }
        var dnsErr *net.DNSError
        if errors.As(err, &dnsErr) && dnsErr.IsNotFound { return retry.Unrecoverable(err) }
        return err
    },
        retry.Context(ctx),
        retry.Attempts(s.opts.Attempts),
        retry.Delay(50*time.Millisecond),
        retry.LastErrorOnly(true),
    )
    return out, err
}

func (s *source) lookupSRV(ctx context.Context, svc, proto, domain string) ([]string, error) {
    _, recs, err := s.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil, err }
    out := make([]string, 0, len(recs))
    for _, r := range recs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
    }
    return out, nil
}

func (s *source) lookupHost(ctx context.Context, host string) ([]string, error) {
    ips, err := s.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil, err }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(s.opts.Port))) }
    return out, nil
}

// parseSRVName splits "_service._proto.domain".
func parseSRVName(name string) (service, proto, domain string, ok bool) {
    parts := strings.SplitN(name, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") { return "", "", "", false }
    return parts[0][1:], parts[1][1:], parts[2], true
}
