// Package discovery supplies seed addresses to a node that is about to join
// a gossip group.
package discovery

import (
    "context"
    "sort"
    "strings"
)

// Discovery returns candidate seed addresses (host:port). An empty result
// means no seeds are known; the caller decides whether to bootstrap.
type Discovery interface {
    Seeds(ctx context.Context) []string
}

// Func adapts a plain function to Discovery.
type Func func(ctx context.Context) []string

func (f Func) Seeds(ctx context.Context) []string { return f(ctx) }

// Multi merges several sources into one sorted, de-duplicated list.
func Multi(srcs ...Discovery) Discovery {
    return Func(func(ctx context.Context) []string {
        var all []string
        for _, s := range srcs {
            if s != nil { all = append(all, s.Seeds(ctx)...) }
        }
        return Normalize(all)
    })
}

// Normalize trims, drops empties, de-duplicates and sorts addresses.
func Normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    for _, s := range in {
        if s = strings.TrimSpace(s); s != "" { set[s] = struct{}{} }
    }
    if len(set) == 0 { return nil }
    out := make([]string, 0, len(set))
    for s := range set { out = append(out, s) }
    sort.Strings(out)
    return out
}

// SplitList splits a comma or whitespace separated list of addresses.
func SplitList(s string) []string {
    return Normalize(strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' }))
}
