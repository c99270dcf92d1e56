// Package static provides a fixed seed list.
package static

import (
    "context"

    "github.com/amirimatin/go-swim/pkg/discovery"
)

type seeds []string

func (s seeds) Seeds(context.Context) []string { return append([]string(nil), s...) }

// New returns a Discovery that always yields the given addresses.
func New(addrs ...string) discovery.Discovery { return seeds(discovery.Normalize(addrs)) }

// Parse builds a static source from a comma separated list.
func Parse(csv string) discovery.Discovery { return seeds(discovery.SplitList(csv)) }
