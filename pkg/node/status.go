package node

import (
    "github.com/amirimatin/go-swim/pkg/membership"
)

// Status is a JSON-serializable point-in-time view of the node for status
// endpoints and tooling.
type Status struct {
    // Healthy is set when the node is joined and its health score is zero.
    Healthy     bool                    `json:"healthy"`
    ID          string                  `json:"id"`
    Addr        string                  `json:"addr"`
    Active      bool                    `json:"active"`
    Incarnation uint64                  `json:"incarnation"`
    // Members includes the local node.
    Members     []membership.MemberInfo `json:"members"`
    Keys        int                     `json:"keys"`
    Broadcast   bool                    `json:"broadcast"`
    Warnings    []string                `json:"warnings,omitempty"`
}

// Alive counts members in the Alive state.
func (s Status) Alive() int {
    n := 0
    for _, m := range s.Members {
        if m.Status == membership.StatusAlive { n++ }
    }
    return n
}
