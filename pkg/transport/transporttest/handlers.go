// Package transporttest provides an in-memory set of management handlers
// for exercising servers and clients.
package transporttest

import (
    "context"
    "encoding/json"
    "errors"
    "sync"

    "github.com/amirimatin/go-swim/pkg/transport"
)

var (
    ErrDisabled = errors.New("broadcast disabled")
    ErrJoined   = errors.New("already joined")
)

// Fake records control calls and keeps a plain map as state.
type Fake struct {
    mu       sync.Mutex
    Joined   bool
    Seeds    []string
    Disabled bool
    State    map[string][]byte
}

// IsJoined reads Joined under the lock.
func (f *Fake) IsJoined() bool {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.Joined
}

func (f *Fake) Handlers() transport.Handlers {
    return transport.Handlers{
        Status: func(context.Context) ([]byte, error) {
            f.mu.Lock()
            defer f.mu.Unlock()
            return json.Marshal(map[string]any{"active": f.Joined, "keys": len(f.State)})
        },
        Join: func(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
            f.mu.Lock()
            defer f.mu.Unlock()
            if f.Joined { return transport.JoinResponse{Error: ErrJoined.Error()}, transport.Reject(transport.KindConflict, ErrJoined) }
            f.Joined, f.Seeds = true, req.Seeds
            return transport.JoinResponse{Accepted: true}, nil
        },
        Leave: func(context.Context, transport.LeaveRequest) (transport.LeaveResponse, error) {
            f.mu.Lock()
            defer f.mu.Unlock()
            f.Joined = false
            return transport.LeaveResponse{Accepted: true}, nil
        },
        Broadcast: func(_ context.Context, req transport.BroadcastRequest) (transport.BroadcastResponse, error) {
            f.mu.Lock()
            defer f.mu.Unlock()
            if f.Disabled { return transport.BroadcastResponse{Error: ErrDisabled.Error()}, transport.Reject(transport.KindForbidden, ErrDisabled) }
            if f.State == nil { f.State = map[string][]byte{} }
            if req.Delete {
                delete(f.State, req.Key)
            } else {
                f.State[req.Key] = req.Value
            }
            return transport.BroadcastResponse{Accepted: true}, nil
        },
        Get: func(_ context.Context, req transport.GetRequest) (transport.GetResponse, error) {
            f.mu.Lock()
            defer f.mu.Unlock()
            v, ok := f.State[req.Key]
            return transport.GetResponse{Found: ok, Value: v}, nil
        },
    }
}

func (f *Fake) SetDisabled(v bool) {
    f.mu.Lock()
    f.Disabled = v
    f.mu.Unlock()
}
