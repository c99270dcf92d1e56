package node

import (
    "context"
    "encoding/json"
    "errors"

    "github.com/amirimatin/go-swim/pkg/transport"
)

// Handlers exposes the node's control operations to a management server.
// Rejections are classified with transport.Reject and also reported in the
// response Error field for clients.
func (n *Node) Handlers() transport.Handlers {
    return transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) {
            st, err := n.Status(ctx)
            if err != nil { return nil, err }
            return json.Marshal(st)
        },
        Join: func(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
            if err := n.Join(ctx, req.Seeds...); err != nil {
                return transport.JoinResponse{Error: err.Error()}, classify(err)
            }
            return transport.JoinResponse{Accepted: true}, nil
        },
        Leave: func(ctx context.Context, _ transport.LeaveRequest) (transport.LeaveResponse, error) {
            if err := n.Leave(ctx); err != nil {
                return transport.LeaveResponse{Error: err.Error()}, classify(err)
            }
            return transport.LeaveResponse{Accepted: true}, nil
        },
        Broadcast: func(ctx context.Context, req transport.BroadcastRequest) (transport.BroadcastResponse, error) {
            var err error
            if req.Delete {
                err = n.Delete(ctx, req.Key)
            } else {
                err = n.Broadcast(ctx, req.Key, req.Value)
            }
            if err != nil { return transport.BroadcastResponse{Error: err.Error()}, classify(err) }
            return transport.BroadcastResponse{Accepted: true}, nil
        },
        Get: func(ctx context.Context, req transport.GetRequest) (transport.GetResponse, error) {
            if req.Key == "" { return transport.GetResponse{Error: ErrEmptyKey.Error()}, classify(ErrEmptyKey) }
            v, ok, err := n.Get(req.Key)
            if err != nil { return transport.GetResponse{Error: err.Error()}, classify(err) }
            return transport.GetResponse{Found: ok, Value: v}, nil
        },
    }
}

func classify(err error) error {
    switch {
    case errors.Is(err, ErrBroadcastDisabled):
        return transport.Reject(transport.KindForbidden, err)
    case errors.Is(err, ErrEmptyKey), errors.Is(err, ErrPayloadTooLarge):
        return transport.Reject(transport.KindInvalid, err)
    case errors.Is(err, ErrAlreadyJoined), errors.Is(err, ErrNotJoined):
        return transport.Reject(transport.KindConflict, err)
    case errors.Is(err, ErrNotStarted), errors.Is(err, ErrStopped):
        return transport.Reject(transport.KindUnavailable, err)
    }
    return err
}
