package transport

import (
    "context"
    "errors"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on node types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest asks the node to join the group through Seeds. No seeds means
// start a new group.
type JoinRequest struct {
    Seeds []string `json:"seeds,omitempty"`
}

type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

type LeaveRequest struct{}

type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// BroadcastRequest writes Value under Key in the replicated document, or
// removes Key when Delete is set.
type BroadcastRequest struct {
    Key    string `json:"key"`
    Value  []byte `json:"value,omitempty"`
    Delete bool   `json:"delete,omitempty"`
}

type BroadcastResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

type BroadcastFunc func(ctx context.Context, req BroadcastRequest) (BroadcastResponse, error)

type GetRequest struct {
    Key string `json:"key"`
}

type GetResponse struct {
    Found bool   `json:"found"`
    Value []byte `json:"value,omitempty"`
    Error string `json:"error,omitempty"`
}

type GetFunc func(ctx context.Context, req GetRequest) (GetResponse, error)

// Handlers are the control operations a management server exposes.
type Handlers struct {
    Status    StatusFunc
    Join      JoinFunc
    Leave     LeaveFunc
    Broadcast BroadcastFunc
    Get       GetFunc
}

// RPCServer exposes the control operations of one node.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient calls the control operations of a node by management address,
// over HTTP/JSON or gRPC with the JSON codec.
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
    PostBroadcast(ctx context.Context, addr string, req BroadcastRequest) (BroadcastResponse, error)
    GetValue(ctx context.Context, addr string, req GetRequest) (GetResponse, error)
}

// Kind classifies why a control request was rejected, so servers can pick
// a status code without knowing the node's error values.
type Kind uint8

const (
    KindInternal Kind = iota
    KindInvalid
    KindConflict
    KindForbidden
    KindUnavailable
    KindNotFound
)

// RejectError carries a Kind next to the underlying error.
type RejectError struct {
    Kind Kind
    Err  error
}

func (e *RejectError) Error() string { return e.Err.Error() }
func (e *RejectError) Unwrap() error { return e.Err }

// Reject wraps err with kind. A nil err stays nil.
func Reject(kind Kind, err error) error {
    if err == nil { return nil }
    return &RejectError{Kind: kind, Err: err}
}

// KindOf returns the Kind attached by Reject, or KindInternal.
func KindOf(err error) Kind {
    var re *RejectError
    if errors.As(err, &re) { return re.Kind }
    return KindInternal
}
