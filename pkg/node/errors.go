package node

import (
    "errors"

    "github.com/amirimatin/go-swim/pkg/membership"
)

var (
    ErrBroadcastDisabled = errors.New("node: broadcast disabled")
    ErrPayloadTooLarge   = errors.New("node: payload too large")
    ErrEmptyKey          = errors.New("node: empty key")

    ErrAlreadyJoined = membership.ErrAlreadyJoined
    ErrNotJoined     = membership.ErrNotJoined
    ErrNotStarted    = membership.ErrNotStarted
    ErrStopped       = membership.ErrStopped
)
