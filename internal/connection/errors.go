package connection

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send while no channel is live. Outbound
// sends are never buffered across disconnects.
var ErrNotConnected = errors.New("connection: not connected")

// TransportError is a channel-level failure. It triggers a reconnect and is
// not fatal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
