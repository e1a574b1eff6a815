// Package transport provides the link layer the coordination engine consumes
// through connect/send/close and asynchronous callbacks. Callbacks may run
// interleaved with the main loop; consumers must not mutate shared state from
// the callback context directly.
package transport

import (
	"github.com/google/uuid"
)

// Link is one established connection to an adjacent node.
type Link interface {
	Id() uuid.UUID
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
	// IsInbound reports whether the remote side initiated the link.
	IsInbound() bool
}

// Callbacks delivers transport events. OnData is invoked in arrival order per
// link; no ordering holds across links.
type Callbacks struct {
	OnConnected func(l Link)
	OnData      func(l Link, frame []byte)
	OnError     func(l Link, err error)
	OnClosed    func(l Link)
	// OnDialError reports a failed outbound connect before any link exists.
	OnDialError func(addr string, err error)
}

// Transport accepts and initiates links. Connect and Listen are
// asynchronous; results arrive via the callbacks.
type Transport interface {
	Listen(addr string) error
	Connect(addr string)
	Close() error
}
