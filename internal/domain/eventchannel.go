package domain

import "context"

// EventChannel is one push/pull transport to a single observer.
type EventChannel interface {
	// ID is stable for the lifetime of the channel and unique per process.
	ID() string
	// Send delivers one event. It must respect ctx cancellation and returns
	// ErrTransportClosed once the channel is closed.
	Send(ctx context.Context, ev Event) error
	// Receive blocks until the observer sends a text frame.
	Receive(ctx context.Context) (string, error)
	// Done is closed when the transport closes for any reason.
	Done() <-chan struct{}
	Close() error
}
