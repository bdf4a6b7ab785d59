package netmon

import (
	"context"
	"errors"
)

var (
	// ErrSourceUnavailable is returned by Open when the OS notification
	// facility cannot be registered.
	ErrSourceUnavailable = errors.New("network change source unavailable")

	// ErrSourceLost is returned by Watch when the OS stopped delivering
	// notifications.
	ErrSourceLost = errors.New("network change source lost")
)

// Config tunes the platform source. Zero values mean platform defaults.
type Config struct {
	// ReceiveBufferSize sets the netlink socket receive buffer on Linux.
	ReceiveBufferSize int
}

// Source opens a subscription to OS-level network change notifications.
// Exactly one implementation is compiled in per target OS.
type Source interface {
	Open() (Handle, error)
}

// Handle is an open subscription to network change notifications.
type Handle interface {
	// Dump lists the current links, addresses and default routes.
	Dump() ([]RawEvent, error)

	// Watch delivers raw events to handler in the order the OS reports
	// them. Blocks until ctx is cancelled (returns nil) or the OS facility
	// goes away (returns an error wrapping ErrSourceLost). A Handle can
	// only be watched once.
	Watch(ctx context.Context, handler EventHandler) error

	// Close releases the OS registration. Safe to call more than once.
	Close() error
}
