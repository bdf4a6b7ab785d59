package connectivity

import (
	"errors"

	"github.com/dmdmdm-nz/connwatch/internal/netmon"
)

var (
	// ErrSourceUnavailable is returned by New when the platform change
	// notification facility cannot be opened.
	ErrSourceUnavailable = netmon.ErrSourceUnavailable

	// ErrSourceLost is wrapped by the engine's terminal error when the
	// platform stopped delivering notifications.
	ErrSourceLost = netmon.ErrSourceLost

	// ErrEngineStopped terminates every subscription when the engine stops.
	ErrEngineStopped = errors.New("connectivity engine stopped")

	// ErrSubscriberLagged terminates a subscription that fell behind under
	// LagDrop.
	ErrSubscriberLagged = errors.New("connectivity subscriber lagged")

	// ErrUnsubscribed is returned by a subscriber after Close.
	ErrUnsubscribed = errors.New("connectivity subscriber closed")
)
