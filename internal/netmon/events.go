package netmon

import (
	"fmt"
	"net/netip"
)

type EventKind string

const (
	LinkUpdate  EventKind = "LINK_UPDATE"
	AddrUpdate  EventKind = "ADDR_UPDATE"
	RouteUpdate EventKind = "ROUTE_UPDATE"

	// Recheck is emitted when the platform reports that something changed
	// but not what. Consumers must re-read the full state with Dump.
	Recheck EventKind = "RECHECK"
)

// RawEvent is a single change notification as reported by the platform
// source. Which fields are set depends on Kind.
type RawEvent struct {
	Kind    EventKind
	Removed bool

	Index int
	Name  string

	// LinkUpdate
	Up       bool
	Loopback bool

	// AddrUpdate
	Addr netip.Prefix

	// RouteUpdate
	Default bool
	Gateway netip.Addr
	Metric  uint32
}

func (e RawEvent) String() string {
	op := "new"
	if e.Removed {
		op = "del"
	}
	switch e.Kind {
	case LinkUpdate:
		return fmt.Sprintf("%s link %d(%s) up=%t loopback=%t", op, e.Index, e.Name, e.Up, e.Loopback)
	case AddrUpdate:
		return fmt.Sprintf("%s addr %s on %d", op, e.Addr, e.Index)
	case RouteUpdate:
		return fmt.Sprintf("%s route default=%t via %s metric %d on %d", op, e.Default, e.Gateway, e.Metric, e.Index)
	default:
		return string(e.Kind)
	}
}

// EventHandler receives raw events from a Handle.
type EventHandler func(event RawEvent)
