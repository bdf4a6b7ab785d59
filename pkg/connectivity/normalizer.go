package connectivity

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dmdmdm-nz/connwatch/internal/netmon"
)

type direction int

const (
	becameUnavailable direction = iota
	becameAvailable
	recheck
)

func (d direction) String() string {
	switch d {
	case becameAvailable:
		return "became available"
	case becameUnavailable:
		return "became unavailable"
	default:
		return "recheck"
	}
}

// signal is the platform-independent outcome of one raw event.
type signal struct {
	at           time.Time
	direction    direction
	connectivity Connectivity
}

type gatewayKey struct {
	gateway netip.Addr
	metric  uint32
}

type ipState struct {
	addrs    map[netip.Addr]struct{}
	gateways map[gatewayKey]struct{}
}

func (s *ipState) usable(requireRoute bool) bool {
	return len(s.addrs) > 0 && (!requireRoute || len(s.gateways) > 0)
}

type interfaceState struct {
	up bool
	v4 ipState
	v6 ipState
}

func newInterfaceState() *interfaceState {
	return &interfaceState{
		v4: ipState{addrs: make(map[netip.Addr]struct{}), gateways: make(map[gatewayKey]struct{})},
		v6: ipState{addrs: make(map[netip.Addr]struct{}), gateways: make(map[gatewayKey]struct{})},
	}
}

func (s *interfaceState) family(addr netip.Addr) *ipState {
	if addr.Is4() {
		return &s.v4
	}
	return &s.v6
}

// normalizer keeps the per-interface bookkeeping needed to turn
// per-interface raw events into a host-wide direction.
type normalizer struct {
	clock               clock.Clock
	requireDefaultRoute bool
	ifaces              map[int]*interfaceState
}

func newNormalizer(clk clock.Clock, requireDefaultRoute bool) *normalizer {
	return &normalizer{
		clock:               clk,
		requireDefaultRoute: requireDefaultRoute,
		ifaces:              make(map[int]*interfaceState),
	}
}

// apply folds one raw event into the interface table. It reports false for
// events that cannot affect connectivity.
func (n *normalizer) apply(ev netmon.RawEvent) (signal, bool) {
	switch ev.Kind {
	case netmon.Recheck:
		return signal{at: n.clock.Now(), direction: recheck}, true
	case netmon.LinkUpdate:
		if !n.applyLink(ev) {
			return signal{}, false
		}
	case netmon.AddrUpdate:
		if !n.applyAddr(ev) {
			return signal{}, false
		}
	case netmon.RouteUpdate:
		if !n.applyRoute(ev) {
			return signal{}, false
		}
	default:
		return signal{}, false
	}
	return n.derive(), true
}

// reset rebuilds the table from a full dump.
func (n *normalizer) reset(events []netmon.RawEvent) signal {
	n.ifaces = make(map[int]*interfaceState)
	for _, ev := range events {
		switch ev.Kind {
		case netmon.LinkUpdate:
			n.applyLink(ev)
		case netmon.AddrUpdate:
			n.applyAddr(ev)
		case netmon.RouteUpdate:
			n.applyRoute(ev)
		}
	}
	return n.derive()
}

func (n *normalizer) entry(index int) *interfaceState {
	s, ok := n.ifaces[index]
	if !ok {
		s = newInterfaceState()
		n.ifaces[index] = s
	}
	return s
}

func (n *normalizer) applyLink(ev netmon.RawEvent) bool {
	if ev.Loopback {
		return false
	}
	if ev.Removed {
		delete(n.ifaces, ev.Index)
		return true
	}
	n.entry(ev.Index).up = ev.Up
	return true
}

func (n *normalizer) applyAddr(ev netmon.RawEvent) bool {
	addr := ev.Addr.Addr()
	if !addr.IsValid() || !addr.IsGlobalUnicast() {
		// link-local, loopback and multicast churn
		return false
	}
	addr = addr.WithZone("")
	if ev.Removed {
		s, ok := n.ifaces[ev.Index]
		if !ok {
			return false
		}
		delete(s.family(addr).addrs, addr)
		return true
	}
	n.entry(ev.Index).family(addr).addrs[addr] = struct{}{}
	return true
}

func (n *normalizer) applyRoute(ev netmon.RawEvent) bool {
	if !ev.Default || !ev.Gateway.IsValid() {
		return false
	}
	key := gatewayKey{gateway: ev.Gateway.WithZone(""), metric: ev.Metric}
	if ev.Removed {
		s, ok := n.ifaces[ev.Index]
		if !ok {
			return false
		}
		delete(s.family(key.gateway).gateways, key)
		return true
	}
	n.entry(ev.Index).family(key.gateway).gateways[key] = struct{}{}
	return true
}

func (n *normalizer) connectivity() Connectivity {
	var v4, v6 bool
	for _, s := range n.ifaces {
		if !s.up {
			continue
		}
		v4 = v4 || s.v4.usable(n.requireDefaultRoute)
		v6 = v6 || s.v6.usable(n.requireDefaultRoute)
	}
	return connectivityOf(v4, v6)
}

func (n *normalizer) derive() signal {
	c := n.connectivity()
	d := becameUnavailable
	if c != None {
		d = becameAvailable
	}
	return signal{at: n.clock.Now(), direction: d, connectivity: c}
}
