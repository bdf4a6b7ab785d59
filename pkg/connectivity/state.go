// Package connectivity reports whether the host can currently reach the
// network, as a stream of state transitions fanned out to any number of
// subscribers.
package connectivity

import (
	"fmt"
	"time"
)

// State is the process-wide connectivity judgement.
type State int

const (
	Unavailable State = iota
	Available
)

func (s State) String() string {
	switch s {
	case Unavailable:
		return "unavailable"
	case Available:
		return "available"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unavailable":
		*s = Unavailable
	case "available":
		*s = Available
	default:
		return fmt.Errorf("unknown connectivity state %q", b)
	}
	return nil
}

// Connectivity breaks availability down per address family.
type Connectivity int

const (
	None Connectivity = iota
	IPv4
	IPv6
	All
)

func connectivityOf(ipv4, ipv6 bool) Connectivity {
	switch {
	case ipv4 && ipv6:
		return All
	case ipv4:
		return IPv4
	case ipv6:
		return IPv6
	default:
		return None
	}
}

func (c Connectivity) String() string {
	switch c {
	case None:
		return "none"
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case All:
		return "all"
	default:
		return fmt.Sprintf("Connectivity(%d)", int(c))
	}
}

func (c Connectivity) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Connectivity) UnmarshalText(b []byte) error {
	for _, v := range []Connectivity{None, IPv4, IPv6, All} {
		if v.String() == string(b) {
			*c = v
			return nil
		}
	}
	return fmt.Errorf("unknown connectivity %q", b)
}

// Event is an immutable snapshot delivered to subscribers.
//
// Seq counts transitions since the engine started; the conservative
// initial state has Seq 0. With LagCoalesce a slow subscriber may see gaps
// in Seq where superseded flaps were skipped.
//
// At is the time of the transition, except for the first event of a
// subscription, which is stamped when the subscription was taken.
// Changes of Connectivity alone are not transitions: they show up in
// Engine.Current and in later subscription snapshots.
type Event struct {
	State        State        `json:"state"`
	Connectivity Connectivity `json:"connectivity"`
	At           time.Time    `json:"at"`
	Seq          uint64       `json:"seq"`
}
