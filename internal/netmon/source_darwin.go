//go:build darwin

package netmon

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/route"
	"golang.org/x/sys/unix"
)

type darwinSource struct{}

// NewSource creates a macOS source using an AF_ROUTE socket.
func NewSource(Config) Source {
	return darwinSource{}
}

type darwinHandle struct {
	fd        int
	closeOnce sync.Once
	closed    chan struct{}
	watched   atomic.Bool
}

func (darwinSource) Open() (Handle, error) {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return nil, fmt.Errorf("%w: route socket: %v", ErrSourceUnavailable, err)
	}
	return &darwinHandle{fd: fd, closed: make(chan struct{})}, nil
}

func (h *darwinHandle) Dump() ([]RawEvent, error) {
	var events []RawEvent

	rib, err := route.FetchRIB(unix.AF_UNSPEC, route.RIBTypeInterface, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch interfaces: %w", err)
	}
	msgs, err := route.ParseRIB(route.RIBTypeInterface, rib)
	if err != nil {
		return nil, fmt.Errorf("parse interfaces: %w", err)
	}
	events = append(events, messageEvents(msgs)...)

	rib, err = route.FetchRIB(unix.AF_UNSPEC, route.RIBTypeRoute, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch routes: %w", err)
	}
	msgs, err = route.ParseRIB(route.RIBTypeRoute, rib)
	if err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	events = append(events, messageEvents(msgs)...)

	return events, nil
}

func (h *darwinHandle) Watch(ctx context.Context, handler EventHandler) error {
	if !h.watched.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: handle already watched", ErrSourceLost)
	}

	// Unblock the read when the context is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			h.Close()
		case <-h.closed:
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(h.fd, buf)
		if err != nil {
			select {
			case <-h.closed:
				return nil
			default:
			}
			if err == unix.EINTR || err == unix.ENOBUFS {
				// Overrun: state is unknown until re-read.
				handler(RawEvent{Kind: Recheck})
				continue
			}
			h.Close()
			return fmt.Errorf("%w: read route socket: %v", ErrSourceLost, err)
		}

		msgs, err := route.ParseRIB(route.RIBTypeRoute, buf[:n])
		if err != nil {
			log.WithError(err).Trace("Skipping unparsable routing message")
			continue
		}
		for _, ev := range messageEvents(msgs) {
			handler(ev)
		}
	}
}

func (h *darwinHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		err = unix.Close(h.fd)
	})
	return err
}

func messageEvents(msgs []route.Message) []RawEvent {
	var events []RawEvent
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *route.InterfaceMessage:
			events = append(events, RawEvent{
				Kind:     LinkUpdate,
				Index:    m.Index,
				Name:     m.Name,
				Up:       m.Flags&unix.IFF_UP != 0 && m.Flags&unix.IFF_RUNNING != 0,
				Loopback: m.Flags&unix.IFF_LOOPBACK != 0,
			})

		case *route.InterfaceAddrMessage:
			if len(m.Addrs) <= unix.RTAX_IFA {
				continue
			}
			addr, ok := sockAddr(m.Addrs[unix.RTAX_IFA])
			if !ok {
				continue
			}
			bits := addr.BitLen()
			if len(m.Addrs) > unix.RTAX_NETMASK {
				if mask, ok := sockAddr(m.Addrs[unix.RTAX_NETMASK]); ok {
					bits = maskBits(mask)
				}
			}
			events = append(events, RawEvent{
				Kind:    AddrUpdate,
				Removed: m.Type == unix.RTM_DELADDR,
				Index:   m.Index,
				Addr:    netip.PrefixFrom(addr, bits),
			})

		case *route.RouteMessage:
			if m.Type != unix.RTM_ADD && m.Type != unix.RTM_DELETE && m.Type != unix.RTM_GET && m.Type != unix.RTM_CHANGE {
				continue
			}
			if len(m.Addrs) <= unix.RTAX_GATEWAY {
				continue
			}
			dst, ok := sockAddr(m.Addrs[unix.RTAX_DST])
			if !ok {
				continue
			}
			isDefault := dst.IsUnspecified()
			if isDefault && len(m.Addrs) > unix.RTAX_NETMASK {
				if mask, ok := sockAddr(m.Addrs[unix.RTAX_NETMASK]); ok {
					isDefault = maskBits(mask) == 0
				}
			}
			gw, ok := sockAddr(m.Addrs[unix.RTAX_GATEWAY])
			if !ok {
				gw = netip.IPv4Unspecified()
				if dst.Is6() {
					gw = netip.IPv6Unspecified()
				}
			}
			events = append(events, RawEvent{
				Kind:    RouteUpdate,
				Removed: m.Type == unix.RTM_DELETE,
				Index:   m.Index,
				Default: isDefault,
				Gateway: gw,
			})
		}
	}
	return events
}

func sockAddr(a route.Addr) (netip.Addr, bool) {
	switch sa := a.(type) {
	case *route.Inet4Addr:
		return netip.AddrFrom4(sa.IP), true
	case *route.Inet6Addr:
		return netip.AddrFrom16(sa.IP), true
	default:
		return netip.Addr{}, false
	}
}

func maskBits(mask netip.Addr) int {
	bits := 0
	for _, b := range mask.AsSlice() {
		for ; b&0x80 != 0; b <<= 1 {
			bits++
		}
	}
	return bits
}
