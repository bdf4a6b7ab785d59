//go:build linux

package netmon

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const updateBuffer = 64

type linuxSource struct {
	cfg Config
}

// NewSource creates a Linux source backed by rtnetlink link, address and
// route notifications.
func NewSource(cfg Config) Source {
	return &linuxSource{cfg: cfg}
}

type linuxHandle struct {
	linkCh  chan netlink.LinkUpdate
	addrCh  chan netlink.AddrUpdate
	routeCh chan netlink.RouteUpdate
	errCh   chan error

	done      chan struct{}
	closeOnce sync.Once
	watched   atomic.Bool
}

// Open subscribes before anything is dumped so that no change is lost
// between Dump and Watch. Updates queue in the socket meanwhile.
func (s *linuxSource) Open() (Handle, error) {
	h := &linuxHandle{
		linkCh:  make(chan netlink.LinkUpdate, updateBuffer),
		addrCh:  make(chan netlink.AddrUpdate, updateBuffer),
		routeCh: make(chan netlink.RouteUpdate, updateBuffer),
		errCh:   make(chan error, 3),
		done:    make(chan struct{}),
	}
	onError := func(err error) {
		select {
		case h.errCh <- err:
		default:
		}
	}

	err := netlink.LinkSubscribeWithOptions(h.linkCh, h.done, netlink.LinkSubscribeOptions{
		ErrorCallback:     onError,
		ReceiveBufferSize: s.cfg.ReceiveBufferSize,
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: link subscribe: %v", ErrSourceUnavailable, err)
	}

	err = netlink.AddrSubscribeWithOptions(h.addrCh, h.done, netlink.AddrSubscribeOptions{
		ErrorCallback:     onError,
		ReceiveBufferSize: s.cfg.ReceiveBufferSize,
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: addr subscribe: %v", ErrSourceUnavailable, err)
	}

	err = netlink.RouteSubscribeWithOptions(h.routeCh, h.done, netlink.RouteSubscribeOptions{
		ErrorCallback:     onError,
		ReceiveBufferSize: s.cfg.ReceiveBufferSize,
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: route subscribe: %v", ErrSourceUnavailable, err)
	}

	log.Debug("Subscribed to rtnetlink link, address and route groups")
	return h, nil
}

func (h *linuxHandle) Dump() ([]RawEvent, error) {
	var events []RawEvent

	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	for _, link := range links {
		events = append(events, linkEvent(link, false))
	}

	addrs, err := netlink.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	for _, addr := range addrs {
		if addr.IPNet == nil {
			continue
		}
		if ev, ok := addrEvent(addr.LinkIndex, *addr.IPNet, false); ok {
			events = append(events, ev)
		}
	}

	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	for _, route := range routes {
		events = append(events, routeEvents(route, false)...)
	}

	return events, nil
}

func (h *linuxHandle) Watch(ctx context.Context, handler EventHandler) error {
	if !h.watched.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: handle already watched", ErrSourceLost)
	}
	defer h.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-h.done:
			return nil

		case err := <-h.errCh:
			return fmt.Errorf("%w: %v", ErrSourceLost, err)

		case update, ok := <-h.linkCh:
			if !ok {
				return h.lost("link")
			}
			handler(linkEvent(update.Link, update.Header.Type == unix.RTM_DELLINK))

		case update, ok := <-h.addrCh:
			if !ok {
				return h.lost("address")
			}
			if ev, ok := addrEvent(update.LinkIndex, update.LinkAddress, !update.NewAddr); ok {
				handler(ev)
			}

		case update, ok := <-h.routeCh:
			if !ok {
				return h.lost("route")
			}
			for _, ev := range routeEvents(update.Route, update.Type == unix.RTM_DELROUTE) {
				handler(ev)
			}
		}
	}
}

// lost prefers the error reported through the error callback, which the
// library delivers just before closing the update channel.
func (h *linuxHandle) lost(group string) error {
	select {
	case err := <-h.errCh:
		return fmt.Errorf("%w: %v", ErrSourceLost, err)
	case <-h.done:
		return nil
	default:
		return fmt.Errorf("%w: %s subscription closed", ErrSourceLost, group)
	}
}

func (h *linuxHandle) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}

func linkEvent(link netlink.Link, removed bool) RawEvent {
	attrs := link.Attrs()
	return RawEvent{
		Kind:     LinkUpdate,
		Removed:  removed,
		Index:    attrs.Index,
		Name:     attrs.Name,
		Up:       attrs.Flags&net.FlagUp != 0 && attrs.RawFlags&unix.IFF_LOWER_UP != 0,
		Loopback: attrs.Flags&net.FlagLoopback != 0,
	}
}

func addrEvent(index int, ipNet net.IPNet, removed bool) (RawEvent, bool) {
	addr, ok := netip.AddrFromSlice(ipNet.IP)
	if !ok {
		return RawEvent{}, false
	}
	ones, _ := ipNet.Mask.Size()
	return RawEvent{
		Kind:    AddrUpdate,
		Removed: removed,
		Index:   index,
		Addr:    netip.PrefixFrom(addr.Unmap(), ones),
	}, true
}

// routeEvents emits one event per next hop so that multipath default
// routes are tracked on every interface they use. Only the main table is
// considered.
func routeEvents(route netlink.Route, removed bool) []RawEvent {
	if route.Table != 0 && route.Table != unix.RT_TABLE_MAIN {
		return nil
	}

	isDefault := route.Dst == nil
	if route.Dst != nil {
		ones, _ := route.Dst.Mask.Size()
		isDefault = ones == 0 && route.Dst.IP.IsUnspecified()
	}

	unspecified := netip.IPv4Unspecified()
	if route.Family == unix.AF_INET6 {
		unspecified = netip.IPv6Unspecified()
	}

	ev := RawEvent{
		Kind:    RouteUpdate,
		Removed: removed,
		Default: isDefault,
		Metric:  uint32(route.Priority),
	}

	if len(route.MultiPath) == 0 {
		ev.Index = route.LinkIndex
		ev.Gateway = gatewayAddr(route.Gw, unspecified)
		return []RawEvent{ev}
	}

	events := make([]RawEvent, 0, len(route.MultiPath))
	for _, hop := range route.MultiPath {
		hopEv := ev
		hopEv.Index = hop.LinkIndex
		hopEv.Gateway = gatewayAddr(hop.Gw, unspecified)
		events = append(events, hopEv)
	}
	return events
}

// gatewayAddr falls back to the unspecified address for on-link default
// routes (point-to-point devices) so they are still keyed by family.
func gatewayAddr(ip net.IP, fallback netip.Addr) netip.Addr {
	if addr, ok := netip.AddrFromSlice(ip); ok {
		return addr.Unmap()
	}
	return fallback
}
