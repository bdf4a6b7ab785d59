//go:build windows

package netmon

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

const (
	gaaFlagIncludeGateways = 0x0080
	ifOperStatusUp         = 1
	ifTypeSoftwareLoopback = 24
)

var (
	modiphlpapi = windows.NewLazySystemDLL("iphlpapi.dll")

	procNotifyIpInterfaceChange      = modiphlpapi.NewProc("NotifyIpInterfaceChange")
	procNotifyUnicastIpAddressChange = modiphlpapi.NewProc("NotifyUnicastIpAddressChange")
	procNotifyRouteChange2           = modiphlpapi.NewProc("NotifyRouteChange2")
	procCancelMibChangeNotify2       = modiphlpapi.NewProc("CancelMibChangeNotify2")
)

var notifyProcs = []*windows.LazyProc{
	procNotifyIpInterfaceChange,
	procNotifyUnicastIpAddressChange,
	procNotifyRouteChange2,
}

// Handles are looked up by ID from the callback context so that no Go
// pointer is handed to the OS.
var (
	callbackOnce   sync.Once
	notifyCallback uintptr

	handlesMu    sync.Mutex
	handles      = make(map[uintptr]*windowsHandle)
	nextHandleID uintptr
)

type windowsSource struct{}

// NewSource creates a Windows source using IP Helper change notifications.
func NewSource(Config) Source {
	return windowsSource{}
}

type windowsHandle struct {
	id            uintptr
	notifications []windows.Handle

	// Callbacks carry no direction, so any number of them collapse into
	// one pending recheck.
	kick chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	watched   atomic.Bool
}

// changeCallback runs on an OS thread owned by IP Helper. It must not
// block: CancelMibChangeNotify2 waits for running callbacks.
func changeCallback(callerContext, row, notificationType uintptr) uintptr {
	handlesMu.Lock()
	h := handles[callerContext]
	handlesMu.Unlock()
	if h != nil {
		select {
		case h.kick <- struct{}{}:
		default:
		}
	}
	return 0
}

// newWindowsHandle registers a handle so that callbacks can find it.
func newWindowsHandle() *windowsHandle {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	nextHandleID++
	h := &windowsHandle{
		id:     nextHandleID,
		kick:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	handles[h.id] = h
	return h
}

func (windowsSource) Open() (Handle, error) {
	callbackOnce.Do(func() {
		notifyCallback = windows.NewCallback(changeCallback)
	})

	for _, proc := range append(notifyProcs, procCancelMibChangeNotify2) {
		if err := proc.Find(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
	}

	h := newWindowsHandle()
	for _, proc := range notifyProcs {
		var notification windows.Handle
		r1, _, _ := proc.Call(
			uintptr(windows.AF_UNSPEC),
			notifyCallback,
			h.id,
			0, // no initial notification, Dump covers it
			uintptr(unsafe.Pointer(&notification)),
		)
		if r1 != 0 {
			h.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, proc.Name, windows.Errno(r1))
		}
		h.notifications = append(h.notifications, notification)
	}

	log.Debug("Registered IP Helper interface, address and route change notifications")
	return h, nil
}

func (h *windowsHandle) Dump() ([]RawEvent, error) {
	adapters, err := adapterAddresses()
	if err != nil {
		return nil, fmt.Errorf("get adapters addresses: %w", err)
	}
	return adapterEvents(adapters), nil
}

// adapterEvents converts adapters into link, address and default route
// events. GetAdaptersAddresses only reports default gateways, so every
// gateway becomes a default route.
func adapterEvents(adapters []*windows.IpAdapterAddresses) []RawEvent {
	var events []RawEvent
	for _, aa := range adapters {
		index := int(aa.IfIndex)
		if index == 0 {
			index = int(aa.Ipv6IfIndex)
		}
		events = append(events, RawEvent{
			Kind:     LinkUpdate,
			Index:    index,
			Name:     windows.UTF16PtrToString(aa.FriendlyName),
			Up:       aa.OperStatus == ifOperStatusUp,
			Loopback: aa.IfType == ifTypeSoftwareLoopback,
		})

		for ua := aa.FirstUnicastAddress; ua != nil; ua = ua.Next {
			addr, ok := netip.AddrFromSlice(ua.Address.IP())
			if !ok {
				continue
			}
			events = append(events, RawEvent{
				Kind:  AddrUpdate,
				Index: index,
				Addr:  netip.PrefixFrom(addr.Unmap(), int(ua.OnLinkPrefixLength)),
			})
		}

		for ga := aa.FirstGatewayAddress; ga != nil; ga = ga.Next {
			gw, ok := netip.AddrFromSlice(ga.Address.IP())
			if !ok {
				continue
			}
			gw = gw.Unmap()
			metric := aa.Ipv4Metric
			if gw.Is6() {
				metric = aa.Ipv6Metric
			}
			events = append(events, RawEvent{
				Kind:    RouteUpdate,
				Index:   index,
				Default: true,
				Gateway: gw,
				Metric:  metric,
			})
		}
	}
	return events
}

func (h *windowsHandle) Watch(ctx context.Context, handler EventHandler) error {
	if !h.watched.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: handle already watched", ErrSourceLost)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.closed:
			return nil
		case <-h.kick:
			handler(RawEvent{Kind: Recheck})
		}
	}
}

func (h *windowsHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		for _, notification := range h.notifications {
			r1, _, _ := procCancelMibChangeNotify2.Call(uintptr(notification))
			if r1 != 0 && err == nil {
				err = windows.Errno(r1)
			}
		}
		handlesMu.Lock()
		delete(handles, h.id)
		handlesMu.Unlock()
	})
	return err
}

// adapterAddresses follows the buffer-growing loop used by the net
// package on Windows.
func adapterAddresses() ([]*windows.IpAdapterAddresses, error) {
	var b []byte
	l := uint32(15000)
	for {
		b = make([]byte, l)
		err := windows.GetAdaptersAddresses(windows.AF_UNSPEC, windows.GAA_FLAG_INCLUDE_PREFIX|gaaFlagIncludeGateways, 0, (*windows.IpAdapterAddresses)(unsafe.Pointer(&b[0])), &l)
		if err == nil {
			if l == 0 {
				return nil, nil
			}
			break
		}
		if err.(windows.Errno) != windows.ERROR_BUFFER_OVERFLOW {
			return nil, err
		}
		if l <= uint32(len(b)) {
			return nil, err
		}
	}
	var aas []*windows.IpAdapterAddresses
	for aa := (*windows.IpAdapterAddresses)(unsafe.Pointer(&b[0])); aa != nil; aa = aa.Next {
		aas = append(aas, aa)
	}
	return aas, nil
}
