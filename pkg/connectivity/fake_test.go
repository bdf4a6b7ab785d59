package connectivity

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/connwatch/internal/netmon"
)

// fakeSource is a test double for netmon.Source.
type fakeSource struct {
	handle  *fakeHandle
	openErr error
}

func (s *fakeSource) Open() (netmon.Handle, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.handle, nil
}

// fakeHandle delivers events one at a time and waits until the engine has
// handled each one, so tests can assert right after send returns.
type fakeHandle struct {
	mu      sync.Mutex
	dump    []netmon.RawEvent
	dumpErr error
	dumps   int

	events   chan netmon.RawEvent
	handled  chan struct{}
	fail     chan error
	watching chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeHandle(dump ...netmon.RawEvent) *fakeHandle {
	return &fakeHandle{
		dump:     dump,
		events:   make(chan netmon.RawEvent),
		handled:  make(chan struct{}),
		fail:     make(chan error, 1),
		watching: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (h *fakeHandle) setDump(dump ...netmon.RawEvent) {
	h.mu.Lock()
	h.dump = dump
	h.mu.Unlock()
}

func (h *fakeHandle) dumpCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dumps
}

func (h *fakeHandle) Dump() ([]netmon.RawEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dumps++
	if h.dumpErr != nil {
		return nil, h.dumpErr
	}
	return append([]netmon.RawEvent(nil), h.dump...), nil
}

func (h *fakeHandle) Watch(ctx context.Context, handler netmon.EventHandler) error {
	close(h.watching)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.closed:
			return nil
		case err := <-h.fail:
			return fmt.Errorf("%w: %v", netmon.ErrSourceLost, err)
		case ev := <-h.events:
			handler(ev)
			h.handled <- struct{}{}
		}
	}
}

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *fakeHandle) send(t *testing.T, events ...netmon.RawEvent) {
	t.Helper()
	for _, ev := range events {
		select {
		case h.events <- ev:
		case <-time.After(time.Second):
			t.Fatalf("timeout sending %s", ev)
		}
		select {
		case <-h.handled:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s to be handled", ev)
		}
	}
}

type testEngine struct {
	*Engine
	handle *fakeHandle
	clock  *clock.Mock
	done   chan error
}

func newTestEngine(t *testing.T, cfg Config, dump ...netmon.RawEvent) *testEngine {
	t.Helper()
	mock := clock.NewMock()
	cfg.Clock = mock
	h := newFakeHandle(dump...)
	e, err := newEngine(cfg, &fakeSource{handle: h})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return &testEngine{Engine: e, handle: h, clock: mock, done: make(chan error, 1)}
}

// start runs the engine and waits until the initial dump was processed.
func (te *testEngine) start(t *testing.T) {
	t.Helper()
	go func() { te.done <- te.Run(context.Background()) }()
	select {
	case <-te.handle.watching:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for engine to start watching")
	}
}

func (te *testEngine) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-te.done:
		return err
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Run to return")
		return nil
	}
}

func next(t *testing.T, s *Subscriber) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	return ev
}

func nextErr(t *testing.T, s *Subscriber) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		_, err := s.Next(ctx)
		if err != nil {
			return err
		}
	}
}

func assertNoEvent(t *testing.T, s *Subscriber) {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
		t.Fatalf("subscription ended unexpectedly: %v", s.Err())
	case <-time.After(50 * time.Millisecond):
	}
}

func linkUp(index int, name string) netmon.RawEvent {
	return netmon.RawEvent{Kind: netmon.LinkUpdate, Index: index, Name: name, Up: true}
}

func linkDown(index int, name string) netmon.RawEvent {
	return netmon.RawEvent{Kind: netmon.LinkUpdate, Index: index, Name: name}
}

func linkRemoved(index int, name string) netmon.RawEvent {
	return netmon.RawEvent{Kind: netmon.LinkUpdate, Removed: true, Index: index, Name: name}
}

func loopback(index int) netmon.RawEvent {
	return netmon.RawEvent{Kind: netmon.LinkUpdate, Index: index, Name: "lo", Up: true, Loopback: true}
}

func addrAdded(index int, prefix string) netmon.RawEvent {
	return netmon.RawEvent{Kind: netmon.AddrUpdate, Index: index, Addr: netip.MustParsePrefix(prefix)}
}

func addrRemoved(index int, prefix string) netmon.RawEvent {
	ev := addrAdded(index, prefix)
	ev.Removed = true
	return ev
}

func defaultRoute(index int, gateway string) netmon.RawEvent {
	return netmon.RawEvent{Kind: netmon.RouteUpdate, Index: index, Default: true, Gateway: netip.MustParseAddr(gateway), Metric: 100}
}

func defaultRouteRemoved(index int, gateway string) netmon.RawEvent {
	ev := defaultRoute(index, gateway)
	ev.Removed = true
	return ev
}

func recheckEvent() netmon.RawEvent {
	return netmon.RawEvent{Kind: netmon.Recheck}
}
