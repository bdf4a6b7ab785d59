package connectivity

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/connwatch/internal/runtime"
)

type broadcaster struct {
	clock      clock.Clock
	queueLimit int
	overflow   runtime.OverflowFunc[Event]
	metrics    *metrics

	// mu serializes publish, subscribe and stop so that a new subscriber's
	// snapshot and its registration are one step in the emission order.
	mu      sync.Mutex
	latest  Event
	subs    map[uuid.UUID]*runtime.SubQueue[Event]
	stopped bool
	stopErr error
}

func newBroadcaster(initial Event, clk clock.Clock, queueLimit int, policy LagPolicy, m *metrics) *broadcaster {
	b := &broadcaster{
		clock:      clk,
		queueLimit: queueLimit,
		metrics:    m,
		latest:     initial,
		subs:       make(map[uuid.UUID]*runtime.SubQueue[Event]),
	}
	if policy == LagCoalesce {
		b.overflow = b.coalesce
	}
	return b
}

// coalesce runs when a queue holds one transition more than its limit.
// Transitions strictly alternate, so the two oldest pending ones cancel
// out and the subscriber still converges on the latest state.
func (b *broadcaster) coalesce(queue []Event) ([]Event, bool) {
	b.metrics.coalesced.Add(2)
	return append(queue[:0], queue[2:]...), true
}

func (b *broadcaster) subscribe() *Subscriber {
	id := uuid.New()
	// One slot for the snapshot; live transitions wait in the queue.
	sq := runtime.NewSubQueue[Event](1, b.queueLimit, b.overflow)

	b.mu.Lock()
	snapshot := b.latest
	snapshot.At = b.clock.Now()
	sq.OutOfBandSnapshotSend(snapshot)
	if b.stopped {
		stopErr := b.stopErr
		sq.Finish()
		b.mu.Unlock()
		return &Subscriber{id: id, queue: sq, b: b, stopErr: stopErr}
	}
	b.subs[id] = sq
	b.metrics.subscribers.Set(float64(len(b.subs)))
	b.mu.Unlock()

	// Transition to live: flush queued live events, then unpause.
	sq.SetPaused(false)

	log.WithField("subscriber", id).Debug("Connectivity subscriber added")
	return &Subscriber{id: id, queue: sq, b: b}
}

func (b *broadcaster) unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sq, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sq.Close()
		b.metrics.subscribers.Set(float64(len(b.subs)))
		log.WithField("subscriber", id).Debug("Connectivity subscriber removed")
	}
}

// publish never blocks on a subscriber.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.latest = ev
	for id, sq := range b.subs {
		if sq.Enqueue(ev) {
			continue
		}
		delete(b.subs, id)
		if sq.Lagged() {
			b.metrics.lagged.Inc()
			log.WithField("subscriber", id).Warn("Dropping lagging connectivity subscriber")
		}
	}
	b.metrics.subscribers.Set(float64(len(b.subs)))
}

// refresh updates the per-family detail of the latest event without
// emitting anything. Subscribers only receive state flips; the detail
// reaches them through Current and later snapshots.
func (b *broadcaster) refresh(c Connectivity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.latest.Connectivity = c
}

// stop lets every subscriber drain what is queued and then end with err.
func (b *broadcaster) stop(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	b.stopErr = err
	for id, sq := range b.subs {
		sq.Finish()
		delete(b.subs, id)
	}
	b.metrics.subscribers.Set(0)
}

func (b *broadcaster) current() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

func (b *broadcaster) terminalError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopErr
}
