package connectivity

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dmdmdm-nz/connwatch/internal/runtime"
)

// Subscriber is one caller's view of the engine: the state at subscribe
// time followed by every later transition. It ends when the engine stops,
// when it falls behind under LagDrop, or when it is closed.
type Subscriber struct {
	id      uuid.UUID
	queue   *runtime.SubQueue[Event]
	b       *broadcaster
	closed  atomic.Bool
	stopErr error // set when subscribed after the engine stopped
}

func (s *Subscriber) ID() string { return s.id.String() }

// C exposes the delivery channel for select loops. It is closed when the
// subscription ends; Err then tells why.
func (s *Subscriber) C() <-chan Event { return s.queue.Chan() }

// Next blocks until the next event, the end of the subscription or the
// cancellation of ctx.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.queue.Chan():
		if !ok {
			return Event{}, s.Err()
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Err returns nil while the subscription is live.
func (s *Subscriber) Err() error {
	switch {
	case s.closed.Load():
		return ErrUnsubscribed
	case s.queue.Lagged():
		return ErrSubscriberLagged
	case s.stopErr != nil:
		return s.stopErr
	default:
		return s.b.terminalError()
	}
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscriber) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.b.unsubscribe(s.id)
		s.queue.Close()
	}
	return nil
}
