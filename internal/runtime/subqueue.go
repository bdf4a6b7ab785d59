package runtime

import (
	"sync"
)

// OverflowFunc trims a queue that grew past its limit. Returning false
// drops the subscriber instead.
type OverflowFunc[T any] func(queue []T) ([]T, bool)

type SubQueue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []T
	limit    int
	overflow OverflowFunc[T]
	closed   bool
	draining bool // deliver what is queued, then close
	lagged   bool

	outCh  chan T // consumer reads from this
	done   chan struct{}
	paused bool // gate dispatch until snapshot sent
}

// NewSubQueue creates a paused queue holding at most limit pending events,
// which must be at least 1. With a nil overflow function the subscriber is
// dropped as soon as it falls behind.
func NewSubQueue[T any](outBuf, limit int, overflow OverflowFunc[T]) *SubQueue[T] {
	sq := &SubQueue[T]{
		limit:    limit,
		overflow: overflow,
		outCh:    make(chan T, outBuf),
		done:     make(chan struct{}),
		paused:   true,
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.dispatch()
	return sq
}

// Channel exposed to subscriber.
func (sq *SubQueue[T]) Chan() <-chan T { return sq.outCh }

// Enqueue appends to the in-memory queue and wakes the dispatcher. It never
// blocks on the consumer. Returns false once the queue no longer accepts
// events, either because it was closed or because it overflowed.
func (sq *SubQueue[T]) Enqueue(ev T) bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed || sq.draining {
		return false
	}
	sq.queue = append(sq.queue, ev)
	if len(sq.queue) > sq.limit {
		ok := false
		if sq.overflow != nil {
			sq.queue, ok = sq.overflow(sq.queue)
		}
		if !ok {
			sq.lagged = true
			sq.closeLocked()
			return false
		}
	}
	sq.cond.Signal()
	return true
}

// Pause/Resume gates dispatching (used to hold back live events during snapshot).
func (sq *SubQueue[T]) SetPaused(v bool) {
	sq.mu.Lock()
	sq.paused = v
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// Lagged reports whether the queue was dropped because it overflowed.
func (sq *SubQueue[T]) Lagged() bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.lagged
}

// Finish stops accepting events; the dispatcher delivers everything still
// queued and then closes the out channel. Close still aborts delivery.
func (sq *SubQueue[T]) Finish() {
	sq.mu.Lock()
	sq.draining = true
	sq.paused = false
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// Close stops the dispatcher, discards anything queued and closes the
// out channel.
func (sq *SubQueue[T]) Close() {
	sq.mu.Lock()
	sq.closeLocked()
	sq.mu.Unlock()
}

func (sq *SubQueue[T]) closeLocked() {
	if sq.closed {
		return
	}
	sq.closed = true
	sq.queue = nil
	close(sq.done)
	sq.cond.Broadcast()
}

func (sq *SubQueue[T]) dispatch() {
	defer close(sq.outCh)
	for {
		sq.mu.Lock()
		for !sq.closed && (sq.paused || len(sq.queue) == 0) {
			if sq.draining && !sq.paused {
				break
			}
			sq.cond.Wait()
		}
		if sq.closed || len(sq.queue) == 0 {
			sq.mu.Unlock()
			return
		}
		ev := sq.queue[0]
		// pop
		copy(sq.queue, sq.queue[1:])
		sq.queue = sq.queue[:len(sq.queue)-1]
		sq.mu.Unlock()

		// Blocks only on the channel buffer / reader, or until Close.
		select {
		case sq.outCh <- ev:
		case <-sq.done:
			return
		}
	}
}
