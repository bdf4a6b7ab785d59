package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/dmdmdm-nz/connwatch/internal/netmon"
)

// Engine turns platform network change notifications into a stream of
// connectivity transitions.
type Engine struct {
	cfg     Config
	handle  netmon.Handle
	metrics *metrics

	// owned by the Run goroutine
	norm    *normalizer
	reducer reducer

	b *broadcaster

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
}

// New validates cfg and registers with the platform notification facility.
// It fails with an error wrapping ErrSourceUnavailable when registration is
// refused.
func New(cfg Config) (*Engine, error) {
	return newEngine(cfg, netmon.NewSource(netmon.Config{ReceiveBufferSize: cfg.ReceiveBufferSize}))
}

func newEngine(cfg Config, source netmon.Source) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	handle, err := source.Open()
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	initial := Event{State: Unavailable, Connectivity: None, At: cfg.Clock.Now()}
	e := &Engine{
		cfg:     cfg,
		handle:  handle,
		metrics: m,
		norm:    newNormalizer(cfg.Clock, cfg.RequireDefaultRoute),
		b:       newBroadcaster(initial, cfg.Clock, cfg.QueueLimit, cfg.LagPolicy, m),
	}
	m.state.Set(0)

	log.WithFields(log.Fields{
		"queue_limit":           cfg.QueueLimit,
		"lag_policy":            cfg.LagPolicy,
		"require_default_route": cfg.RequireDefaultRoute,
	}).Debug("Connectivity engine created")
	return e, nil
}

// Run reads the current state and then follows platform notifications
// until ctx is cancelled, Close is called or the source is lost. It
// returns nil in the first two cases. All subscriptions end when Run
// returns. Run can only be called once.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.running {
		e.mu.Unlock()
		return errors.New("connectivity engine already running")
	}
	e.running = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	log.Info("Connectivity engine started")
	err := e.watch(ctx)

	stopErr := ErrEngineStopped
	if err != nil {
		stopErr = fmt.Errorf("%w: %w", ErrEngineStopped, err)
		log.WithError(err).Error("Connectivity source failed")
	}
	e.b.stop(stopErr)

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	log.Info("Connectivity engine stopped")
	return multierr.Append(err, e.handle.Close())
}

func (e *Engine) watch(ctx context.Context) error {
	events, err := e.handle.Dump()
	if err != nil {
		return fmt.Errorf("%w: initial dump: %v", ErrSourceLost, err)
	}
	e.process(e.norm.reset(events))

	return e.handle.Watch(ctx, e.handleRaw)
}

func (e *Engine) handleRaw(ev netmon.RawEvent) {
	e.metrics.rawEvents.WithLabelValues(string(ev.Kind)).Inc()
	log.WithField("event", ev).Trace("Raw network event")

	sig, ok := e.norm.apply(ev)
	if !ok {
		return
	}
	if sig.direction == recheck {
		events, err := e.handle.Dump()
		if err != nil {
			log.WithError(err).Warn("Failed to re-read network state, keeping current state")
			return
		}
		sig = e.norm.reset(events)
	}
	e.process(sig)
}

func (e *Engine) process(sig signal) {
	ev, ok := e.reducer.apply(sig)
	if !ok {
		e.metrics.debounced.Inc()
		// The address families in use can change without a flip.
		e.b.refresh(sig.connectivity)
		return
	}
	log.WithFields(log.Fields{
		"state":        ev.State,
		"connectivity": ev.Connectivity,
		"seq":          ev.Seq,
	}).Debug("Connectivity changed")
	e.metrics.observeTransition(ev)
	e.b.publish(ev)
}

// Close stops the engine and releases the platform registration. Safe to
// call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.b.stop(ErrEngineStopped)
	return e.handle.Close()
}

// Current returns the most recently published event.
func (e *Engine) Current() Event {
	return e.b.current()
}

// Subscribe returns a subscription whose first event is the current state.
// Subscribing to a stopped engine yields the last state followed by the
// terminal error.
func (e *Engine) Subscribe() *Subscriber {
	return e.b.subscribe()
}

// Unsubscribe is equivalent to s.Close().
func (e *Engine) Unsubscribe(s *Subscriber) {
	s.Close()
}
