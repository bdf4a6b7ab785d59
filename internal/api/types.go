package api

import (
	"context"

	"github.com/dmdmdm-nz/connwatch/pkg/connectivity"
)

// Subscription is a single stream of connectivity events.
type Subscription interface {
	Next(ctx context.Context) (connectivity.Event, error)
	Close() error
}

// Monitor is the part of the connectivity engine the API needs.
type Monitor interface {
	Current() connectivity.Event
	Subscribe() Subscription
}

type engineMonitor struct {
	e *connectivity.Engine
}

// FromEngine adapts an engine to Monitor.
func FromEngine(e *connectivity.Engine) Monitor {
	return engineMonitor{e: e}
}

func (m engineMonitor) Current() connectivity.Event { return m.e.Current() }
func (m engineMonitor) Subscribe() Subscription     { return m.e.Subscribe() }
