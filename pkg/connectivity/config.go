package connectivity

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// LagPolicy decides what happens to a subscriber whose queue is full.
type LagPolicy string

const (
	// LagCoalesce discards the oldest pending flap and its reversal. The
	// subscriber still ends on the current state but loses flap history.
	LagCoalesce LagPolicy = "coalesce"

	// LagDrop removes the subscriber; its stream ends with
	// ErrSubscriberLagged.
	LagDrop LagPolicy = "drop"
)

func ParseLagPolicy(s string) (LagPolicy, error) {
	switch p := LagPolicy(s); p {
	case LagCoalesce, LagDrop:
		return p, nil
	default:
		return "", fmt.Errorf("unknown lag policy %q (want %q or %q)", s, LagCoalesce, LagDrop)
	}
}

const defaultQueueLimit = 16

// Config configures an Engine. The zero value is usable after Validate.
type Config struct {
	// QueueLimit bounds the transitions pending per subscriber.
	// Default: 16
	QueueLimit int

	// LagPolicy applies uniformly to every subscriber of the engine.
	// Default: LagCoalesce
	LagPolicy LagPolicy

	// RequireDefaultRoute counts an address family as available only on
	// interfaces that also carry a default route of that family.
	// Default: false
	RequireDefaultRoute bool

	// ReceiveBufferSize sets the netlink socket buffer on Linux.
	// Default: 0 (kernel default)
	ReceiveBufferSize int

	// Registerer receives the engine's metrics when set.
	Registerer prometheus.Registerer

	// Clock stamps events. Default: wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		QueueLimit: defaultQueueLimit,
		LagPolicy:  LagCoalesce,
		Clock:      clock.New(),
	}
}

// Validate fills in defaults and rejects invalid settings.
func (c *Config) Validate() error {
	if c.QueueLimit < 0 {
		return fmt.Errorf("queue limit must not be negative, got %d", c.QueueLimit)
	}
	if c.QueueLimit == 0 {
		c.QueueLimit = defaultQueueLimit
	}
	if c.LagPolicy == "" {
		c.LagPolicy = LagCoalesce
	}
	if _, err := ParseLagPolicy(string(c.LagPolicy)); err != nil {
		return err
	}
	if c.ReceiveBufferSize < 0 {
		return fmt.Errorf("receive buffer size must not be negative, got %d", c.ReceiveBufferSize)
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return nil
}
