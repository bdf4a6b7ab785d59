package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dmdmdm-nz/connwatch/pkg/connectivity"
	"github.com/dmdmdm-nz/connwatch/pkg/version"
)

// Config holds the application configuration from CLI flags
type Config struct {
	Port                int
	Host                string
	LogLevel            string
	RequireDefaultRoute bool
	LagPolicy           connectivity.LagPolicy
	QueueLimit          int
	ShowVersion         bool
}

// ParseFlags parses command line arguments and returns a Config
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("connwatchd version %s (commit: %s, built at: %s)\n",
			version.Version,
			version.CommitHash,
			version.BuildTime)
		os.Exit(0)
	}

	return cfg
}

// Parse parses args without touching the process-wide flag set.
func Parse(args []string, output io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("connwatchd", flag.ContinueOnError)
	fs.SetOutput(output)

	var lagPolicy string
	fs.IntVar(&cfg.Port, "port", 60106, "Port to listen on")
	fs.StringVar(&cfg.Host, "host", "127.0.0.1", "Host to bind to")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.BoolVar(&cfg.RequireDefaultRoute, "require-default-route", false, "Only count interfaces that also carry a default route")
	fs.StringVar(&lagPolicy, "lag-policy", string(connectivity.LagCoalesce), "What to do with slow subscribers (coalesce, drop)")
	fs.IntVar(&cfg.QueueLimit, "queue-limit", 16, "Pending transitions allowed per subscriber")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	policy, err := connectivity.ParseLagPolicy(lagPolicy)
	if err != nil {
		fmt.Fprintln(output, err)
		return nil, err
	}
	cfg.LagPolicy = policy

	if cfg.QueueLimit < 1 {
		err := fmt.Errorf("queue limit must be at least 1, got %d", cfg.QueueLimit)
		fmt.Fprintln(output, err)
		return nil, err
	}

	return cfg, nil
}

// EngineConfig converts the flags into an engine configuration.
func (c *Config) EngineConfig() connectivity.Config {
	cfg := connectivity.DefaultConfig()
	cfg.QueueLimit = c.QueueLimit
	cfg.LagPolicy = c.LagPolicy
	cfg.RequireDefaultRoute = c.RequireDefaultRoute
	return cfg
}

// String returns a string representation of the Config
func (c *Config) String() string {
	return fmt.Sprintf("Host: %s, Port: %d, LogLevel: %s, RequireDefaultRoute: %t, LagPolicy: %s, QueueLimit: %d",
		c.Host, c.Port, c.LogLevel, c.RequireDefaultRoute, c.LagPolicy, c.QueueLimit)
}
