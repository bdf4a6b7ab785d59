package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/connwatch/internal/api"
	"github.com/dmdmdm-nz/connwatch/internal/runtime"
	"github.com/dmdmdm-nz/connwatch/pkg/cli"
	"github.com/dmdmdm-nz/connwatch/pkg/connectivity"
)

func main() {
	// Parse command line flags
	cfg := cli.ParseFlags()

	// Configure logging
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})

	log.Infof("Config: Host=%s", cfg.Host)
	log.Infof("Config: Port=%d", cfg.Port)
	log.Infof("Config: LogLevel=%s", cfg.LogLevel)
	log.Infof("Config: RequireDefaultRoute=%v", cfg.RequireDefaultRoute)
	log.Infof("Config: LagPolicy=%s", cfg.LagPolicy)
	log.Infof("Config: QueueLimit=%d", cfg.QueueLimit)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engineCfg := cfg.EngineConfig()
	engineCfg.Registerer = reg
	engine, err := connectivity.New(engineCfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to start connectivity engine")
	}

	// Subscribe BEFORE starting the engine so the first transition is seen.
	sub := engine.Subscribe()
	apiSvc := api.NewService(cfg.Host, cfg.Port, api.FromEngine(engine), reg)

	// Start in dependency order: engine → reporter → api
	super := runtime.NewSupervisor()
	super.Add("engine", engine.Run, engine.Close)
	super.Add("reporter", func(ctx context.Context) error { return report(ctx, sub) }, sub.Close)
	super.Add("api", apiSvc.Start, apiSvc.Close)

	if err := super.Start(ctx); err != nil {
		log.WithError(err).Error("Supervisor start failed")
		os.Exit(1)
	}
	if err := super.Wait(ctx); err != nil {
		log.WithError(err).Error("Supervisor wait failed")
		os.Exit(1)
	}
}

// report logs every connectivity event until the subscription ends.
func report(ctx context.Context, sub *connectivity.Subscriber) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.WithFields(log.Fields{
			"connectivity": ev.Connectivity,
			"seq":          ev.Seq,
		}).Infof("Network is %s", ev.State)
	}
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
