package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"delayq/internal/config"
	"delayq/internal/driver"
	"delayq/internal/eventbus"
	"delayq/internal/history"
	"delayq/internal/sched"
	"delayq/internal/telemetry"
	logx "delayq/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config file (yaml or json); empty uses built-in defaults")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg := config.Default()
	var mgr *config.Manager
	if cfgPath != "" {
		mgr = config.NewManager(cfgPath)
		c, err := mgr.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	defer logSvc.Close()

	// Hot-reload: only logging settings are applied live; a run in flight
	// keeps its driver parameters.
	if mgr != nil {
		mgr.SetLogger(log.With(logx.String("comp", "config")))
		sub := mgr.Subscribe(1)
		go func() {
			for c := range sub {
				logSvc.Apply(loggingConfig(c))
			}
		}()
		go func() { _ = mgr.Watch(ctx) }()
		defer mgr.Unsubscribe(sub)
	}

	reg := telemetry.NewRegistry()
	metrics := sched.NewMetrics(reg)
	tsrv := telemetry.New(telemetry.Config{
		Enabled: cfg.Telemetry.Enabled,
		Listen:  cfg.Telemetry.Listen,
		Pprof:   cfg.Telemetry.Pprof,
	}, reg, log)
	tsrv.Start()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = tsrv.Shutdown(sctx)
	}()

	busyTimeout, err := config.ParseDurationOrDefault("history.busy_timeout", cfg.History.BusyTimeout, 2*time.Second)
	if err != nil {
		return err
	}
	store, err := history.Open(history.Config{
		Enabled:     cfg.History.Enabled,
		Path:        cfg.History.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	bus := eventbus.New()
	evCh, unsub := bus.Subscribe(64, sched.TopicFailed, sched.TopicDrained)
	defer unsub()
	go func() {
		for e := range evCh {
			switch e.Topic {
			case sched.TopicFailed:
				if rec, ok := e.Data.(sched.Record); ok {
					log.Warn("job failed", logx.String("job", rec.ID), logx.String("err", rec.Err))
				}
			case sched.TopicDrained:
				log.Debug("scheduler drained")
			}
		}
	}()

	dcfg, err := driverConfig(cfg.Driver)
	if err != nil {
		return err
	}
	drv := driver.New(dcfg, log, bus, store, metrics)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	rep, err := drv.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		return err
	}
	if !rep.OK() {
		for _, v := range rep.Violations {
			fmt.Fprintln(os.Stderr, "violation:", v)
		}
		return fmt.Errorf("run %s failed verification (%d violations)", rep.RunID, len(rep.Violations))
	}
	return nil
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func driverConfig(d config.DriverConfig) (driver.Config, error) {
	delayStep, err := config.ParseDurationField("driver.delay_step", d.DelayStep)
	if err != nil {
		return driver.Config{}, err
	}
	epsilon, err := config.ParseDurationField("driver.epsilon", d.Epsilon)
	if err != nil {
		return driver.Config{}, err
	}
	advanceStep, err := config.ParseDurationField("driver.advance_step", d.AdvanceStep)
	if err != nil {
		return driver.Config{}, err
	}
	return driver.Config{
		Jobs:         d.Jobs,
		DelayStep:    delayStep,
		DelaySteps:   d.DelaySteps,
		CancelRatio:  d.CancelRatio,
		SubmitRate:   d.SubmitRate,
		Epsilon:      epsilon,
		VirtualClock: d.VirtualClock,
		AdvanceStep:  advanceStep,
		Seed:         d.Seed,
	}, nil
}
