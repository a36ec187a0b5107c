package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/relay/relay/pkg/config"
	"github.com/malbeclabs/relay/relay/pkg/feed"
	"github.com/malbeclabs/relay/relay/pkg/materializer"
	"github.com/malbeclabs/relay/relay/pkg/metrics"
	"github.com/malbeclabs/relay/relay/pkg/notify"
	"github.com/malbeclabs/relay/relay/pkg/pipeline"
	"github.com/malbeclabs/relay/relay/pkg/server"
	"github.com/malbeclabs/relay/relay/pkg/sink"
	"github.com/malbeclabs/relay/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const sentryFlushTimeout = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.LoadOptions{Args: os.Args[1:]})
	switch {
	case errors.Is(err, flag.ErrHelp):
		return nil
	case errors.Is(err, config.ErrTemplateWritten):
		fmt.Fprintln(os.Stderr, "please fill out the configuration file (config.json)!")
		return nil
	case err != nil:
		return err
	}
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrIncomplete) {
			fmt.Fprintln(os.Stderr, "please fill out the configuration file (config.json)!")
			return nil
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: version,
		}); err != nil {
			log.Warn("relay: sentry init failed", "error", err)
		} else {
			defer sentry.Flush(sentryFlushTimeout)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()

	queue, err := notify.NewQueue(notify.QueueConfig{
		Capacity: cfg.QueueCapacity,
		Overflow: notify.Overflow(cfg.QueueOverflow),
		OnDrop: func(n notify.Notification) {
			metrics.QueueDroppedTotal.WithLabelValues("overflow").Inc()
			log.Warn("relay: queue full, notification dropped", "username", n.Username())
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}

	src, err := newSource(cfg, log, clock)
	if err != nil {
		return fmt.Errorf("failed to create change source: %w", err)
	}
	var connected atomic.Bool
	if cn, ok := src.(feed.ConnectNotifier); ok {
		cn.OnConnect(func() {
			connected.Store(true)
			fmt.Fprintln(os.Stdout, "connected!")
		})
	} else {
		connected.Store(true)
	}
	src = &consoleSource{Source: src, out: os.Stdout, connected: &connected}

	mat, err := materializer.New(materializer.Config{
		Logger:         log,
		Policy:         materializer.ResolutionPolicy(cfg.ResolutionPolicy),
		TimestampStyle: cfg.TimestampStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to create materializer: %w", err)
	}

	deliverer, err := newDeliverer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create deliverer: %w", err)
	}
	snk, err := sink.New(sink.Config{
		Logger:    log,
		Queue:     queue,
		Console:   os.Stdout,
		Deliverer: deliverer,
		Limiter:   newLimiter(cfg.RateLimit),
	})
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{
		Logger:          log,
		Clock:           clock,
		Source:          src,
		Materializer:    mat,
		Queue:           queue,
		Sink:            snk,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	if cfg.ListenAddr != "" {
		srv, err := server.New(server.Config{
			Logger:      log,
			ListenAddr:  cfg.ListenAddr,
			VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
			Ready:       readiness(&connected, p.Coordinator()),
		})
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error("relay: ops server stopped", "error", err)
			}
		}()
	}

	log.Info("relay: starting",
		"version", version,
		"source", cfg.SourceKind(),
		"sink", snk.DelivererName(),
		"resolution_policy", cfg.ResolutionPolicy,
		"queue_capacity", cfg.QueueCapacity,
	)

	if err := p.Run(ctx); err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
		}
		return fmt.Errorf("db error: %w", err)
	}
	log.Info("relay: stopped", "reason", p.Coordinator().Reason())
	return nil
}
