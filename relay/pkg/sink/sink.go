package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/malbeclabs/relay/relay/pkg/metrics"
	"github.com/malbeclabs/relay/relay/pkg/notify"
	"golang.org/x/time/rate"
)

// Deliverer sends one chat notification to an external destination.
// Deliver is called at most once per notification and is never retried.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, n notify.Notification) error
}

type Config struct {
	Logger  *slog.Logger
	Queue   *notify.Queue
	Console io.Writer

	// Deliverer is optional. Without one notifications are only echoed.
	Deliverer Deliverer

	// Limiter optionally paces deliveries. It delays, never drops.
	Limiter *rate.Limiter
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Queue == nil {
		return errors.New("queue is required")
	}
	if cfg.Console == nil {
		return errors.New("console writer is required")
	}
	return nil
}

// Sink consumes the notification queue until it sees the Disconnect
// sentinel.
type Sink struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sink{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// DelivererName reports the configured destination, or "console".
func (s *Sink) DelivererName() string {
	if s.cfg.Deliverer == nil {
		return "console"
	}
	return s.cfg.Deliverer.Name()
}

// Run returns nil once the sentinel has been consumed, or ctx's error if
// ctx ends first. Delivery outcomes never stop the loop.
func (s *Sink) Run(ctx context.Context) error {
	s.log.Info("sink: started", "deliverer", s.DelivererName())
	handled := 0
	for {
		n, err := s.cfg.Queue.Pop(ctx)
		if err != nil {
			return err
		}
		metrics.QueueDepth.Set(float64(s.cfg.Queue.Len()))

		if n.IsDisconnect() {
			metrics.NotificationsTotal.WithLabelValues(notify.KindDisconnect.String()).Inc()
			s.log.Info("sink: disconnect received, stopping", "handled", handled)
			return nil
		}
		s.handle(ctx, n)
		handled++
	}
}

func (s *Sink) handle(ctx context.Context, n notify.Notification) {
	if _, err := fmt.Fprintln(s.cfg.Console, n.String()); err != nil {
		s.log.Error("sink: failed to write console echo", "error", err)
	}

	d := s.cfg.Deliverer
	if d == nil {
		return
	}

	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(ctx); err != nil {
			metrics.DeliveriesTotal.WithLabelValues(d.Name(), "skipped").Inc()
			s.log.Warn("sink: delivery skipped", "deliverer", d.Name(), "username", n.Username(), "error", err)
			return
		}
	}

	start := time.Now()
	err := d.Deliver(ctx, n)
	metrics.DeliveryDuration.WithLabelValues(d.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues(d.Name(), "error").Inc()
		s.log.Warn("sink: failed to send message", "deliverer", d.Name(), "username", n.Username(), "error", err)
		return
	}
	metrics.DeliveriesTotal.WithLabelValues(d.Name(), "ok").Inc()
	s.log.Debug("sink: delivered", "deliverer", d.Name(), "username", n.Username())
}
