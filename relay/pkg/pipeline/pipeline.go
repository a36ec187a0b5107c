package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/relay/relay/pkg/feed"
	"github.com/malbeclabs/relay/relay/pkg/metrics"
	"github.com/malbeclabs/relay/relay/pkg/notify"
)

const batchBuffer = 64

// ErrDrainTimeout is returned when the drain after cancellation outlives
// Config.ShutdownTimeout.
var ErrDrainTimeout = errors.New("drain did not finish before shutdown timeout")

type Materializer interface {
	Apply(feed.UpdateBatch) []notify.Notification
}

type Sink interface {
	Run(ctx context.Context) error
}

type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Source       feed.Source
	Materializer Materializer
	Queue        *notify.Queue
	Sink         Sink

	// ShutdownTimeout bounds the drain once ctx is cancelled. Zero waits
	// for the sink to finish.
	ShutdownTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Materializer == nil {
		return errors.New("materializer is required")
	}
	if cfg.Queue == nil {
		return errors.New("queue is required")
	}
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}
	if cfg.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pipeline runs ingestion, materialization and delivery as three tasks.
type Pipeline struct {
	log   *slog.Logger
	cfg   Config
	coord *Coordinator
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log:   cfg.Logger,
		cfg:   cfg,
		coord: NewCoordinator(cfg.Logger, cfg.Queue),
	}, nil
}

func (p *Pipeline) Coordinator() *Coordinator {
	return p.coord
}

// Run blocks until the sink has consumed the sentinel. It returns nil after
// cancellation of ctx or a voluntary disconnect, the change source fault
// otherwise, or ErrDrainTimeout.
func (p *Pipeline) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.coord.BeginDrain(ReasonCancelled)
	})
	defer stop()

	batches := make(chan feed.UpdateBatch, batchBuffer)
	var sourceErr error

	var g errgroup.Group
	g.Go(func() error {
		defer close(batches)
		err := p.cfg.Source.Run(ctx, func(b feed.UpdateBatch) {
			batches <- b
		})
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			err = nil
		}
		reason := ReasonDisconnected
		if ctx.Err() != nil {
			reason = ReasonCancelled
		}
		p.coord.BeginDrain(reason)
		if err != nil {
			p.log.Error("pipeline: change source failed", "error", err)
		} else {
			p.log.Info("pipeline: change source disconnected", "reason", p.coord.Reason())
		}
		sourceErr = err
		return nil
	})
	g.Go(func() error {
		for b := range batches {
			p.apply(b)
		}
		p.coord.InjectSentinel()
		return nil
	})
	g.Go(func() error {
		// The sink stops on the sentinel, not on ctx.
		if err := p.cfg.Sink.Run(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	if err := p.wait(ctx, done); err != nil {
		return err
	}
	p.coord.Terminate()
	return sourceErr
}

func (p *Pipeline) wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	if p.cfg.ShutdownTimeout == 0 {
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-p.cfg.Clock.After(p.cfg.ShutdownTimeout):
		p.log.Error("pipeline: shutdown timeout exceeded", "timeout", p.cfg.ShutdownTimeout, "pending", p.cfg.Queue.Len())
		return ErrDrainTimeout
	}
}

func (p *Pipeline) apply(b feed.UpdateBatch) {
	for _, n := range p.safeApply(b) {
		if err := p.cfg.Queue.Push(n); err != nil {
			if errors.Is(err, notify.ErrSealed) {
				metrics.QueueDroppedTotal.WithLabelValues("sealed").Inc()
			}
			p.log.Warn("pipeline: notification not queued", "tick", b.Tick, "error", err)
		}
	}
	metrics.QueueDepth.Set(float64(p.cfg.Queue.Len()))
}

// safeApply drops the whole tick if the materializer panics.
func (p *Pipeline) safeApply(b feed.UpdateBatch) (out []notify.Notification) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MaterializePanicsTotal.Inc()
			p.log.Error("pipeline: materializer panicked, dropping tick",
				"tick", b.Tick, "panic", r, "stack", string(debug.Stack()))
			out = nil
		}
	}()
	return p.cfg.Materializer.Apply(b)
}
