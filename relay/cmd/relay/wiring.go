package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/relay/relay/pkg/config"
	"github.com/malbeclabs/relay/relay/pkg/feed"
	"github.com/malbeclabs/relay/relay/pkg/feed/redisfeed"
	"github.com/malbeclabs/relay/relay/pkg/feed/replay"
	"github.com/malbeclabs/relay/relay/pkg/feed/spacetime"
	"github.com/malbeclabs/relay/relay/pkg/pipeline"
	"github.com/malbeclabs/relay/relay/pkg/sink"
)

func newSource(cfg *config.Config, log *slog.Logger, clock clockwork.Clock) (feed.Source, error) {
	switch cfg.SourceKind() {
	case config.SourceRedis:
		return redisfeed.New(redisfeed.Config{
			Logger:  log,
			Clock:   clock,
			URL:     cfg.Source,
			Channel: cfg.RedisChannel,
		})
	case config.SourceReplay:
		return replay.New(replay.Config{
			Logger:   log,
			Clock:    clock,
			Path:     cfg.Source,
			Interval: cfg.ReplayInterval,
		})
	default:
		return spacetime.New(spacetime.Config{
			Logger:     log,
			Clock:      clock,
			ClusterURL: cfg.ClusterURL,
			Module:     cfg.Region,
			Token:      cfg.Token,
		})
	}
}

// newDeliverer returns nil when only the console echo is configured.
func newDeliverer(cfg *config.Config) (sink.Deliverer, error) {
	switch cfg.SinkKind() {
	case config.SinkWebhook:
		return sink.NewWebhookDeliverer(cfg.WebhookURL, nil), nil
	case config.SinkSlack:
		return sink.NewSlackDeliverer(cfg.SlackBotToken, cfg.SlackChannel), nil
	case config.SinkDiscord:
		return sink.NewDiscordDeliverer(cfg.DiscordBotToken, cfg.DiscordChannel)
	default:
		return nil, nil
	}
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func readiness(connected *atomic.Bool, coord *pipeline.Coordinator) func() error {
	return func() error {
		if !connected.Load() {
			return errors.New("change source not connected")
		}
		if state := coord.State(); state != pipeline.StateRunning {
			return fmt.Errorf("pipeline %s", state)
		}
		return nil
	}
}

// consoleSource prints the operator disconnect line when the wrapped source
// stops.
type consoleSource struct {
	feed.Source
	out       io.Writer
	connected *atomic.Bool
}

func (s *consoleSource) Run(ctx context.Context, emit func(feed.UpdateBatch)) error {
	err := s.Source.Run(ctx, emit)
	s.connected.Store(false)
	fmt.Fprintln(s.out, "disconnected!")
	return err
}
