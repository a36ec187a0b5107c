package redisfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/malbeclabs/relay/relay/pkg/feed"
	"github.com/malbeclabs/relay/relay/pkg/metrics"
)

const (
	DefaultChannel     = "relay:updates"
	defaultDialTimeout = 5 * time.Second
	metricsSourceName  = "redis"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// URL is a redis:// or rediss:// connection string.
	URL     string
	Channel string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("redis url is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Source receives update envelopes published on a redis pub/sub channel.
type Source struct {
	log *slog.Logger
	cfg Config
	rdb *goredis.Client

	mu        sync.Mutex
	onConnect []func()

	tick uint64
}

func New(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &Source{
		log: cfg.Logger,
		cfg: cfg,
		rdb: goredis.NewClient(opts),
	}, nil
}

func (s *Source) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// Run subscribes and emits one batch per message until the subscription
// closes or ctx is done.
func (s *Source) Run(ctx context.Context, emit func(feed.UpdateBatch)) error {
	defer s.rdb.Close()

	sub := s.rdb.Subscribe(ctx, s.cfg.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}

	metrics.SourceConnected.Set(1)
	defer metrics.SourceConnected.Set(0)
	s.log.Info("redisfeed: subscribed", "channel", s.cfg.Channel)
	s.notifyConnected()

	s.consume(ctx, sub.Channel(), emit)
	return nil
}

func (s *Source) notifyConnected() {
	s.mu.Lock()
	fns := append([]func(){}, s.onConnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Source) consume(ctx context.Context, ch <-chan *goredis.Message, emit func(feed.UpdateBatch)) {
	for {
		select {
		case <-ctx.Done():
			s.log.Info("redisfeed: stopping on shutdown")
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				s.log.Info("redisfeed: subscription closed")
				return
			}
			s.handle(m.Payload, emit)
		}
	}
}

func (s *Source) handle(payload string, emit func(feed.UpdateBatch)) {
	batch, err := feed.DecodeEnvelope([]byte(payload))
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(metricsSourceName).Inc()
		s.log.Warn("redisfeed: bad payload", "error", err)
	}
	if batch.Empty() {
		return
	}
	s.tick++
	batch.Tick = s.tick
	batch.Received = s.cfg.Clock.Now()
	emit(batch)
}
