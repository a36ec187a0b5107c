package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/relay/relay/pkg/feed"
	"github.com/malbeclabs/relay/relay/pkg/metrics"
)

const (
	maxLineBytes      = 4 << 20
	metricsSourceName = "replay"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Path is a JSON-lines capture, one envelope per line.
	Path string
	// Interval paces emission. Zero replays as fast as the pipeline reads.
	Interval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	if cfg.Interval < 0 {
		return errors.New("interval must be non-negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Source replays a capture file. Reaching the end of the file is a
// voluntary disconnect.
type Source struct {
	log *slog.Logger
	cfg Config

	mu        sync.Mutex
	onConnect []func()
}

func New(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Source{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Source) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

func (s *Source) Run(ctx context.Context, emit func(feed.UpdateBatch)) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	metrics.SourceConnected.Set(1)
	defer metrics.SourceConnected.Set(0)
	s.log.Info("replay: started", "path", s.cfg.Path, "interval", s.cfg.Interval)
	s.mu.Lock()
	fns := append([]func(){}, s.onConnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}

	return s.replay(ctx, f, emit)
}

func (s *Source) replay(ctx context.Context, r io.Reader, emit func(feed.UpdateBatch)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var (
		line uint64
		tick uint64
	)
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		batch, err := feed.DecodeEnvelope(data)
		if err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues(metricsSourceName).Inc()
			s.log.Warn("replay: bad line", "line", line, "error", err)
		}
		if batch.Empty() {
			continue
		}

		if tick > 0 && s.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-s.cfg.Clock.After(s.cfg.Interval):
			}
		}
		tick++
		batch.Tick = tick
		batch.Received = s.cfg.Clock.Now()
		emit(batch)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read replay file at line %d: %w", line+1, err)
	}
	s.log.Info("replay: end of file", "batches", tick)
	return nil
}
