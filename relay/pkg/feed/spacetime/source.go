package spacetime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/relay/relay/pkg/feed"
	"github.com/malbeclabs/relay/relay/pkg/metrics"
	"github.com/malbeclabs/relay/utils/pkg/retry"
)

const (
	defaultPingInterval     = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = time.Second
	metricsSourceName       = "spacetime"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// ClusterURL is the backend host, e.g. https://game.example.com. http and
	// https are mapped to ws and wss.
	ClusterURL string
	// Module is the database to subscribe to (the region name).
	Module string
	Token  string

	PingInterval time.Duration
	Retry        retry.Config

	// Dialer is optional; a default dialer with the JSON subprotocol is used.
	Dialer *websocket.Dialer
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClusterURL == "" {
		return errors.New("cluster url is required")
	}
	if cfg.Module == "" {
		return errors.New("module is required")
	}
	if cfg.Token == "" {
		return errors.New("token is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Retry.MaxAttempts == 0 {
		clock := cfg.Retry.Clock
		cfg.Retry = retry.DefaultConfig()
		cfg.Retry.Clock = clock
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	return nil
}

// Source streams inserts from a backend subscription over a websocket.
type Source struct {
	log *slog.Logger
	cfg Config

	mu        sync.Mutex
	onConnect []func()

	tick uint64
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

// OnConnect registers fn to be called once the subscription request has
// been sent.
func (s *Source) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// Run dials, subscribes, and emits one batch per committed transaction until
// the server closes the connection, a fault occurs, or ctx is done.
func (s *Source) Run(ctx context.Context, emit func(feed.UpdateBatch)) error {
	start := s.cfg.Clock.Now()

	conn, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()

	if err := s.subscribe(conn, start); err != nil {
		return err
	}

	metrics.SourceConnected.Set(1)
	defer metrics.SourceConnected.Set(0)
	s.log.Info("spacetime: connected", "module", s.cfg.Module)
	s.notifyConnected()

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("spacetime: connection closed on shutdown")
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("spacetime: server closed connection", "reason", err)
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if err := s.handle(data, emit); err != nil {
			return err
		}
	}
}

func (s *Source) notifyConnected() {
	s.mu.Lock()
	fns := append([]func(){}, s.onConnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// keepalive pings on a ticker and closes the connection when ctx is done so
// the blocked read returns.
func (s *Source) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			deadline := time.Now().Add(closeWriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
			return
		case <-ticker.Chan():
			deadline := time.Now().Add(closeWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Warn("spacetime: ping failed", "error", err)
			}
		}
	}
}

// HandshakeError carries the HTTP status of a rejected websocket upgrade.
type HandshakeError struct {
	Code int
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed (status %d): %v", e.Code, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) StatusCode() int {
	return e.Code
}

func (s *Source) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := SubscribeURL(s.cfg.ClusterURL, s.cfg.Module, connectionID())
	if err != nil {
		return nil, err
	}

	dialer := *s.cfg.Dialer
	dialer.Subprotocols = []string{subprotocol}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	retryCfg := s.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error) {
		s.log.Warn("spacetime: dial failed, retrying", "attempt", attempt, "error", err)
	}

	var conn *websocket.Conn
	err = retry.Do(ctx, retryCfg, func() error {
		c, resp, err := dialer.DialContext(ctx, endpoint, header)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return &HandshakeError{Code: resp.StatusCode, Err: err}
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.cfg.ClusterURL, err)
	}
	return conn, nil
}

func (s *Source) subscribe(conn *websocket.Conn, start time.Time) error {
	msg := clientMessage{Subscribe: &subscribe{
		QueryStrings: feed.SubscriptionQueries(start),
		RequestID:    1,
	}}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send subscribe: %w", err)
	}
	return nil
}

func (s *Source) handle(data []byte, emit func(feed.UpdateBatch)) error {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(metricsSourceName).Inc()
		s.log.Warn("spacetime: undecodable server message", "error", err, "bytes", len(data))
		return nil
	}

	switch {
	case msg.IdentityToken != nil:
		s.log.Debug("spacetime: identity received", "identity", string(msg.IdentityToken.Identity))
	case msg.InitialSubscription != nil:
		s.log.Info("spacetime: subscription applied", "tables", len(msg.InitialSubscription.DatabaseUpdate.Tables))
		s.emit(&msg.InitialSubscription.DatabaseUpdate, emit)
	case msg.TransactionUpdate != nil:
		committed := msg.TransactionUpdate.Status.Committed
		if committed == nil {
			s.log.Debug("spacetime: skipping uncommitted transaction", "status", string(msg.TransactionUpdate.Status.Failed))
			return nil
		}
		s.emit(committed, emit)
	case msg.TransactionUpdateLight != nil:
		s.emit(&msg.TransactionUpdateLight.Update, emit)
	case msg.SubscriptionError != nil:
		return &SubscriptionError{Message: msg.SubscriptionError.Error}
	default:
		s.log.Debug("spacetime: ignoring server message", "bytes", len(data))
	}
	return nil
}

func (s *Source) emit(update *databaseUpdate, emit func(feed.UpdateBatch)) {
	batch, err := feed.DecodeTables(update.inserts())
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(metricsSourceName).Inc()
		s.log.Warn("spacetime: rows failed to decode", "error", err)
	}
	if batch.Empty() {
		return
	}
	s.tick++
	batch.Tick = s.tick
	batch.Received = s.cfg.Clock.Now()
	emit(batch)
}

// SubscribeURL builds the websocket subscribe endpoint for module.
func SubscribeURL(cluster, module, connID string) (string, error) {
	u, err := url.Parse(cluster)
	if err != nil {
		return "", fmt.Errorf("invalid cluster url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid cluster url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("invalid cluster url: missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/database/" + url.PathEscape(module) + "/subscribe"
	q := url.Values{}
	q.Set("connection_id", connID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func connectionID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}
