package materializer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/relay/relay/pkg/feed"
	"github.com/malbeclabs/relay/relay/pkg/metrics"
	"github.com/malbeclabs/relay/relay/pkg/notify"
)

// ResolutionPolicy decides what happens to a moderation row whose target
// player has not been named yet.
type ResolutionPolicy string

const (
	// PolicySubstitute renders the unresolved player as "{<id>}".
	PolicySubstitute ResolutionPolicy = "substitute"
	// PolicyDrop skips the row.
	PolicyDrop ResolutionPolicy = "drop"
)

const defaultTimestampStyle = "f"

type Config struct {
	Logger *slog.Logger
	Policy ResolutionPolicy

	// TimestampStyle is the style letter of the chat client's timestamp
	// token, rendered as <t:SECONDS:STYLE>.
	TimestampStyle string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicySubstitute
	case PolicySubstitute, PolicyDrop:
	default:
		return fmt.Errorf("unknown resolution policy %q", cfg.Policy)
	}
	if cfg.TimestampStyle == "" {
		cfg.TimestampStyle = defaultTimestampStyle
	}
	if len(cfg.TimestampStyle) != 1 || !strings.Contains("tTdDfFR", cfg.TimestampStyle) {
		return fmt.Errorf("unknown timestamp style %q", cfg.TimestampStyle)
	}
	return nil
}

// Materializer keeps the name caches and turns fact rows into
// notifications. It is not safe for concurrent use: one goroutine owns it.
type Materializer struct {
	log *slog.Logger
	cfg Config

	claims  map[uint64]string
	empires map[uint64]string
	players map[uint64]string
}

func New(cfg Config) (*Materializer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Materializer{
		log:     cfg.Logger,
		cfg:     cfg,
		claims:  make(map[uint64]string),
		empires: make(map[uint64]string),
		players: make(map[uint64]string),
	}, nil
}

// CacheSizes is the number of names held per reference table.
type CacheSizes struct {
	Claims  int
	Empires int
	Players int
}

func (m *Materializer) Sizes() CacheSizes {
	return CacheSizes{
		Claims:  len(m.claims),
		Empires: len(m.empires),
		Players: len(m.players),
	}
}

// Apply folds one tick into the caches and returns its notifications.
// Every reference row of the tick is cached before any fact row is
// resolved; chats come out before moderations, each in row order.
func (m *Materializer) Apply(b feed.UpdateBatch) []notify.Notification {
	metrics.BatchesTotal.Inc()
	for table, n := range b.RowCount() {
		if n > 0 {
			metrics.RowsTotal.WithLabelValues(table).Add(float64(n))
		}
	}

	cacheRows(m.claims, b.Claims)
	cacheRows(m.empires, b.Empires)
	cacheRows(m.players, b.Players)

	var out []notify.Notification
	for _, row := range b.Chats {
		if n, ok := m.chat(b.Tick, row); ok {
			out = append(out, n)
		}
	}
	for _, row := range b.Moderations {
		if n, ok := m.moderation(b.Tick, row); ok {
			out = append(out, n)
		}
	}

	if len(out) > 0 {
		metrics.NotificationsTotal.WithLabelValues(notify.KindChat.String()).Add(float64(len(out)))
	}
	return out
}

func cacheRows(cache map[uint64]string, rows []feed.ReferenceRow) {
	for _, r := range rows {
		cache[r.EntityID] = r.Name
	}
}

func (m *Materializer) chat(tick uint64, row feed.ChatRow) (notify.Notification, bool) {
	var (
		cache map[uint64]string
		table string
	)
	switch row.ChannelID {
	case feed.ChannelEmpireInternal, feed.ChannelEmpirePublic:
		cache, table = m.empires, feed.TableEmpires
	case feed.ChannelClaim:
		cache, table = m.claims, feed.TableClaims
	case feed.ChannelRegion:
		return notify.Chat(row.Username, row.Text), true
	default:
		m.log.Debug("materializer: ignoring chat channel", "tick", tick, "channel", row.ChannelID.String())
		return notify.Notification{}, false
	}

	name, ok := cache[row.TargetID]
	if !ok {
		metrics.ResolutionMissesTotal.WithLabelValues(table, "dropped").Inc()
		m.log.Warn("materializer: unresolved chat target, dropping message",
			"tick", tick, "channel", row.ChannelID.String(), "table", table, "target_id", row.TargetID, "username", row.Username)
		return notify.Notification{}, false
	}
	return notify.Chat(fmt.Sprintf("%s [%s]", row.Username, name), row.Text), true
}

func (m *Materializer) moderation(tick uint64, row feed.ModerationRow) (notify.Notification, bool) {
	name, ok := m.players[row.TargetEntityID]
	if !ok {
		if m.cfg.Policy == PolicyDrop {
			metrics.ResolutionMissesTotal.WithLabelValues(feed.TablePlayers, "dropped").Inc()
			m.log.Warn("materializer: unresolved moderation target, dropping notice",
				"tick", tick, "target_entity_id", row.TargetEntityID, "policy", row.Policy.String())
			return notify.Notification{}, false
		}
		metrics.ResolutionMissesTotal.WithLabelValues(feed.TablePlayers, "substituted").Inc()
		m.log.Warn("materializer: unresolved moderation target, substituting id",
			"tick", tick, "target_entity_id", row.TargetEntityID, "policy", row.Policy.String())
		name = fmt.Sprintf("{%d}", row.TargetEntityID)
	}

	var action, expiry string
	switch row.Policy {
	case feed.PermanentBlockLogin:
		action, expiry = "logging in", "permanently"
	case feed.TemporaryBlockLogin:
		action, expiry = "logging in", m.until(row.ExpirationTime)
	case feed.BlockChat:
		action, expiry = "chatting", m.until(row.ExpirationTime)
	case feed.BlockConstruct:
		action, expiry = "building", m.until(row.ExpirationTime)
	default:
		m.log.Warn("materializer: unknown moderation policy", "tick", tick, "policy", row.Policy.String())
		return notify.Notification{}, false
	}

	content := fmt.Sprintf("User %s has been banned from %s %s!", name, action, expiry)
	return notify.Chat(notify.ModerationUsername, content), true
}

func (m *Materializer) until(t time.Time) string {
	return fmt.Sprintf("until %s", TimestampToken(t, m.cfg.TimestampStyle))
}

// TimestampToken renders t as the chat client's localized timestamp token.
func TimestampToken(t time.Time, style string) string {
	return fmt.Sprintf("<t:%d:%s>", t.Unix(), style)
}
