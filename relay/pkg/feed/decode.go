package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const timestampMicrosField = "__timestamp_micros_since_unix_epoch__"

// DecodeTables builds a batch from raw insert rows keyed by table name.
// Each row is a JSON object, or a JSON string whose content is that object.
// Tables the relay does not watch are skipped. Rows that fail to decode are
// left out of the batch and reported together in the returned error; the
// batch is still usable.
func DecodeTables(tables map[string][]json.RawMessage) (UpdateBatch, error) {
	var (
		batch UpdateBatch
		errs  []error
	)
	for table, rows := range tables {
		for i, raw := range rows {
			if err := batch.appendRow(table, raw); err != nil {
				errs = append(errs, fmt.Errorf("%s row %d: %w", table, i, err))
			}
		}
	}
	return batch, errors.Join(errs...)
}

func (b *UpdateBatch) appendRow(table string, raw json.RawMessage) error {
	switch table {
	case TableClaims, TableEmpires:
		var r struct {
			EntityID flexUint `json:"entity_id"`
			Name     string   `json:"name"`
		}
		if err := unmarshalRow(raw, &r); err != nil {
			return err
		}
		row := ReferenceRow{EntityID: uint64(r.EntityID), Name: r.Name}
		if table == TableClaims {
			b.Claims = append(b.Claims, row)
		} else {
			b.Empires = append(b.Empires, row)
		}
	case TablePlayers:
		var r struct {
			EntityID flexUint `json:"entity_id"`
			Username string   `json:"username"`
		}
		if err := unmarshalRow(raw, &r); err != nil {
			return err
		}
		b.Players = append(b.Players, ReferenceRow{EntityID: uint64(r.EntityID), Name: r.Username})
	case TableChats:
		var r struct {
			ChannelID flexInt         `json:"channel_id"`
			TargetID  flexUint        `json:"target_id"`
			Username  string          `json:"username"`
			Text      string          `json:"text"`
			Timestamp flexUnixSeconds `json:"timestamp"`
		}
		if err := unmarshalRow(raw, &r); err != nil {
			return err
		}
		b.Chats = append(b.Chats, ChatRow{
			ChannelID: ChatChannel(r.ChannelID),
			TargetID:  uint64(r.TargetID),
			Username:  r.Username,
			Text:      r.Text,
			Timestamp: time.Time(r.Timestamp),
		})
	case TableModerations:
		var r struct {
			TargetEntityID flexUint   `json:"target_entity_id"`
			Policy         flexPolicy `json:"user_moderation_policy"`
			ExpirationTime flexTime   `json:"expiration_time"`
			CreatedTime    flexTime   `json:"created_time"`
		}
		if err := unmarshalRow(raw, &r); err != nil {
			return err
		}
		b.Moderations = append(b.Moderations, ModerationRow{
			TargetEntityID: uint64(r.TargetEntityID),
			Policy:         ModerationPolicy(r.Policy),
			ExpirationTime: time.Time(r.ExpirationTime),
			CreatedTime:    time.Time(r.CreatedTime),
		})
	}
	return nil
}

func unmarshalRow(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		raw = json.RawMessage(inner)
	}
	return json.Unmarshal(raw, v)
}

// flexUint accepts a JSON number or a decimal string.
type flexUint uint64

func (u *flexUint) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entity id %s", data)
	}
	*u = flexUint(n)
	return nil
}

type flexInt int32

func (i *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid integer %s", data)
	}
	*i = flexInt(n)
	return nil
}

// flexTime accepts microseconds since the unix epoch as a number, the
// module's wrapped timestamp object, or an RFC 3339 string.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = flexTime{}
		return nil
	}
	switch data[0] {
	case '{':
		var wrapped map[string]json.Number
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return fmt.Errorf("invalid timestamp %s", data)
		}
		n, ok := wrapped[timestampMicrosField]
		if !ok {
			return fmt.Errorf("invalid timestamp %s", data)
		}
		return t.fromMicros(string(n))
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		*t = flexTime(parsed.UTC())
		return nil
	default:
		return t.fromMicros(string(data))
	}
}

func (t *flexTime) fromMicros(s string) error {
	micros, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp micros %q", s)
	}
	*t = flexTime(time.UnixMicro(micros).UTC())
	return nil
}

// flexUnixSeconds is flexTime for columns stored as whole unix seconds: a
// bare number counts seconds, the other forms decode as flexTime.
type flexUnixSeconds time.Time

func (t *flexUnixSeconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && (data[0] == '-' || (data[0] >= '0' && data[0] <= '9')) {
		secs, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp seconds %q", data)
		}
		*t = flexUnixSeconds(time.Unix(secs, 0).UTC())
		return nil
	}
	var ft flexTime
	if err := ft.UnmarshalJSON(data); err != nil {
		return err
	}
	*t = flexUnixSeconds(ft)
	return nil
}

// flexPolicy accepts the policy as a discriminant number, a variant name,
// a single-key object keyed by either, or a [tag, payload] pair.
type flexPolicy ModerationPolicy

func (p *flexPolicy) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty moderation policy")
	}
	switch data[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if len(obj) != 1 {
			return fmt.Errorf("invalid moderation policy %s", data)
		}
		for k := range obj {
			return p.set(k)
		}
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) == 0 {
			return fmt.Errorf("invalid moderation policy %s", data)
		}
		return p.UnmarshalJSON(pair[0])
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return p.set(s)
	}
	return p.set(string(data))
}

func (p *flexPolicy) set(s string) error {
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		if int(n) >= len(moderationPolicyNames) {
			return fmt.Errorf("unknown moderation policy %d", n)
		}
		*p = flexPolicy(n)
		return nil
	}
	for i, name := range moderationPolicyNames {
		if name == s {
			*p = flexPolicy(i)
			return nil
		}
	}
	return fmt.Errorf("unknown moderation policy %q", s)
}

// Envelope is the message shape carried by the redis and replay sources:
// {"tables":{"<table>":[rows...]}}.
type Envelope struct {
	Tables map[string][]json.RawMessage `json:"tables"`
}

// DecodeEnvelope decodes one envelope into a batch. Row failures are
// reported the same way as DecodeTables; a malformed envelope yields an
// empty batch.
func DecodeEnvelope(data []byte) (UpdateBatch, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return UpdateBatch{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return DecodeTables(env.Tables)
}
