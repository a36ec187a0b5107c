package feed

import (
	"context"
	"fmt"
	"time"
)

// Table names as published by the game module.
const (
	TableClaims      = "claim_state"
	TableEmpires     = "empire_state"
	TablePlayers     = "player_username_state"
	TableChats       = "chat_message_state"
	TableModerations = "user_moderation_state"
)

// ChatChannel is the closed set of chat channels the relay understands.
// Values are the module's wire discriminants.
type ChatChannel int32

const (
	ChannelRegion         ChatChannel = 3
	ChannelClaim          ChatChannel = 4
	ChannelEmpirePublic   ChatChannel = 5
	ChannelEmpireInternal ChatChannel = 6
)

func (c ChatChannel) String() string {
	switch c {
	case ChannelRegion:
		return "region"
	case ChannelClaim:
		return "claim"
	case ChannelEmpirePublic:
		return "empire_public"
	case ChannelEmpireInternal:
		return "empire_internal"
	default:
		return fmt.Sprintf("other(%d)", int32(c))
	}
}

// ModerationPolicy is the kind of block applied to a player.
type ModerationPolicy uint8

const (
	PermanentBlockLogin ModerationPolicy = iota
	TemporaryBlockLogin
	BlockChat
	BlockConstruct
)

var moderationPolicyNames = []string{
	"PermanentBlockLogin",
	"TemporaryBlockLogin",
	"BlockChat",
	"BlockConstruct",
}

func (p ModerationPolicy) String() string {
	if int(p) < len(moderationPolicyNames) {
		return moderationPolicyNames[p]
	}
	return fmt.Sprintf("ModerationPolicy(%d)", uint8(p))
}

// ReferenceRow names an entity. Claims, empires and players share it.
type ReferenceRow struct {
	EntityID uint64
	Name     string
}

type ChatRow struct {
	ChannelID ChatChannel
	TargetID  uint64
	Username  string
	Text      string
	Timestamp time.Time
}

type ModerationRow struct {
	TargetEntityID uint64
	Policy         ModerationPolicy
	ExpirationTime time.Time
	CreatedTime    time.Time
}

// UpdateBatch holds the rows inserted during one source tick.
type UpdateBatch struct {
	Tick     uint64
	Received time.Time

	Claims      []ReferenceRow
	Empires     []ReferenceRow
	Players     []ReferenceRow
	Chats       []ChatRow
	Moderations []ModerationRow
}

// Empty reports whether the batch carries no rows the relay cares about.
func (b *UpdateBatch) Empty() bool {
	return len(b.Claims) == 0 && len(b.Empires) == 0 && len(b.Players) == 0 &&
		len(b.Chats) == 0 && len(b.Moderations) == 0
}

// RowCount returns the number of rows per table name.
func (b *UpdateBatch) RowCount() map[string]int {
	return map[string]int{
		TableClaims:      len(b.Claims),
		TableEmpires:     len(b.Empires),
		TablePlayers:     len(b.Players),
		TableChats:       len(b.Chats),
		TableModerations: len(b.Moderations),
	}
}

// Source streams update batches until it disconnects.
//
// Run calls emit once per tick, in arrival order, from a single goroutine.
// It returns exactly once: nil when the disconnect was voluntary (including
// ctx cancellation), or the fault that ended the stream.
type Source interface {
	Run(ctx context.Context, emit func(UpdateBatch)) error
}

// ConnectNotifier is implemented by sources that can report when the
// upstream connection is established.
type ConnectNotifier interface {
	OnConnect(fn func())
}
