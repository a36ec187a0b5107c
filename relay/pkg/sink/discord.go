package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/malbeclabs/relay/relay/pkg/notify"
)

// discordEscaper keeps player names from toggling markdown in the bold
// author prefix.
var discordEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`_`, `\_`,
	"`", "\\`",
	`~`, `\~`,
	`|`, `\|`,
)

// DiscordSender is the subset of the Discord session the deliverer uses.
type DiscordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordDeliverer sends each notification as a bot message to a Discord
// channel. Mentions in relayed text are never resolved.
type DiscordDeliverer struct {
	session DiscordSender
	channel string
}

func NewDiscordDeliverer(botToken, channel string) (*DiscordDeliverer, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	// Delivery is single-attempt; the sink owns failure handling.
	session.MaxRestRetries = 0
	session.ShouldRetryOnRateLimit = false
	return NewDiscordDelivererWithSession(session, channel), nil
}

func NewDiscordDelivererWithSession(session DiscordSender, channel string) *DiscordDeliverer {
	return &DiscordDeliverer{
		session: session,
		channel: channel,
	}
}

func (d *DiscordDeliverer) Name() string {
	return "discord"
}

func (d *DiscordDeliverer) Deliver(ctx context.Context, n notify.Notification) error {
	msg := &discordgo.MessageSend{
		Content: fmt.Sprintf("**%s**: %s", discordEscaper.Replace(n.Username()), n.Content()),
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
		},
	}
	if _, err := d.session.ChannelMessageSendComplex(d.channel, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}
