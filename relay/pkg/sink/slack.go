package sink

import (
	"context"
	"fmt"

	"github.com/malbeclabs/relay/relay/pkg/notify"
	"github.com/slack-go/slack"
)

// SlackPoster is the subset of the Slack API client the deliverer uses.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackDeliverer posts each notification to a Slack channel, authored as
// the notification's username. The bot needs chat:write and
// chat:write.customize.
type SlackDeliverer struct {
	api     SlackPoster
	channel string
}

func NewSlackDeliverer(botToken, channel string, options ...slack.Option) *SlackDeliverer {
	return NewSlackDelivererWithClient(slack.New(botToken, options...), channel)
}

func NewSlackDelivererWithClient(api SlackPoster, channel string) *SlackDeliverer {
	return &SlackDeliverer{
		api:     api,
		channel: channel,
	}
}

func (s *SlackDeliverer) Name() string {
	return "slack"
}

func (s *SlackDeliverer) Deliver(ctx context.Context, n notify.Notification) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(n.Content(), false),
		slack.MsgOptionUsername(n.Username()),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}
