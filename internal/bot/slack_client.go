package bot

import (
	"context"
	"fmt"

	"github.com/keepmind9/botgate/pkg/constants"
	"github.com/slack-go/slack"
)

// SlackClient is the part of the Slack Web API the connector depends on
type SlackClient interface {
	GetUserInfo(ctx context.Context, userID string) (*slack.User, error)
	GetConversationInfo(ctx context.Context, channelID string) (*slack.Channel, error)
	// GetAllConversationMembers returns the ids of every member, following pagination
	GetAllConversationMembers(ctx context.Context, channelID string) ([]string, error)
	GetAllUserList(ctx context.Context) ([]slack.User, error)
	PostMessage(ctx context.Context, channelID, text string) error
}

// slackAPIClient implements SlackClient on top of slack-go
type slackAPIClient struct {
	api *slack.Client
}

// NewSlackAPIClient creates a Web API client authenticated with token
func NewSlackAPIClient(token string, options ...slack.Option) SlackClient {
	return &slackAPIClient{api: slack.New(token, options...)}
}

func (c *slackAPIClient) GetUserInfo(ctx context.Context, userID string) (*slack.User, error) {
	return c.api.GetUserInfoContext(ctx, userID)
}

func (c *slackAPIClient) GetConversationInfo(ctx context.Context, channelID string) (*slack.Channel, error) {
	return c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID: channelID,
	})
}

func (c *slackAPIClient) GetAllConversationMembers(ctx context.Context, channelID string) ([]string, error) {
	var (
		members []string
		cursor  string
	)
	for {
		page, next, err := c.api.GetUsersInConversationContext(ctx, &slack.GetUsersInConversationParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     constants.SlackMembersPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("conversations.members %s: %w", channelID, err)
		}
		members = append(members, page...)
		if next == "" {
			return members, nil
		}
		cursor = next
	}
}

func (c *slackAPIClient) GetAllUserList(ctx context.Context) ([]slack.User, error) {
	return c.api.GetUsersContext(ctx)
}

func (c *slackAPIClient) PostMessage(ctx context.Context, channelID, text string) error {
	_, _, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	return err
}
