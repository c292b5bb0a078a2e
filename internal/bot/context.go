package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReplyFunc sends text to target on the connector's platform
type ReplyFunc func(ctx context.Context, target, text string) error

// Context is the request-scoped bundle handed to bot logic. It is never
// persisted and must not outlive the delivery that produced it.
type Context struct {
	id        string
	platform  string
	event     Event
	session   *Session
	target    string
	reply     ReplyFunc
	createdAt time.Time
}

// NewContext binds event, session and a reply function. target is the
// conversation replies are sent to.
func NewContext(platform string, event Event, session *Session, target string, reply ReplyFunc) *Context {
	return &Context{
		id:        uuid.NewString(),
		platform:  platform,
		event:     event,
		session:   session,
		target:    target,
		reply:     reply,
		createdAt: time.Now(),
	}
}

func (c *Context) ID() string           { return c.id }
func (c *Context) Platform() string     { return c.platform }
func (c *Context) Event() Event         { return c.event }
func (c *Context) Session() *Session    { return c.session }
func (c *Context) ReplyTarget() string  { return c.target }
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// SendText replies to the conversation the event came from
func (c *Context) SendText(ctx context.Context, text string) error {
	if c.reply == nil || c.target == "" {
		return ErrNoReplyTarget
	}
	if err := c.reply(ctx, c.target, text); err != nil {
		return fmt.Errorf("failed to reply on %s to %s: %w", c.platform, c.target, err)
	}
	return nil
}

// replyTarget picks the session's conversation, falling back to the event's
func replyTarget(event Event, session *Session) string {
	if target := session.ReplyTarget(); target != "" {
		return target
	}
	if event != nil {
		return event.ChannelID()
	}
	return ""
}
