// Package bot provides the inbound connectors for the supported chat platforms.
//
// A connector translates one platform's webhook protocol into the canonical
// model shared by the rest of the service. Every connector implements the same
// contract so a provider-agnostic dispatcher can drive any of them:
//
//   - VerifySignature checks that a delivery really came from the platform
//   - GetUniqueSessionKey derives the conversation identifier from the payload
//   - UpdateSession enriches a Session with profile and channel data
//   - MapRequestToEvents turns the payload into zero or more Events
//   - CreateContext binds an Event, its Session and a reply function
//
// # Supported Platforms
//
//   - Slack: Events API callbacks, interactive components and RTM messages
//   - Messenger: page webhooks with batched messaging entries
//   - Telegram: bot API webhook updates
//   - Discord: HTTP interactions endpoint
//   - Feishu/Lark: event subscription schema 2.0
//   - DingTalk: robot outgoing callbacks
//
// # Usage
//
//	conn, err := bot.NewSlackConnector(bot.SlackConfig{
//		AccessToken:   token,
//		SigningSecret: secret,
//	})
//	req, err := bot.NewRequest(r.Header, body)
//	if !conn.VerifySignature(req) {
//		// reject with 401
//	}
//	key, ok := conn.GetUniqueSessionKey(req.Payload)
//	// checkout the session for key, then
//	err = conn.UpdateSession(ctx, session, req.Payload)
//	for _, event := range conn.MapRequestToEvents(req.Payload) {
//		c := conn.CreateContext(bot.ContextParams{Event: event, Session: session})
//		c.SendText(ctx, "hello")
//	}
//
// # Thread Safety
//
// Connectors are safe for concurrent use by many requests. The Session passed
// to UpdateSession is owned by the caller for the duration of the call and is
// only written after every lookup has completed.
package bot

import (
	"context"
	"net/http"
)

// Connector defines the contract every platform connector implements
type Connector interface {
	// Platform returns the fixed platform identifier (slack/messenger/...)
	Platform() string

	// GetUniqueSessionKey extracts the conversation identifier from the payload
	// without any network call. ok is false when no known shape matches.
	GetUniqueSessionKey(payload RawPayload) (key string, ok bool)

	// VerifySignature reports whether the request was sent by the platform.
	// It never panics or returns an error; the caller decides how to reject.
	VerifySignature(req *Request) bool

	// UpdateSession enriches session in place with data fetched from the
	// platform. Bot-originated or unattributable payloads leave it untouched.
	// On error nothing has been merged.
	UpdateSession(ctx context.Context, session *Session, payload RawPayload) error

	// MapRequestToEvents converts the payload into canonical events.
	// Unsupported shapes map to an empty slice.
	MapRequestToEvents(payload RawPayload) []Event

	// CreateContext binds an event and its session with a reply function
	CreateContext(params ContextParams) *Context
}

// Handshaker is implemented by connectors whose platform sends handshake
// deliveries that must be answered directly instead of producing events
type Handshaker interface {
	Handshake(payload RawPayload) (response []byte, ok bool)
}

// Acknowledger is implemented by connectors whose platform expects a specific
// response body for accepted deliveries
type Acknowledger interface {
	Ack(payload RawPayload) []byte
}

// Splitter is implemented by connectors whose platform batches several
// conversations into one delivery. Split returns one payload per
// conversation in delivery order; each is then handled as its own delivery
// after the whole body has been verified.
type Splitter interface {
	Split(payload RawPayload) []RawPayload
}

// Request is one inbound webhook delivery
type Request struct {
	// Body is the body exactly as received; signatures are computed over it
	Body []byte
	// Header holds the delivery's HTTP headers
	Header http.Header
	// Payload is the JSON view of Body handed to the connector operations
	Payload RawPayload
}

// ContextParams are the inputs of CreateContext
type ContextParams struct {
	Event   Event
	Session *Session
}
