package bot

// EventKind discriminates the canonical event variants
type EventKind int

const (
	KindUnknown           EventKind = iota // recognized payload, unsupported activity
	KindText                               // human text message
	KindBotMessage                         // message posted by an automated actor
	KindInteractiveAction                  // button, menu or other component action
	KindPostback                           // postback from a structured template
	KindRawSocketMessage                   // message received over a realtime socket
	KindCommand                            // slash/application command
)

var eventKindNames = map[EventKind]string{
	KindUnknown:           "unknown",
	KindText:              "text-message",
	KindBotMessage:        "bot-message",
	KindInteractiveAction: "interactive-action",
	KindPostback:          "postback",
	KindRawSocketMessage:  "raw-socket-message",
	KindCommand:           "command",
}

// String returns the kebab-case name used in logs and metrics
func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is the canonical, immutable unit of inbound activity
type Event interface {
	Platform() string
	Kind() EventKind
	// RawPayload returns a copy of the payload fragment the event came from
	RawPayload() RawPayload
	// IsBot reports whether the event was produced by an automated actor
	IsBot() bool
	SenderID() string
	Text() string
	ChannelID() string
}

// baseEvent carries the fields shared by every platform event. Platform
// events embed it and add typed, read-only access to the provider structs.
type baseEvent struct {
	platform  string
	kind      EventKind
	raw       RawPayload
	isBot     bool
	senderID  string
	text      string
	channelID string
}

func (e *baseEvent) Platform() string       { return e.platform }
func (e *baseEvent) Kind() EventKind        { return e.kind }
func (e *baseEvent) RawPayload() RawPayload { return e.raw.Clone() }
func (e *baseEvent) IsBot() bool            { return e.isBot }
func (e *baseEvent) SenderID() string       { return e.senderID }
func (e *baseEvent) Text() string           { return e.text }
func (e *baseEvent) ChannelID() string      { return e.channelID }
