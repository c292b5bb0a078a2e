package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/botgate/internal/bot"
	"github.com/keepmind9/botgate/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// captureLogs installs a null logger for the duration of the test and
// returns the hook recording its entries
func captureLogs(t *testing.T) *test.Hook {
	t.Helper()
	previous := logger.GetLogger()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	logger.SetLogger(log)
	t.Cleanup(func() { logger.SetLogger(previous) })
	return hook
}

func entriesWithMessage(hook *test.Hook, msg string) []logrus.Entry {
	var out []logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			out = append(out, *e)
		}
	}
	return out
}

type fakeEvent struct {
	kind bot.EventKind
	text string
}

func (e fakeEvent) Platform() string           { return "fake" }
func (e fakeEvent) Kind() bot.EventKind        { return e.kind }
func (e fakeEvent) RawPayload() bot.RawPayload { return nil }
func (e fakeEvent) IsBot() bool                { return false }
func (e fakeEvent) SenderID() string           { return "U1" }
func (e fakeEvent) Text() string               { return e.text }
func (e fakeEvent) ChannelID() string          { return "C1" }

// fakeConnector is a scripted Connector that records how it was driven
type fakeConnector struct {
	platform  string
	reject    bool
	key       string
	updateErr error
	// blockUpdate makes UpdateSession wait for its context
	blockUpdate bool
	events      []bot.Event

	mu          sync.Mutex
	updateCalls int
	deadlineSet bool
}

func newFakeConnector(platform string) *fakeConnector {
	return &fakeConnector{
		platform: platform,
		key:      "C1",
		events:   []bot.Event{fakeEvent{kind: bot.KindText, text: "first"}, fakeEvent{kind: bot.KindText, text: "second"}},
	}
}

func (f *fakeConnector) Platform() string { return f.platform }

func (f *fakeConnector) GetUniqueSessionKey(bot.RawPayload) (string, bool) {
	return f.key, f.key != ""
}

func (f *fakeConnector) VerifySignature(*bot.Request) bool { return !f.reject }

func (f *fakeConnector) UpdateSession(ctx context.Context, session *bot.Session, _ bot.RawPayload) error {
	f.mu.Lock()
	f.updateCalls++
	_, f.deadlineSet = ctx.Deadline()
	f.mu.Unlock()

	if f.blockUpdate {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.updateErr != nil {
		return f.updateErr
	}
	session.SetUser(bot.UserInfo{ID: "U1", Name: "alice"}, time.Now())
	return nil
}

func (f *fakeConnector) MapRequestToEvents(bot.RawPayload) []bot.Event { return f.events }

func (f *fakeConnector) CreateContext(params bot.ContextParams) *bot.Context {
	return bot.NewContext(f.platform, params.Event, params.Session, params.Session.ReplyTarget(), nil)
}

func (f *fakeConnector) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls
}

// handshakeConnector answers payloads equal to "ping" directly
type handshakeConnector struct {
	*fakeConnector
}

func (h handshakeConnector) Handshake(payload bot.RawPayload) ([]byte, bool) {
	if string(payload) != "ping" {
		return nil, false
	}
	return []byte(`{"challenge":"pong"}`), true
}

func (h handshakeConnector) Ack(bot.RawPayload) []byte {
	return []byte(`{"type":5}`)
}

// failingStore fails every operation
type failingStore struct {
	err error
}

func (s failingStore) Get(context.Context, string) (*bot.Session, error) { return nil, s.err }
func (s failingStore) Set(context.Context, string, *bot.Session) error   { return s.err }
