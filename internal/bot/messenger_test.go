package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const messengerAppSecret = "messenger-app-secret"

func messengerBatch(entryTime int64) string {
	return fmt.Sprintf(`{
		"object": "page",
		"entry": [
			{
				"id": "PAGE_ID",
				"time": %d,
				"messaging": [
					{"sender":{"id":"PSID_1"},"recipient":{"id":"PAGE_ID"},"timestamp":1458692752478,"message":{"mid":"mid.1","text":"hello"}},
					{"sender":{"id":"PSID_1"},"recipient":{"id":"PAGE_ID"},"timestamp":1458692752479,"postback":{"title":"Get Started","payload":"GET_STARTED"}}
				]
			},
			{
				"id": "PAGE_ID",
				"time": %d,
				"messaging": [
					{"sender":{"id":"PAGE_ID"},"recipient":{"id":"PSID_2"},"timestamp":1458692752480,"message":{"mid":"mid.2","text":"echo","is_echo":true,"app_id":1517776481860111}}
				]
			}
		]
	}`, entryTime, entryTime-1000)
}

const messengerEcho = `{
	"object": "page",
	"entry": [{"id":"PAGE_ID","time":1458692752478,"messaging":[
		{"sender":{"id":"PAGE_ID"},"recipient":{"id":"PSID_2"},"timestamp":1458692752478,"message":{"mid":"mid.2","text":"echo","is_echo":true}}
	]}]
}`

type mockMessengerClient struct {
	mu       sync.Mutex
	profiles []string
	sent     []string
	profile  *MessengerProfile
	err      error
}

func (m *mockMessengerClient) GetUserProfile(_ context.Context, psid string) (*MessengerProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles = append(m.profiles, psid)
	if m.err != nil {
		return nil, m.err
	}
	return m.profile, nil
}

func (m *mockMessengerClient) SendText(_ context.Context, psid, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, psid+":"+text)
	return m.err
}

func newTestMessengerConnector(t *testing.T, client MessengerClient) *MessengerConnector {
	t.Helper()
	conn, err := NewMessengerConnector(MessengerConfig{
		AccessToken: "page-access-token",
		AppSecret:   messengerAppSecret,
		Client:      client,
	})
	require.NoError(t, err)
	return conn
}

func TestNewMessengerConnector_Errors(t *testing.T) {
	_, err := NewMessengerConnector(MessengerConfig{AccessToken: "token"})
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = NewMessengerConnector(MessengerConfig{AppSecret: "secret"})
	assert.ErrorIs(t, err, ErrMissingAccessToken)
}

func TestMessengerConnector_PlatformAndClient(t *testing.T) {
	client := &mockMessengerClient{}
	conn := newTestMessengerConnector(t, client)
	assert.Equal(t, "messenger", conn.Platform())
	assert.Same(t, client, conn.Client())

	built, err := NewMessengerConnector(MessengerConfig{AccessToken: "token", AppSecret: "secret"})
	require.NoError(t, err)
	assert.Same(t, built.Client(), built.Client())
}

func TestMessengerConnector_GetUniqueSessionKey(t *testing.T) {
	conn := newTestMessengerConnector(t, &mockMessengerClient{})

	tests := []struct {
		name    string
		payload string
		key     string
		ok      bool
	}{
		{"first sender of a batch", messengerBatch(1458692752478), "PSID_1", true},
		{"recipient of an echo", messengerEcho, "PSID_2", true},
		{"not a page delivery", `{"object":"instagram","entry":[]}`, "", false},
		{"no messaging items", `{"object":"page","entry":[{"id":"PAGE_ID","time":1}]}`, "", false},
		{"not json", `<xml/>`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := conn.GetUniqueSessionKey(RawPayload(tt.payload))
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestMessengerConnector_MapRequestToEvents(t *testing.T) {
	conn := newTestMessengerConnector(t, &mockMessengerClient{})

	events := conn.MapRequestToEvents(RawPayload(messengerBatch(1458692752478)))
	require.Len(t, events, 3)

	assert.Equal(t, KindText, events[0].Kind())
	assert.Equal(t, "hello", events[0].Text())
	assert.Equal(t, "PSID_1", events[0].SenderID())
	assert.False(t, events[0].IsBot())

	postback := events[1].(*MessengerEvent)
	assert.Equal(t, KindPostback, postback.Kind())
	assert.Equal(t, "GET_STARTED", postback.PostbackPayload())
	assert.Equal(t, "PAGE_ID", postback.PageID())

	echo := events[2]
	assert.Equal(t, KindBotMessage, echo.Kind())
	assert.True(t, echo.IsBot())
	assert.Equal(t, "PSID_2", echo.ChannelID())

	var raw map[string]any
	require.NoError(t, json.Unmarshal(events[0].RawPayload(), &raw))
	assert.Equal(t, float64(1458692752478), raw["timestamp"])

	assert.Empty(t, conn.MapRequestToEvents(RawPayload(`{"object":"user"}`)))
}

func TestMessengerEvent_MessagingIsACopy(t *testing.T) {
	conn := newTestMessengerConnector(t, &mockMessengerClient{})
	event := conn.MapRequestToEvents(RawPayload(messengerBatch(1)))[0].(*MessengerEvent)

	m := event.Messaging()
	m.Message.Text = "changed"

	assert.Equal(t, "hello", event.Messaging().Message.Text)
	assert.Equal(t, "hello", event.Text())
}

func TestMessengerConnector_UpdateSession(t *testing.T) {
	t.Run("merges the sender profile", func(t *testing.T) {
		client := &mockMessengerClient{profile: &MessengerProfile{ID: "PSID_1", FirstName: "Peter", LastName: "Chang"}}
		conn := newTestMessengerConnector(t, client)
		session := NewSession("messenger", "PSID_1")

		require.NoError(t, conn.UpdateSession(context.Background(), session, RawPayload(messengerBatch(1))))

		assert.Equal(t, []string{"PSID_1"}, client.profiles)
		require.NotNil(t, session.User)
		assert.Equal(t, "PSID_1", session.User.ID)
		assert.Equal(t, "Peter Chang", session.User.Name)
		assert.False(t, session.User.UpdatedAt.IsZero())
		assert.Nil(t, session.Channel)
	})

	t.Run("skips echoes", func(t *testing.T) {
		client := &mockMessengerClient{}
		conn := newTestMessengerConnector(t, client)
		session := NewSession("messenger", "PSID_2")

		require.NoError(t, conn.UpdateSession(context.Background(), session, RawPayload(messengerEcho)))
		assert.Empty(t, client.profiles)
		assert.Nil(t, session.User)
	})

	t.Run("propagates lookup errors", func(t *testing.T) {
		client := &mockMessengerClient{err: errors.New("rate limited")}
		conn := newTestMessengerConnector(t, client)
		session := NewSession("messenger", "PSID_1")

		err := conn.UpdateSession(context.Background(), session, RawPayload(messengerBatch(1)))
		require.Error(t, err)
		assert.Nil(t, session.User)
	})
}

func TestMessengerConnector_VerifySignature(t *testing.T) {
	conn := newTestMessengerConnector(t, &mockMessengerClient{})
	sign := HMACSHA256Hex("sha256=")

	request := func(body, signature string) *Request {
		header := http.Header{}
		header.Set("X-Hub-Signature-256", signature)
		return &Request{Body: []byte(body), Header: header, Payload: RawPayload(body)}
	}

	fresh := messengerBatch(time.Now().UnixMilli())
	stale := messengerBatch(time.Now().Add(-2 * time.Hour).UnixMilli())

	assert.True(t, conn.VerifySignature(request(fresh, sign([]byte(messengerAppSecret), []byte(fresh)))))
	assert.False(t, conn.VerifySignature(request(fresh, sign([]byte("other-secret"), []byte(fresh)))))
	assert.False(t, conn.VerifySignature(request(stale, sign([]byte(messengerAppSecret), []byte(stale)))))
	assert.False(t, conn.VerifySignature(request(fresh, "")))

	noTime := `{"object":"page","entry":[{"id":"PAGE_ID","messaging":[]}]}`
	assert.False(t, conn.VerifySignature(request(noTime, sign([]byte(messengerAppSecret), []byte(noTime)))))
}

func TestMessengerConnector_CreateContext(t *testing.T) {
	client := &mockMessengerClient{}
	conn := newTestMessengerConnector(t, client)
	event := conn.MapRequestToEvents(RawPayload(messengerBatch(1)))[0]

	c := conn.CreateContext(ContextParams{Event: event, Session: NewSession("messenger", "PSID_1")})
	assert.Equal(t, "PSID_1", c.ReplyTarget())
	require.NoError(t, c.SendText(context.Background(), "hi"))
	assert.Equal(t, []string{"PSID_1:hi"}, client.sent)
}

const messengerTwoUsers = `{
	"object": "page",
	"entry": [{"id":"PAGE_ID","time":1458692752478,"messaging":[
		{"sender":{"id":"PSID_A"},"recipient":{"id":"PAGE_ID"},"timestamp":1458692752478,"message":{"mid":"mid.a","text":"hi from A"}},
		{"sender":{"id":"PSID_B"},"recipient":{"id":"PAGE_ID"},"timestamp":1458692752479,"message":{"mid":"mid.b","text":"hi from B"}},
		{"sender":{"id":"PSID_A"},"recipient":{"id":"PAGE_ID"},"timestamp":1458692752480,"message":{"mid":"mid.c","text":"again from A"}}
	]}]
}`

func TestMessengerConnector_CreateContextFollowsEventUser(t *testing.T) {
	client := &mockMessengerClient{}
	conn := newTestMessengerConnector(t, client)
	events := conn.MapRequestToEvents(RawPayload(messengerTwoUsers))
	require.Len(t, events, 3)

	sessionA := NewSession("messenger", "PSID_A")
	sessionA.SetUser(UserInfo{ID: "PSID_A", Name: "Alice"}, time.Now())

	c := conn.CreateContext(ContextParams{Event: events[1], Session: sessionA})
	assert.Equal(t, "PSID_B", c.ReplyTarget())
	assert.Equal(t, "PSID_B", c.Session().Key)
	assert.Nil(t, c.Session().User)
	require.NoError(t, c.SendText(context.Background(), "answer for B"))
	assert.Equal(t, []string{"PSID_B:answer for B"}, client.sent)

	c = conn.CreateContext(ContextParams{Event: events[0], Session: sessionA})
	assert.Same(t, sessionA, c.Session())
	assert.Equal(t, "PSID_A", c.ReplyTarget())
}

func TestMessengerConnector_Split(t *testing.T) {
	conn := newTestMessengerConnector(t, &mockMessengerClient{})

	parts := conn.Split(RawPayload(messengerTwoUsers))
	require.Len(t, parts, 2)

	key, ok := conn.GetUniqueSessionKey(parts[0])
	require.True(t, ok)
	assert.Equal(t, "PSID_A", key)
	eventsA := conn.MapRequestToEvents(parts[0])
	require.Len(t, eventsA, 2)
	assert.Equal(t, "hi from A", eventsA[0].Text())
	assert.Equal(t, "again from A", eventsA[1].Text())

	key, ok = conn.GetUniqueSessionKey(parts[1])
	require.True(t, ok)
	assert.Equal(t, "PSID_B", key)
	eventsB := conn.MapRequestToEvents(parts[1])
	require.Len(t, eventsB, 1)
	assert.Equal(t, "hi from B", eventsB[0].Text())

	var webhook MessengerWebhook
	require.NoError(t, json.Unmarshal(parts[1], &webhook))
	require.Len(t, webhook.Entry, 1)
	assert.Equal(t, int64(1458692752478), webhook.Entry[0].Time)

	single := RawPayload(messengerEcho)
	assert.Equal(t, []RawPayload{single}, conn.Split(single))
	assert.Equal(t, []RawPayload{RawPayload(`{}`)}, conn.Split(RawPayload(`{}`)))
}

func TestGraphClient(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
		bodies   []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path+" "+r.Header.Get("Authorization"))
		bodies = append(bodies, string(body))
		mu.Unlock()

		switch r.URL.Path {
		case "/PSID_1":
			assert.Equal(t, "first_name,last_name,profile_pic,locale", r.URL.Query().Get("fields"))
			_, _ = w.Write([]byte(`{"id":"PSID_1","first_name":"Peter","last_name":"Chang"}`))
		case "/me/messages":
			_, _ = w.Write([]byte(`{"recipient_id":"PSID_1","message_id":"mid.3"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`))
		}
	}))
	defer server.Close()

	client := NewMessengerGraphClient("page-token", server.URL, server.Client())

	profile, err := client.GetUserProfile(context.Background(), "PSID_1")
	require.NoError(t, err)
	assert.Equal(t, "Peter", profile.FirstName)

	require.NoError(t, client.SendText(context.Background(), "PSID_1", "hello"))
	assert.JSONEq(t, `{"recipient":{"id":"PSID_1"},"messaging_type":"RESPONSE","message":{"text":"hello"}}`, bodies[1])

	_, err = client.GetUserProfile(context.Background(), "unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid OAuth access token.")
	assert.Contains(t, err.Error(), "code 190")

	assert.Equal(t, []string{
		"GET /PSID_1 Bearer page-token",
		"POST /me/messages Bearer page-token",
		"GET /unknown Bearer page-token",
	}, requests)
}
