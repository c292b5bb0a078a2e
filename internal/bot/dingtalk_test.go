package bot

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dingTalkAppSecret = "dingtalk-app-secret"

const dingTalkCallback = `{
	"conversationId": "cidQ1bCgzuEe8Mx0HM5dvsyJQ==",
	"atUsers": [{"dingtalkId": "$:LWCP_v1:$robot"}],
	"chatbotUserId": "$:LWCP_v1:$robot",
	"msgId": "msgDkpMtnlLHqkHPEdgBzmi/Q==",
	"senderNick": "Xiao Ming",
	"isAdmin": true,
	"senderStaffId": "manager123",
	"sessionWebhookExpiredTime": 1613635652738,
	"createAt": 1613630252678,
	"conversationType": "2",
	"senderId": "$:LWCP_v1:$sender",
	"conversationTitle": "Robot Test",
	"isInAtList": true,
	"sessionWebhook": "https://oapi.dingtalk.com/robot/sendBySession?session=c5d8a9a3",
	"text": {"content": " hello"},
	"msgtype": "text"
}`

type mockDingTalkReplier struct {
	mu      sync.Mutex
	replies []string
}

func (m *mockDingTalkReplier) SimpleReplyText(_ context.Context, sessionWebhook string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, sessionWebhook+" "+string(content))
	return nil
}

func newTestDingTalkConnector(t *testing.T, client DingTalkReplier) *DingTalkConnector {
	t.Helper()
	conn, err := NewDingTalkConnector(DingTalkConfig{AppSecret: dingTalkAppSecret, Client: client})
	require.NoError(t, err)
	return conn
}

func TestNewDingTalkConnector_RequiresSecret(t *testing.T) {
	_, err := NewDingTalkConnector(DingTalkConfig{})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestDingTalkConnector_PlatformAndClient(t *testing.T) {
	client := &mockDingTalkReplier{}
	conn := newTestDingTalkConnector(t, client)
	assert.Equal(t, "dingtalk", conn.Platform())
	assert.Same(t, client, conn.Client())

	built := newTestDingTalkConnector(t, nil)
	require.NotNil(t, built.Client())
	assert.Same(t, built.Client(), built.Client())
}

func TestDingTalkConnector_GetUniqueSessionKey(t *testing.T) {
	conn := newTestDingTalkConnector(t, &mockDingTalkReplier{})

	key, ok := conn.GetUniqueSessionKey(RawPayload(dingTalkCallback))
	assert.True(t, ok)
	assert.Equal(t, "cidQ1bCgzuEe8Mx0HM5dvsyJQ==", key)

	_, ok = conn.GetUniqueSessionKey(RawPayload(`{"msgtype":"text"}`))
	assert.False(t, ok)
}

func TestDingTalkConnector_MapRequestToEvents(t *testing.T) {
	conn := newTestDingTalkConnector(t, &mockDingTalkReplier{})

	events := conn.MapRequestToEvents(RawPayload(dingTalkCallback))
	require.Len(t, events, 1)
	event := events[0].(*DingTalkEvent)
	assert.Equal(t, KindText, event.Kind())
	assert.Equal(t, " hello", event.Text())
	assert.Equal(t, "manager123", event.SenderID())
	assert.Equal(t, "msgDkpMtnlLHqkHPEdgBzmi/Q==", event.MessageID())
	assert.True(t, event.IsInAtList())
	assert.False(t, event.IsBot())

	picture := strings.Replace(dingTalkCallback, `"msgtype": "text"`, `"msgtype": "picture"`, 1)
	events = conn.MapRequestToEvents(RawPayload(picture))
	require.Len(t, events, 1)
	assert.Equal(t, KindUnknown, events[0].Kind())

	assert.Empty(t, conn.MapRequestToEvents(RawPayload(`{}`)))
}

func TestDingTalkConnector_UpdateSession(t *testing.T) {
	conn := newTestDingTalkConnector(t, &mockDingTalkReplier{})

	session := NewSession("dingtalk", "cidQ1bCgzuEe8Mx0HM5dvsyJQ==")
	require.NoError(t, conn.UpdateSession(context.Background(), session, RawPayload(dingTalkCallback)))
	assert.Equal(t, "manager123", session.User.ID)
	assert.Equal(t, "Xiao Ming", session.User.Name)
	assert.True(t, session.User.IsAdmin)
	assert.Equal(t, "Robot Test", session.Channel.Name)
	assert.Equal(t, "group", session.Channel.Type)
	assert.Equal(t, session.User.UpdatedAt, session.Channel.UpdatedAt)

	anonymous := strings.NewReplacer(`"senderStaffId": "manager123",`, "", `"senderId": "$:LWCP_v1:$sender",`, "").Replace(dingTalkCallback)
	untouched := NewSession("dingtalk", "cidQ1bCgzuEe8Mx0HM5dvsyJQ==")
	require.NoError(t, conn.UpdateSession(context.Background(), untouched, RawPayload(anonymous)))
	assert.Nil(t, untouched.User)
	assert.Nil(t, untouched.Channel)
}

func TestDingTalkConnector_VerifySignature(t *testing.T) {
	conn := newTestDingTalkConnector(t, &mockDingTalkReplier{})
	sign := func(ts, secret string) string {
		return HMACSHA256Base64()([]byte(secret), []byte(ts+"\n"+secret))
	}
	request := func(ts, signature string) *Request {
		header := http.Header{}
		header.Set("timestamp", ts)
		header.Set("sign", signature)
		return &Request{Body: []byte(dingTalkCallback), Header: header, Payload: RawPayload(dingTalkCallback)}
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	stale := strconv.FormatInt(time.Now().Add(-2*time.Hour).UnixMilli(), 10)

	assert.True(t, conn.VerifySignature(request(now, sign(now, dingTalkAppSecret))))
	assert.False(t, conn.VerifySignature(request(now, sign(now, "other"))))
	assert.False(t, conn.VerifySignature(request(stale, sign(stale, dingTalkAppSecret))))
	assert.False(t, conn.VerifySignature(request("", sign(now, dingTalkAppSecret))))
}

func TestDingTalkConnector_CreateContext(t *testing.T) {
	client := &mockDingTalkReplier{}
	conn := newTestDingTalkConnector(t, client)
	event := conn.MapRequestToEvents(RawPayload(dingTalkCallback))[0]

	c := conn.CreateContext(ContextParams{Event: event, Session: NewSession("dingtalk", "cidQ1bCgzuEe8Mx0HM5dvsyJQ==")})
	assert.Equal(t, "cidQ1bCgzuEe8Mx0HM5dvsyJQ==", c.ReplyTarget())
	require.NoError(t, c.SendText(context.Background(), "pong"))
	assert.Equal(t, []string{"https://oapi.dingtalk.com/robot/sendBySession?session=c5d8a9a3 pong"}, client.replies)

	noWebhook := strings.Replace(dingTalkCallback, `"sessionWebhook": "https://oapi.dingtalk.com/robot/sendBySession?session=c5d8a9a3",`, "", 1)
	event = conn.MapRequestToEvents(RawPayload(noWebhook))[0]
	c = conn.CreateContext(ContextParams{Event: event, Session: NewSession("dingtalk", "cid")})
	assert.ErrorIs(t, c.SendText(context.Background(), "pong"), ErrNoReplyTarget)
}
