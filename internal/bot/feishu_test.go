package bot

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feishuMessageEvent = `{
	"schema": "2.0",
	"header": {
		"event_id": "5e3702a84e847582be8db7fb73283c02",
		"event_type": "im.message.receive_v1",
		"create_time": "1608725989000",
		"token": "rvaYgkND1GOiu5MM0E1rncYC6PLtF7JV",
		"app_id": "cli_9f5343c580712544",
		"tenant_key": "2ca1d211f64f6438"
	},
	"event": {
		"sender": {
			"sender_id": {"union_id": "on_8ed6aa67826108097d9ee143816345", "user_id": "e33ggbyz", "open_id": "ou_84aad35d084aa403a838cf73ee18467"},
			"sender_type": "user",
			"tenant_key": "2ca1d211f64f6438"
		},
		"message": {
			"message_id": "om_5ce6d572455d361153b7cb51da133945",
			"create_time": "1609073151345",
			"chat_id": "oc_5ce6d572455d361153b7xx51da133945",
			"chat_type": "group",
			"message_type": "text",
			"content": "{\"text\":\"@_user_1 hello\"}"
		}
	}
}`

const feishuURLVerification = `{"challenge":"ajls384kdjx98XX","token":"rvaYgkND1GOiu5MM0E1rncYC6PLtF7JV","type":"url_verification"}`

type mockFeishuClient struct {
	mu    sync.Mutex
	calls []string
	user  *larkcontact.User
	chat  *larkim.GetChatRespData
	err   error
}

func (m *mockFeishuClient) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockFeishuClient) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockFeishuClient) GetUser(_ context.Context, openID string) (*larkcontact.User, error) {
	m.record("user:" + openID)
	return m.user, nil
}

func (m *mockFeishuClient) GetChat(_ context.Context, chatID string) (*larkim.GetChatRespData, error) {
	m.record("chat:" + chatID)
	if m.err != nil {
		return nil, m.err
	}
	return m.chat, nil
}

func (m *mockFeishuClient) SendText(_ context.Context, chatID, text string) error {
	m.record("send:" + chatID + ":" + text)
	return nil
}

func strPtr(s string) *string { return &s }

func newTestFeishuConnector(t *testing.T, client FeishuClient, token string) *FeishuConnector {
	t.Helper()
	conn, err := NewFeishuConnector(FeishuConfig{
		AppID:             "cli_9f5343c580712544",
		AppSecret:         "app-secret",
		VerificationToken: token,
		AllowUnverified:   token == "",
		Client:            client,
	})
	require.NoError(t, err)
	return conn
}

func TestNewFeishuConnector_Errors(t *testing.T) {
	_, err := NewFeishuConnector(FeishuConfig{AppID: "cli_1", AllowUnverified: true})
	assert.ErrorIs(t, err, ErrMissingAccessToken)

	_, err = NewFeishuConnector(FeishuConfig{AppID: "cli_1", AppSecret: "secret"})
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = NewFeishuConnector(FeishuConfig{AppID: "cli_1", AppSecret: "secret", EncryptKey: "key"})
	assert.NoError(t, err)
}

func TestFeishuConnector_PlatformAndClient(t *testing.T) {
	client := &mockFeishuClient{}
	conn := newTestFeishuConnector(t, client, "")
	assert.Equal(t, "feishu", conn.Platform())
	assert.Same(t, client, conn.Client())

	built := newTestFeishuConnector(t, nil, "token")
	assert.Same(t, built.Client(), built.Client())
}

func TestFeishuConnector_GetUniqueSessionKey(t *testing.T) {
	conn := newTestFeishuConnector(t, &mockFeishuClient{}, "")

	key, ok := conn.GetUniqueSessionKey(RawPayload(feishuMessageEvent))
	assert.True(t, ok)
	assert.Equal(t, "oc_5ce6d572455d361153b7xx51da133945", key)

	_, ok = conn.GetUniqueSessionKey(RawPayload(feishuURLVerification))
	assert.False(t, ok)

	_, ok = conn.GetUniqueSessionKey(RawPayload(`{"schema":"2.0","header":{"event_type":"contact.user.created_v3"},"event":{}}`))
	assert.False(t, ok)
}

func TestFeishuConnector_MapRequestToEvents(t *testing.T) {
	conn := newTestFeishuConnector(t, &mockFeishuClient{}, "")

	events := conn.MapRequestToEvents(RawPayload(feishuMessageEvent))
	require.Len(t, events, 1)
	event := events[0].(*FeishuEvent)
	assert.Equal(t, KindText, event.Kind())
	assert.Equal(t, "@_user_1 hello", event.Text())
	assert.Equal(t, "ou_84aad35d084aa403a838cf73ee18467", event.SenderID())
	assert.Equal(t, "oc_5ce6d572455d361153b7xx51da133945", event.ChannelID())
	assert.Equal(t, "5e3702a84e847582be8db7fb73283c02", event.EventID())
	assert.Equal(t, "im.message.receive_v1", event.EventType())
	assert.Equal(t, "om_5ce6d572455d361153b7cb51da133945", event.MessageID())
	assert.Equal(t, "text", event.MessageType())
	assert.False(t, event.IsBot())

	bot := strings.Replace(feishuMessageEvent, `"sender_type": "user"`, `"sender_type": "app"`, 1)
	events = conn.MapRequestToEvents(RawPayload(bot))
	require.Len(t, events, 1)
	assert.Equal(t, KindBotMessage, events[0].Kind())
	assert.True(t, events[0].IsBot())

	events = conn.MapRequestToEvents(RawPayload(`{"schema":"2.0","header":{"event_id":"e1","event_type":"im.chat.disbanded_v1"},"event":{"chat_id":"oc_1"}}`))
	require.Len(t, events, 1)
	assert.Equal(t, KindUnknown, events[0].Kind())

	assert.Empty(t, conn.MapRequestToEvents(RawPayload(feishuURLVerification)))
	assert.Empty(t, conn.MapRequestToEvents(RawPayload(`{"encrypt":"FIAfJPGRmFZWkaxPQ1XrJZVbv2JwdjfLk4jx0k/U1deAqYK3AXOZ5zcHt/cC4ZNTqYwWUW/EoL+b2hW/C4zoAQQ=="}`)))
}

func TestFeishuConnector_UpdateSession(t *testing.T) {
	t.Run("merges user and chat", func(t *testing.T) {
		client := &mockFeishuClient{
			user: &larkcontact.User{Name: strPtr("Zhang San"), EnName: strPtr("San Zhang")},
			chat: &larkim.GetChatRespData{Name: strPtr("project")},
		}
		conn := newTestFeishuConnector(t, client, "")
		session := NewSession("feishu", "oc_5ce6d572455d361153b7xx51da133945")

		require.NoError(t, conn.UpdateSession(context.Background(), session, RawPayload(feishuMessageEvent)))

		assert.ElementsMatch(t, []string{
			"user:ou_84aad35d084aa403a838cf73ee18467",
			"chat:oc_5ce6d572455d361153b7xx51da133945",
		}, client.called())
		assert.Equal(t, "ou_84aad35d084aa403a838cf73ee18467", session.User.ID)
		assert.Equal(t, "Zhang San", session.User.Name)
		assert.Equal(t, "project", session.Channel.Name)
		assert.Equal(t, "group", session.Channel.Type)
		assert.Equal(t, "2ca1d211f64f6438", session.Team.ID)
	})

	t.Run("app sender is skipped", func(t *testing.T) {
		client := &mockFeishuClient{}
		conn := newTestFeishuConnector(t, client, "")
		bot := strings.Replace(feishuMessageEvent, `"sender_type": "user"`, `"sender_type": "app"`, 1)
		session := NewSession("feishu", "oc_1")

		require.NoError(t, conn.UpdateSession(context.Background(), session, RawPayload(bot)))
		assert.Empty(t, client.called())
		assert.Nil(t, session.User)
	})

	t.Run("failed lookup merges nothing", func(t *testing.T) {
		client := &mockFeishuClient{err: errors.New("bot is not in the chat")}
		conn := newTestFeishuConnector(t, client, "")
		session := NewSession("feishu", "oc_1")

		require.Error(t, conn.UpdateSession(context.Background(), session, RawPayload(feishuMessageEvent)))
		assert.Nil(t, session.User)
		assert.Nil(t, session.Channel)
		assert.Nil(t, session.Team)
	})
}

func TestFeishuConnector_VerifySignature(t *testing.T) {
	t.Run("token scheme", func(t *testing.T) {
		conn := newTestFeishuConnector(t, &mockFeishuClient{}, "rvaYgkND1GOiu5MM0E1rncYC6PLtF7JV")

		assert.True(t, conn.VerifySignature(&Request{Payload: RawPayload(feishuMessageEvent)}))
		assert.True(t, conn.VerifySignature(&Request{Payload: RawPayload(feishuURLVerification)}))

		wrong := strings.Replace(feishuMessageEvent, "rvaYgkND1GOiu5MM0E1rncYC6PLtF7JV", "forged", 1)
		assert.False(t, conn.VerifySignature(&Request{Payload: RawPayload(wrong)}))
		assert.False(t, conn.VerifySignature(&Request{Payload: RawPayload(`garbage`)}))
	})

	t.Run("signed scheme", func(t *testing.T) {
		const encryptKey = "lark-encrypt-key"
		conn, err := NewFeishuConnector(FeishuConfig{
			AppID:      "cli_1",
			AppSecret:  "secret",
			EncryptKey: encryptKey,
			Client:     &mockFeishuClient{},
		})
		require.NoError(t, err)

		body := []byte(feishuMessageEvent)
		request := func(ts, nonce string, signedBody []byte) *Request {
			header := http.Header{}
			header.Set("X-Lark-Request-Timestamp", ts)
			header.Set("X-Lark-Request-Nonce", nonce)
			header.Set("X-Lark-Signature", SHA256Hex()(nil, []byte(ts+nonce+encryptKey+string(signedBody))))
			return &Request{Body: body, Header: header, Payload: body}
		}

		now := strconv.FormatInt(time.Now().Unix(), 10)
		stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

		assert.True(t, conn.VerifySignature(request(now, "13000000", body)))
		assert.False(t, conn.VerifySignature(request(now, "13000000", []byte("{}"))))
		assert.False(t, conn.VerifySignature(request(stale, "13000000", body)))
	})
}

// feishuEncrypt encrypts plain the way Feishu does for subscriptions with an
// encrypt key: AES-256-CBC under sha256(key), IV prepended, base64 encoded
func feishuEncrypt(t *testing.T, key, plain string) string {
	t.Helper()
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	require.NoError(t, err)

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	data := append([]byte(plain), bytes.Repeat([]byte{byte(pad)}, pad)...)
	iv := bytes.Repeat([]byte{7}, aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return base64.StdEncoding.EncodeToString(append(iv, out...))
}

func TestFeishuConnector_EncryptedDeliveries(t *testing.T) {
	const encryptKey = "lark-encrypt-key"
	client := &mockFeishuClient{
		user: &larkcontact.User{Name: strPtr("Zhang San")},
		chat: &larkim.GetChatRespData{Name: strPtr("project")},
	}
	conn, err := NewFeishuConnector(FeishuConfig{
		AppID:      "cli_1",
		AppSecret:  "secret",
		EncryptKey: encryptKey,
		Client:     client,
	})
	require.NoError(t, err)

	t.Run("message event", func(t *testing.T) {
		body := []byte(`{"encrypt":"` + feishuEncrypt(t, encryptKey, feishuMessageEvent) + `"}`)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		header := http.Header{}
		header.Set("X-Lark-Request-Timestamp", ts)
		header.Set("X-Lark-Request-Nonce", "42")
		header.Set("X-Lark-Signature", SHA256Hex()(nil, []byte(ts+"42"+encryptKey+string(body))))
		assert.True(t, conn.VerifySignature(&Request{Body: body, Header: header, Payload: body}))

		_, ok := conn.Handshake(RawPayload(body))
		assert.False(t, ok)

		key, ok := conn.GetUniqueSessionKey(RawPayload(body))
		require.True(t, ok)
		assert.Equal(t, "oc_5ce6d572455d361153b7xx51da133945", key)

		events := conn.MapRequestToEvents(RawPayload(body))
		require.Len(t, events, 1)
		assert.Equal(t, KindText, events[0].Kind())
		assert.Equal(t, "@_user_1 hello", events[0].Text())
		assert.JSONEq(t, feishuMessageEvent, string(events[0].RawPayload()))

		session := NewSession("feishu", key)
		require.NoError(t, conn.UpdateSession(context.Background(), session, RawPayload(body)))
		require.NotNil(t, session.User)
		assert.Equal(t, "Zhang San", session.User.Name)
	})

	t.Run("url verification", func(t *testing.T) {
		body := []byte(`{"encrypt":"` + feishuEncrypt(t, encryptKey, feishuURLVerification) + `"}`)
		assert.True(t, conn.VerifySignature(&Request{Body: body, Header: http.Header{}, Payload: body}))

		response, ok := conn.Handshake(RawPayload(body))
		require.True(t, ok)
		assert.JSONEq(t, `{"challenge":"ajls384kdjx98XX"}`, string(response))
	})

	t.Run("wrong key", func(t *testing.T) {
		body := []byte(`{"encrypt":"` + feishuEncrypt(t, "other-key", feishuURLVerification) + `"}`)
		assert.False(t, conn.VerifySignature(&Request{Body: body, Header: http.Header{}, Payload: body}))
		_, ok := conn.Handshake(RawPayload(body))
		assert.False(t, ok)
	})

	t.Run("undecodable", func(t *testing.T) {
		body := RawPayload(`{"encrypt":"not base64!"}`)
		assert.Empty(t, conn.MapRequestToEvents(body))
		_, ok := conn.GetUniqueSessionKey(body)
		assert.False(t, ok)
	})
}

func TestFeishuConnector_Handshake(t *testing.T) {
	conn := newTestFeishuConnector(t, &mockFeishuClient{}, "")

	body, ok := conn.Handshake(RawPayload(feishuURLVerification))
	require.True(t, ok)
	assert.JSONEq(t, `{"challenge":"ajls384kdjx98XX"}`, string(body))

	_, ok = conn.Handshake(RawPayload(feishuMessageEvent))
	assert.False(t, ok)
}

func TestFeishuConnector_CreateContext(t *testing.T) {
	client := &mockFeishuClient{}
	conn := newTestFeishuConnector(t, client, "")
	event := conn.MapRequestToEvents(RawPayload(feishuMessageEvent))[0]

	c := conn.CreateContext(ContextParams{Event: event, Session: NewSession("feishu", "oc_5ce6d572455d361153b7xx51da133945")})
	require.NoError(t, c.SendText(context.Background(), "hi"))
	assert.Equal(t, []string{"send:oc_5ce6d572455d361153b7xx51da133945:hi"}, client.called())
}
