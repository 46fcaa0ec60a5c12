package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatures(t *testing.T) {
	body := []byte(`{"message":"hi"}`)
	sig := signPayload("s3cret", body)

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)
	assert.True(t, validSignature("s3cret", body, sig))
	assert.False(t, validSignature("other", body, sig))
	assert.False(t, validSignature("s3cret", []byte(`{"message":"bye"}`), sig))
	assert.False(t, validSignature("s3cret", body, strings.TrimPrefix(sig, "sha256=")))
	assert.False(t, validSignature("", body, sig))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10, " "))

	parts := splitMessage(strings.Repeat("a", 25), 10, "\n\n")
	require.Len(t, parts, 3)
	assert.Equal(t, strings.Repeat("a", 10), parts[0])
	assert.Equal(t, "(2/3)\n\n"+strings.Repeat("a", 10), parts[1])
	assert.Equal(t, "(3/3)\n\n"+strings.Repeat("a", 5), parts[2])

	// runes, not bytes
	parts = splitMessage(strings.Repeat("é", 6), 3, " ")
	require.Len(t, parts, 2)
	assert.Equal(t, "ééé", parts[0])
	assert.Equal(t, "(2/2) ééé", parts[1])
}

func TestIncomingWebhookMessage(t *testing.T) {
	var (
		mu       sync.Mutex
		received []map[string]interface{}
	)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var data map[string]interface{}
		_ = json.Unmarshal(body, &data)
		mu.Lock()
		received = append(received, data)
		mu.Unlock()
		assert.True(t, validSignature("s3cret", body, r.Header.Get("X-Webhook-Signature")))
		assert.Equal(t, outgoingWebhookAgent, r.Header.Get("User-Agent"))
	}))
	defer target.Close()

	f := setupGateway(t, valuesStream("## Findings\n\nIt **works**."))
	webhookSecret = "s3cret"
	outgoingWebhookURLs = []string{target.URL}

	body := `{"message":"does it work?","user_id":"u1","source_system":"crm","channel_id":"c9","metadata":{"ticket":7}}`
	rec := serve(f, http.MethodPost, "/api/webhooks/incoming", body, map[string]string{
		"X-Webhook-Signature": signPayload("s3cret", []byte(body)),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode(t, rec)
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "message", resp["webhook_type"])
	assert.Equal(t, "u1", resp["user_id"])
	assert.Equal(t, "crm", resp["source_system"])
	result := resp["response"].(map[string]interface{})
	assert.Equal(t, "## Findings\n\nIt **works**.", result["research_response"])
	assert.Equal(t, true, result["message_processed"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "research_response", received[0]["type"])
	assert.Equal(t, "does it work?", received[0]["original_message"])
	assert.Equal(t, "c9", received[0]["channel_id"])
	assert.Equal(t, map[string]interface{}{"ticket": float64(7)}, received[0]["metadata"])
	assert.NotNil(t, received[0]["webhook_timestamp"])
}

func TestIncomingWebhookSignatureRequired(t *testing.T) {
	f := setupGateway(t, valuesStream("answer"))
	webhookSecret = "s3cret"
	body := `{"message":"hi"}`

	rec := serve(f, http.MethodPost, "/api/webhooks/incoming", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid webhook signature", decode(t, rec)["error"])

	rec = serve(f, http.MethodPost, "/api/webhooks/incoming", body, map[string]string{
		"X-Webhook-Signature": signPayload("wrong", []byte(body)),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// a signature that cannot be checked is rejected too
	webhookSecret = ""
	rec = serve(f, http.MethodPost, "/api/webhooks/incoming", body, map[string]string{
		"X-Webhook-Signature": signPayload("s3cret", []byte(body)),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(f, http.MethodPost, "/api/webhooks/incoming", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIncomingWebhookValidation(t *testing.T) {
	f := setupGateway(t, valuesStream("answer"))

	rec := serve(f, http.MethodPost, "/api/webhooks/incoming", `{"message":"  "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Message is required in webhook payload", decode(t, rec)["error"])

	rec = serve(f, http.MethodPost, "/api/webhooks/incoming", `{bad`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(f, http.MethodGet, "/api/webhooks/incoming", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(f, http.MethodOptions, "/api/webhooks/incoming", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Webhook-Signature")
}

func TestIncomingWebhookEvents(t *testing.T) {
	f := setupGateway(t, nil)

	tests := []struct {
		name string
		body string
		want map[string]interface{}
	}{
		{"user action", `{"type":"event","event_type":"user_action"}`,
			map[string]interface{}{"event_processed": true, "action_logged": true}},
		{"system alert", `{"type":"event","event_type":"system_alert"}`,
			map[string]interface{}{"alert_received": true, "status": "acknowledged"}},
		{"other event", `{"type":"event","event_type":"deploy"}`,
			map[string]interface{}{"event_type": "deploy", "status": "received"}},
		{"unknown type", `{"type":"ping","source_system":"monitor"}`,
			map[string]interface{}{"webhook_received": true, "source_system": "monitor"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(f, http.MethodPost, "/api/webhooks/incoming", tt.body, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			resp := decode(t, rec)
			assert.Equal(t, tt.want, resp["response"])
			assert.Equal(t, "webhook_user", resp["user_id"])
		})
	}
}

func TestIncomingWebhookTurnFailure(t *testing.T) {
	f := setupGateway(t, nil)
	chatResponders = NewResponderChain()

	rec := serve(f, http.MethodPost, "/api/webhooks/incoming", `{"message":"hi"}`, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "message", resp["webhook_type"])
	assert.NotEmpty(t, resp["error"])
}

func TestIncomingWebhookCarriesHistory(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	upstream := valuesStream("Paris.")
	f := setupGateway(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		upstream(w, r)
	}, withAudit(t))

	for _, msg := range []string{"capital of France?", "and its population?"} {
		rec := serve(f, http.MethodPost, "/api/webhooks/incoming",
			fmt.Sprintf(`{"message":%q,"source_system":"crm","channel_id":"c1"}`, msg), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.NotContains(t, bodies[0], "Paris.")
	assert.Contains(t, bodies[1], "capital of France?")
	assert.Contains(t, bodies[1], "Paris.")
	assert.Contains(t, bodies[1], "and its population?")

	turns, err := ConversationHistory("webhook-crm_c1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "webhook", turns[0].Surface)
	assert.Equal(t, "webhook", turns[0].Platform)
}

type fakeTelegram struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
}

func (b *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeTelegram) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeTelegram) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.sent {
		out = append(out, m.Text)
	}
	return out
}

func telegramUpdate(text string) string {
	msg := map[string]interface{}{
		"message_id": 1,
		"date":       0,
		"from":       map[string]interface{}{"id": 42, "is_bot": false, "first_name": "Ada"},
		"chat":       map[string]interface{}{"id": 100, "type": "private"},
		"text":       text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.SplitN(text, " ", 2)[0]
		msg["entities"] = []map[string]interface{}{{"type": "bot_command", "offset": 0, "length": len(cmd)}}
	}
	b, _ := json.Marshal(map[string]interface{}{"update_id": 1, "message": msg})
	return string(b)
}

func TestTelegramCommands(t *testing.T) {
	f := setupGateway(t, nil)
	bot := &fakeTelegram{}
	telegramBot = bot

	for _, cmd := range []string{"/start", "/help", "/about", "/research", "/bogus"} {
		rec := serve(f, http.MethodPost, "/api/webhooks/telegram", telegramUpdate(cmd), nil)
		require.Equal(t, http.StatusOK, rec.Code, cmd)
	}

	texts := bot.texts()
	require.Len(t, texts, 5)
	assert.Equal(t, telegramWelcome, texts[0])
	assert.Equal(t, telegramHelp, texts[1])
	assert.Equal(t, telegramAbout, texts[2])
	assert.Contains(t, texts[3], "Please provide a question after /research")
	assert.Contains(t, texts[4], "Unknown command")
	for _, m := range bot.sent {
		assert.Equal(t, int64(100), m.ChatID)
		assert.Equal(t, tgbotapi.ModeMarkdown, m.ParseMode)
	}
}

func TestTelegramResearch(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	upstream := valuesStream("## Result\n\n**Done**")
	f := setupGateway(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		upstream(w, r)
	}, withAudit(t))
	bot := &fakeTelegram{}
	telegramBot = bot

	rec := serve(f, http.MethodPost, "/api/webhooks/telegram", telegramUpdate("/research solar sails"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(f, http.MethodPost, "/api/webhooks/telegram", telegramUpdate("what about costs?"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"*Result*\n\n**Done**", "*Result*\n\n**Done**"}, bot.texts())

	bot.mu.Lock()
	require.Len(t, bot.requests, 2)
	action, ok := bot.requests[0].(tgbotapi.ChatActionConfig)
	bot.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, tgbotapi.ChatTyping, action.Action)

	mu.Lock()
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], "solar sails")
	assert.Contains(t, bodies[1], "solar sails")
	mu.Unlock()

	turns, err := ConversationHistory("telegram-100")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "42", turns[0].UserID)
}

func TestTelegramCallbackAndInlineQuery(t *testing.T) {
	f := setupGateway(t, valuesStream("Answer"))
	bot := &fakeTelegram{}
	telegramBot = bot

	callback := `{"update_id":2,"callback_query":{"id":"cb1","from":{"id":42,"is_bot":false,"first_name":"Ada"},` +
		`"message":{"message_id":5,"date":0,"chat":{"id":100,"type":"private"}},"data":"research_black_holes"}}`
	rec := serve(f, http.MethodPost, "/api/webhooks/telegram", callback, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Answer"}, bot.texts())

	inline := `{"update_id":3,"inline_query":{"id":"iq1","from":{"id":42,"is_bot":false,"first_name":"Ada"},"query":"fusion","offset":""}}`
	rec = serve(f, http.MethodPost, "/api/webhooks/telegram", inline, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	bot.mu.Lock()
	defer bot.mu.Unlock()
	require.Len(t, bot.requests, 3)
	cb, ok := bot.requests[0].(tgbotapi.CallbackConfig)
	require.True(t, ok)
	assert.Equal(t, "cb1", cb.CallbackQueryID)
	ic, ok := bot.requests[2].(tgbotapi.InlineConfig)
	require.True(t, ok)
	assert.Equal(t, "iq1", ic.InlineQueryID)
	require.Len(t, ic.Results, 1)
	article := ic.Results[0].(tgbotapi.InlineQueryResultArticle)
	assert.Equal(t, "Research: fusion", article.Title)
}

func TestTelegramWebhookGuards(t *testing.T) {
	f := setupGateway(t, nil)

	rec := serve(f, http.MethodPost, "/api/webhooks/telegram", telegramUpdate("/start"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	bot := &fakeTelegram{}
	telegramBot = bot
	telegramSecretToken = "tg-secret"

	rec = serve(f, http.MethodPost, "/api/webhooks/telegram", telegramUpdate("/start"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = serve(f, http.MethodPost, "/api/webhooks/telegram", telegramUpdate("/start"),
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, bot.texts(), 1)

	rec = serve(f, http.MethodGet, "/api/webhooks/telegram", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// graphServer stands in for the WhatsApp Cloud API messages endpoint
func graphServer(t *testing.T) (*httptest.Server, func() []whatsAppOutgoing) {
	var (
		mu   sync.Mutex
		sent []whatsAppOutgoing
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/12345/messages", r.URL.Path)
		assert.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		var msg whatsAppOutgoing
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		sent = append(sent, msg)
		mu.Unlock()
		fmt.Fprint(w, `{"messages":[{"id":"wamid.1"}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []whatsAppOutgoing {
		mu.Lock()
		defer mu.Unlock()
		return append([]whatsAppOutgoing(nil), sent...)
	}
}

func TestWhatsAppVerification(t *testing.T) {
	f := setupGateway(t, nil)
	whatsappVerifyToken = "verify-me"

	rec := serve(f, http.MethodGet, "/api/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1158201444", rec.Body.String())

	rec = serve(f, http.MethodGet, "/api/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	whatsappVerifyToken = ""
	rec = serve(f, http.MethodGet, "/api/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWhatsAppMessage(t *testing.T) {
	f := setupGateway(t, valuesStream("## Summary\n\nSee **this** [source](https://example.com)."))
	graph, sent := graphServer(t)
	whatsappClient = &whatsAppClient{baseURL: graph.URL, phoneNumberID: "12345", accessToken: "wa-token", client: graph.Client()}
	whatsappAppSecret = "app-secret"

	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"messages":[` +
		`{"from":"15550001111","id":"m1","type":"text","text":{"body":"what is new?"}},` +
		`{"from":"15550001111","id":"m2","type":"image"}]}}]}]}`

	rec := serve(f, http.MethodPost, "/api/webhooks/whatsapp", body, map[string]string{
		"X-Hub-Signature-256": signPayload("app-secret", []byte(body)),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	msgs := sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "whatsapp", msgs[0].MessagingProduct)
	assert.Equal(t, "15550001111", msgs[0].To)
	assert.Equal(t, "*Summary*\n\nSee *this* source.", msgs[0].Text.Body)

	rec = serve(f, http.MethodPost, "/api/webhooks/whatsapp", body, map[string]string{
		"X-Hub-Signature-256": signPayload("wrong", []byte(body)),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Len(t, sent(), 1)
}

func TestWhatsAppLongAnswerIsSplit(t *testing.T) {
	f := setupGateway(t, valuesStream(strings.Repeat("x", whatsappMaxMessageLen+10)))
	graph, sent := graphServer(t)
	whatsappClient = &whatsAppClient{baseURL: graph.URL, phoneNumberID: "12345", accessToken: "wa-token", client: graph.Client()}

	body := `{"entry":[{"changes":[{"value":{"messages":[{"from":"1555","id":"m1","type":"text","text":{"body":"long please"}}]}}]}]}`
	rec := serve(f, http.MethodPost, "/api/webhooks/whatsapp", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	msgs := sent()
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[0].Text.Body, whatsappMaxMessageLen)
	assert.Equal(t, "(2/2) "+strings.Repeat("x", 10), msgs[1].Text.Body)
}

func TestWhatsAppNotConfigured(t *testing.T) {
	f := setupGateway(t, nil)

	rec := serve(f, http.MethodPost, "/api/webhooks/whatsapp", `{"entry":[]}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(f, http.MethodDelete, "/api/webhooks/whatsapp", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
