package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"deepresearch/models"
)

const (
	signaturePrefix      = "sha256="
	webhookHistoryTurns  = 10
	outgoingWebhookAgent = "Deep-Research-Webhook/1.0"
)

// Webhook settings, set by initializeWebhooks
var (
	webhookSecret       string
	outgoingWebhookURLs []string
	webhookHTTPClient   = &http.Client{Timeout: 10 * time.Second}
)

func initializeWebhooks() {
	webhookSecret = os.Getenv("WEBHOOK_SECRET")
	outgoingWebhookURLs = nil
	for _, u := range strings.Split(os.Getenv("OUTGOING_WEBHOOK_URLS"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			outgoingWebhookURLs = append(outgoingWebhookURLs, u)
		}
	}
	initializeTelegram()
	initializeWhatsApp()

	log.Printf("[Webhooks] telegram=%t whatsapp=%t incoming_signed=%t outgoing=%d",
		telegramBot != nil, whatsappClient != nil, webhookSecret != "", len(outgoingWebhookURLs))
}

// signPayload returns the sha256= HMAC of body under secret
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// validSignature checks a sha256= HMAC header in constant time
func validSignature(secret string, body []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(signPayload(secret, body)), []byte(header))
}

// splitMessage cuts text into parts of at most max runes. Every part after
// the first is numbered "(i/n)" followed by sep.
func splitMessage(text string, max int, sep string) []string {
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := min(max, len(runes))
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	for i := 1; i < len(parts); i++ {
		parts[i] = fmt.Sprintf("(%d/%d)%s%s", i+1, len(parts), sep, parts[i])
	}
	return parts
}

// auditHistory rebuilds recent conversation history from the turn audit
// log so chat platforms keep context between webhook calls
func auditHistory(conversationID string) []models.ConversationMessage {
	if !auditEnabled || turnAudit == nil {
		return nil
	}
	turns, err := ConversationHistory(conversationID)
	if err != nil {
		log.Printf("[Webhooks] Cannot load history for %s: %v", conversationID, err)
		return nil
	}
	if len(turns) > webhookHistoryTurns {
		turns = turns[len(turns)-webhookHistoryTurns:]
	}
	var history []models.ConversationMessage
	for _, t := range turns {
		history = append(history, models.ConversationMessage{Role: models.RoleUser, Content: t.Input})
		if t.Error == "" && t.Output != "" {
			history = append(history, models.ConversationMessage{Role: models.RoleAssistant, Content: t.Output})
		}
	}
	return history
}

// runPlatformTurn answers a webhook turn through the responder chain and
// formats it for turn.Platform. Failures come back as the user-facing text.
func runPlatformTurn(ctx context.Context, surface string, turn *chatTurn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, getServiceDeadline("WEBHOOK"))
	defer cancel()

	turn.History = auditHistory(turn.ConversationID)

	start := time.Now()
	ans, err := chatResponders.Respond(ctx, turn)
	entry := TurnAuditEntry{
		ConversationID: turn.ConversationID,
		Surface:        surface,
		AssistantID:    turn.AssistantID,
		Platform:       turn.Platform,
		UserID:         turn.UserID,
		Input:          turn.Message,
		InputTokens:    estimateTokens(turn.Message),
		DurationMS:     time.Since(start).Milliseconds(),
	}
	if err != nil {
		log.Printf("[Webhooks] %s turn for %s failed: %v", surface, turn.ConversationID, err)
		entry.Source = "none"
		entry.Error = err.Error()
		LogTurn(entry)
		gatewayStats.observeTurn(surface, "none", err)
		return models.UserMessage(err), err
	}

	entry.Endpoint = ans.Endpoint
	entry.Shape = ans.Shape
	entry.Source = ans.Source
	entry.Attempts = ans.Attempts
	entry.Output = ans.Text
	entry.OutputTokens = estimateTokens(ans.Text)
	LogTurn(entry)
	gatewayStats.observeTurn(surface, ans.Source, nil)
	return formatForPlatform(ans.Text, turn.Platform), nil
}

// IncomingWebhook is the body of POST /api/webhooks/incoming
type IncomingWebhook struct {
	Type         string                 `json:"type"`
	Message      string                 `json:"message"`
	UserID       string                 `json:"user_id"`
	SourceSystem string                 `json:"source_system"`
	ChannelID    string                 `json:"channel_id"`
	EventType    string                 `json:"event_type"`
	EventData    map[string]interface{} `json:"event_data"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// handleIncomingWebhook runs research turns for external systems. When
// WEBHOOK_SECRET is set every body must carry a matching X-Webhook-Signature.
func handleIncomingWebhook(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Webhook-Signature")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST, OPTIONS")
		return
	}
	if !rateLimitAllow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}
	if gatewayKeys.enabled() && !gatewayKeys.verify(apiKeyFromRequest(r)) {
		writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if sig := r.Header.Get("X-Webhook-Signature"); webhookSecret != "" || sig != "" {
		if !validSignature(webhookSecret, body, sig) {
			writeError(w, http.StatusUnauthorized, "Invalid webhook signature")
			return
		}
	}

	var hook IncomingWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if hook.Type == "" {
		hook.Type = "message"
	}
	if hook.UserID == "" {
		hook.UserID = "webhook_user"
	}
	if hook.SourceSystem == "" {
		hook.SourceSystem = "external"
	}
	if hook.ChannelID == "" {
		hook.ChannelID = "webhook"
	}
	if hook.Type == "message" && strings.TrimSpace(hook.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message is required in webhook payload")
		return
	}

	start := time.Now()
	var result map[string]interface{}
	switch hook.Type {
	case "message":
		channel := hook.SourceSystem + "_" + hook.ChannelID
		text, err := runPlatformTurn(r.Context(), "webhook", &chatTurn{
			ConversationID: "webhook-" + channel,
			Message:        hook.Message,
			Platform:       "webhook",
			UserID:         hook.UserID,
			ChannelID:      channel,
		})
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"status":       "error",
				"error":        text,
				"webhook_type": hook.Type,
				"timestamp":    time.Now().Unix(),
			})
			return
		}
		result = map[string]interface{}{"research_response": text, "message_processed": true}
		sendOutgoingWebhooks(r.Context(), map[string]interface{}{
			"type":             "research_response",
			"original_message": hook.Message,
			"response":         text,
			"user_id":          hook.UserID,
			"source_system":    hook.SourceSystem,
			"channel_id":       hook.ChannelID,
			"metadata":         hook.Metadata,
		})
	case "event":
		log.Printf("[Webhooks] Event %q from %s", hook.EventType, hook.SourceSystem)
		switch hook.EventType {
		case "user_action":
			result = map[string]interface{}{"event_processed": true, "action_logged": true}
		case "system_alert":
			result = map[string]interface{}{"alert_received": true, "status": "acknowledged"}
		default:
			result = map[string]interface{}{"event_type": hook.EventType, "status": "received"}
		}
	default:
		result = map[string]interface{}{"webhook_received": true, "source_system": hook.SourceSystem}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"webhook_type":    hook.Type,
		"response":        result,
		"user_id":         hook.UserID,
		"source_system":   hook.SourceSystem,
		"processing_time": math.Round(time.Since(start).Seconds()*100) / 100,
		"timestamp":       time.Now().Unix(),
	})
}

// sendOutgoingWebhooks posts data to every OUTGOING_WEBHOOK_URLS target,
// signed with WEBHOOK_SECRET when one is set
func sendOutgoingWebhooks(ctx context.Context, data map[string]interface{}) {
	if len(outgoingWebhookURLs) == 0 {
		return
	}
	data["webhook_timestamp"] = time.Now().Unix()
	body, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Webhooks] Failed to encode outgoing webhook: %v", err)
		return
	}
	for _, target := range outgoingWebhookURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			log.Printf("[Webhooks] Bad outgoing webhook URL %s: %v", target, err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", outgoingWebhookAgent)
		if webhookSecret != "" {
			req.Header.Set("X-Webhook-Signature", signPayload(webhookSecret, body))
		}
		resp, err := webhookHTTPClient.Do(req)
		if err != nil {
			log.Printf("[Webhooks] Outgoing webhook to %s failed: %v", target, err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Printf("[Webhooks] Outgoing webhook to %s returned %d", target, resp.StatusCode)
		}
	}
}
