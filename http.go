package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"deepresearch/auth"
	"deepresearch/models"
	"deepresearch/providers"
	"deepresearch/stream"
)

const maxRequestBody = 1 << 20

// ChatRequest is the body of POST /api/chat
type ChatRequest struct {
	Message        string                       `json:"message"`
	History        []models.ConversationMessage `json:"history,omitempty"`
	Platform       string                       `json:"platform"`
	UserID         string                       `json:"user_id"`
	ChannelID      string                       `json:"channel_id"`
	ConversationID string                       `json:"conversation_id,omitempty"`
	AssistantID    string                       `json:"assistant_id,omitempty"`
}

// ChatResponse is the body returned by POST /api/chat
type ChatResponse struct {
	Status          string  `json:"status"`
	Response        string  `json:"response,omitempty"`
	Error           string  `json:"error,omitempty"`
	Platform        string  `json:"platform"`
	UserID          string  `json:"user_id"`
	ChannelID       string  `json:"channel_id"`
	ConversationID  string  `json:"conversation_id"`
	ProcessingTime  float64 `json:"processing_time"`
	Timestamp       int64   `json:"timestamp"`
	Source          string  `json:"source,omitempty"`
	TokensEstimated int     `json:"tokens_estimated"`
}

// RunRequest is the body of POST /api/runs/stream
type RunRequest struct {
	Message string `json:"message"`
	Input   struct {
		Messages []models.ConversationMessage `json:"messages"`
	} `json:"input"`
	AssistantID    string `json:"assistant_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
}

func newGatewayMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", handleChat)
	mux.HandleFunc("/api/runs/stream", handleRunsStream)
	mux.HandleFunc("/health", handleHealth)

	// Chat platform and integration webhooks
	mux.HandleFunc("/api/webhooks/telegram", handleTelegramWebhook)
	mux.HandleFunc("/api/webhooks/whatsapp", handleWhatsAppWebhook)
	mux.HandleFunc("/api/webhooks/incoming", handleIncomingWebhook)

	// Topology and audit endpoints
	mux.HandleFunc("/v1/assistants", handleListAssistants)
	mux.HandleFunc("/v1/endpoints", handleListEndpoints)
	mux.HandleFunc("/v1/endpoints/", handleGetEndpoint)
	mux.HandleFunc("/v1/conversations/", handleGetConversation)
	mux.Handle("/metrics", gatewayStats.handler(researchRouter))
	return mux
}

// StartHTTPServer serves the gateway until ctx is cancelled
func StartHTTPServer(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newGatewayMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown: %v", err)
		}
	}()

	log.Printf("[HTTP] Listening on :%d", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func setCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"status":    "error",
		"error":     message,
		"timestamp": time.Now().Unix(),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Method %s not allowed", r.Method))
}

// handleChat serves GET (health probe), POST (chat turn) and OPTIONS on /api/chat
func handleChat(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, POST, OPTIONS")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "success",
			"message":   "Deep Research API is working",
			"timestamp": time.Now().Unix(),
		})
	case http.MethodPost:
		handleChatTurn(w, r)
	default:
		methodNotAllowed(w, r, "GET, POST, OPTIONS")
	}
}

// requestIdentity is the caller behind an authorized request
type requestIdentity struct {
	UserID string
	Token  string // bearer forwarded upstream; empty for gateway keys
}

// authorizeRequest applies gateway keys and, when required, bearer
// validation. It returns a non-zero status when the request is rejected.
func authorizeRequest(r *http.Request) (requestIdentity, int, string) {
	var id requestIdentity

	if gatewayKeys.enabled() && !gatewayKeys.verify(apiKeyFromRequest(r)) {
		return id, http.StatusUnauthorized, "Invalid or missing API key"
	}

	if token := auth.BearerToken(r.Header.Get("Authorization")); !strings.HasPrefix(token, gatewayKeyPrefix) {
		id.Token = token
	}
	if !requireAuth {
		return id, 0, ""
	}
	if id.Token == "" {
		return id, http.StatusUnauthorized, models.MessageSignIn
	}
	if supabaseAuth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		user, err := supabaseAuth.ValidateToken(ctx, id.Token)
		if err != nil {
			log.Printf("[HTTP] Token validation failed: %v", err)
			if errors.Is(err, models.ErrAuthenticationRequired) {
				return id, http.StatusUnauthorized, models.MessageSignIn
			}
			return id, http.StatusInternalServerError, "Could not verify credentials"
		}
		id.UserID = user.ID
	}
	return id, 0, ""
}

func handleChatTurn(w http.ResponseWriter, r *http.Request) {
	if !rateLimitAllow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}
	identity, status, msg := authorizeRequest(r)
	if status != 0 {
		writeError(w, status, msg)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		log.Printf("[handleChatTurn] Failed to decode JSON: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	turn := &chatTurn{
		ConversationID: req.ConversationID,
		AssistantID:    req.AssistantID,
		Message:        req.Message,
		History:        req.History,
		Platform:       req.Platform,
		UserID:         req.UserID,
		ChannelID:      req.ChannelID,
		AuthToken:      identity.Token,
	}
	if turn.Platform == "" {
		turn.Platform = "web"
	}
	if identity.UserID != "" {
		turn.UserID = identity.UserID
	} else if turn.UserID == "" {
		turn.UserID = "anonymous"
	}
	if turn.ConversationID == "" {
		turn.ConversationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), getServiceDeadline("HTTP"))
	defer cancel()

	start := time.Now()
	ans, err := chatResponders.Respond(ctx, turn)
	elapsed := time.Since(start)

	resp := ChatResponse{
		Platform:       turn.Platform,
		UserID:         turn.UserID,
		ChannelID:      turn.ChannelID,
		ConversationID: turn.ConversationID,
		ProcessingTime: math.Round(elapsed.Seconds()*100) / 100,
		Timestamp:      time.Now().Unix(),
	}
	entry := TurnAuditEntry{
		ConversationID: turn.ConversationID,
		Surface:        "http",
		AssistantID:    turn.AssistantID,
		Platform:       turn.Platform,
		UserID:         turn.UserID,
		Input:          turn.Message,
		InputTokens:    estimateTokens(turn.Message),
		DurationMS:     elapsed.Milliseconds(),
	}

	if err != nil {
		log.Printf("[handleChatTurn] Conversation %s failed: %v", turn.ConversationID, err)
		entry.Source = "none"
		entry.Error = err.Error()
		LogTurn(entry)
		gatewayStats.observeTurn("http", "none", err)

		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrAuthenticationRequired) {
			status = http.StatusUnauthorized
		} else if errors.Is(err, models.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		resp.Status = "error"
		resp.Error = models.UserMessage(err)
		writeJSON(w, status, resp)
		return
	}

	formatted := formatForPlatform(ans.Text, turn.Platform)
	entry.Endpoint = ans.Endpoint
	entry.Shape = ans.Shape
	entry.Source = ans.Source
	entry.Attempts = ans.Attempts
	entry.Output = ans.Text
	entry.OutputTokens = estimateTokens(ans.Text)
	LogTurn(entry)
	gatewayStats.observeTurn("http", ans.Source, nil)

	resp.Status = "success"
	resp.Response = formatted
	resp.Source = ans.Source
	resp.TokensEstimated = estimateTokens(formatted)
	writeJSON(w, http.StatusOK, resp)
}

// handleRunsStream relays a research turn to the client as server-sent events
func handleRunsStream(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
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
	identity, status, msg := authorizeRequest(r)
	if status != 0 {
		writeError(w, status, msg)
		return
	}

	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			log.Printf("[handleRunsStream] Failed to marshal event: %v", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	message, history := req.Message, []models.ConversationMessage(nil)
	if n := len(req.Input.Messages); n > 0 {
		message = req.Input.Messages[n-1].Content
		history = req.Input.Messages[:n-1]
	}
	if strings.TrimSpace(message) == "" {
		send(map[string]string{"error": "No messages provided"})
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = req.ThreadID
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), getServiceDeadline("HTTP"))
	defer cancel()

	start := time.Now()
	entry := TurnAuditEntry{
		ConversationID: conversationID,
		Surface:        "relay",
		AssistantID:    req.AssistantID,
		UserID:         identity.UserID,
		Input:          message,
		InputTokens:    estimateTokens(message),
	}

	var full string
	var err error
	switch {
	case researchClient != nil:
		entry.Source = sourceResearch
		full, err = relayResearch(ctx, send, models.DispatchRequest{
			UserMessage: message,
			History:     history,
			AuthToken:   identity.Token,
			AssistantID: req.AssistantID,
			ThreadID:    conversationID,
			UserID:      identity.UserID,
		}, &entry)
	case baselineProvider != nil:
		entry.Source = sourceLive
		full, err = relayBaseline(ctx, send, history, message)
	default:
		entry.Source = "none"
		err = models.NewError(models.KindUpstreamUnavailable, "no research upstream configured", nil)
	}

	entry.Output = full
	entry.OutputTokens = estimateTokens(full)
	entry.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		log.Printf("[handleRunsStream] Conversation %s failed: %v", conversationID, err)
		entry.Error = err.Error()
		send(map[string]string{"error": models.UserMessage(err)})
	} else {
		send(map[string]string{"type": "complete", "content": full})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
	LogTurn(entry)
	gatewayStats.observeTurn("relay", entry.Source, err)
}

func relayResearch(ctx context.Context, send func(interface{}), req models.DispatchRequest, entry *TurnAuditEntry) (string, error) {
	text, result, err := collectTurn(ctx, researchClient, req, func(d stream.Delta) {
		kind := "chunk"
		if d.Kind == stream.KindReplace {
			kind = "replace"
		}
		send(map[string]string{"type": kind, "content": d.Text})
	})
	if result != nil {
		entry.Endpoint = result.Endpoint
		entry.Shape = string(result.Shape)
		entry.Attempts = len(result.Attempts)
	}
	return text, err
}

func relayBaseline(ctx context.Context, send func(interface{}), history []models.ConversationMessage, message string) (string, error) {
	chunks := make(chan providers.StreamChunk)
	errc := make(chan error, 1)
	go func() {
		errc <- baselineProvider.Stream(ctx, history, message, chunks)
	}()

	var full strings.Builder
	var streamErr error
	for chunk := range chunks {
		if chunk.Error != nil {
			streamErr = chunk.Error
			continue
		}
		if chunk.Data != "" {
			full.WriteString(chunk.Data)
			send(map[string]string{"type": "chunk", "content": chunk.Data})
		}
	}
	if err := <-errc; err != nil {
		return full.String(), err
	}
	return full.String(), streamErr
}

// handleHealth provides a health check endpoint
func handleHealth(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET, OPTIONS")
		return
	}

	health := map[string]interface{}{
		"status":    "success",
		"message":   "Deep Research gateway is running",
		"timestamp": time.Now().Unix(),
		"services": map[string]bool{
			"http": HTTP_PORT > 0,
			"dns":  DNS_PORT > 0,
		},
		"router":              GetRouterStatus(),
		"baseline_configured": baselineProvider != nil,
		"auth": map[string]bool{
			"require_auth":        requireAuth,
			"gateway_api_keys":    gatewayKeys.enabled(),
			"supabase_validation": supabaseAuth != nil,
		},
		"audit_logging": auditEnabled && turnAudit != nil,
	}
	if DNS_PORT > 0 {
		health["dns_zone"] = DNS_ZONE
	}

	writeJSON(w, http.StatusOK, health)
}
