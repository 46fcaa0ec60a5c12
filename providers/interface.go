package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"deepresearch/models"
)

// Shape translates a dispatch request into one upstream payload layout
type Shape interface {
	// Name returns the payload shape this strategy produces
	Name() models.PayloadShape

	// TranslateRequest builds the request for endpoint. upstreamID is the
	// assistant identifier the upstream knows the workflow by.
	TranslateRequest(ctx context.Context, req *models.DispatchRequest, endpoint *models.Endpoint, upstreamID string) (*ProviderRequest, error)
}

// Message is a chat message on the wire
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProviderRequest is the request to send upstream
type ProviderRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    interface{}
	Timeout time.Duration
}

// StreamChunk represents a streaming response chunk
type StreamChunk struct {
	Data  string
	Error error
	Done  bool
}

// NewHTTPRequest marshals req into an *http.Request bound to ctx
func NewHTTPRequest(ctx context.Context, req *ProviderRequest) (*http.Request, error) {
	jsonBody, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func toWireMessages(history []models.ConversationMessage) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		out = append(out, Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
