package providers

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"deepresearch/models"
)

const (
	defaultPlatform  = "web"
	defaultUserID    = "web_user"
	defaultChannelID = "web_chat"
)

// MessageShape posts the user turn as a single message plus prior history
type MessageShape struct{}

func (MessageShape) Name() models.PayloadShape { return models.ShapeMessage }

func (MessageShape) TranslateRequest(ctx context.Context, req *models.DispatchRequest, endpoint *models.Endpoint, upstreamID string) (*ProviderRequest, error) {
	body := map[string]interface{}{
		"message":    req.UserMessage,
		"platform":   orDefault(req.Platform, defaultPlatform),
		"user_id":    orDefault(req.UserID, defaultUserID),
		"channel_id": orDefault(req.ChannelID, defaultChannelID),
		"history":    toWireMessages(req.History),
	}
	if endpoint.Streaming {
		body["stream"] = true
	}
	return newRequest(req, endpoint, body), nil
}

// InputMessagesShape posts a graph-run payload with thread configuration
type InputMessagesShape struct{}

func (InputMessagesShape) Name() models.PayloadShape { return models.ShapeInputMessages }

func (InputMessagesShape) TranslateRequest(ctx context.Context, req *models.DispatchRequest, endpoint *models.Endpoint, upstreamID string) (*ProviderRequest, error) {
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	body := map[string]interface{}{
		"assistant_id": upstreamID,
		"input": map[string]interface{}{
			"messages": toWireMessages(req.Messages()),
		},
		"config": map[string]interface{}{
			"configurable": map[string]interface{}{
				"thread_id": threadID,
			},
		},
		"stream_mode": "values",
		"stream":      true,
	}
	return newRequest(req, endpoint, body), nil
}

// SimplifiedShape posts the message list only, with no nested configuration
type SimplifiedShape struct{}

func (SimplifiedShape) Name() models.PayloadShape { return models.ShapeSimplified }

func (SimplifiedShape) TranslateRequest(ctx context.Context, req *models.DispatchRequest, endpoint *models.Endpoint, upstreamID string) (*ProviderRequest, error) {
	body := map[string]interface{}{
		"input": map[string]interface{}{
			"messages": toWireMessages(req.Messages()),
		},
	}
	if upstreamID != "" {
		body["assistant_id"] = upstreamID
	}
	return newRequest(req, endpoint, body), nil
}

// ShapeFor returns the strategy for a payload shape name
func ShapeFor(name models.PayloadShape) (Shape, error) {
	switch name {
	case models.ShapeMessage, "":
		return MessageShape{}, nil
	case models.ShapeInputMessages:
		return InputMessagesShape{}, nil
	case models.ShapeSimplified:
		return SimplifiedShape{}, nil
	default:
		return nil, fmt.Errorf("unknown payload shape: %s", name)
	}
}

// Simplified is the shape retried once after an endpoint rejects a payload with 422
func Simplified() Shape {
	return SimplifiedShape{}
}

func newRequest(req *models.DispatchRequest, endpoint *models.Endpoint, body map[string]interface{}) *ProviderRequest {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if endpoint.Streaming {
		headers["Accept"] = "text/event-stream"
	}

	switch endpoint.Auth.Type {
	case models.AuthAPIKey:
		if endpoint.Auth.APIKey != "" {
			headers["Authorization"] = "Bearer " + endpoint.Auth.APIKey
		}
	case models.AuthNone:
	default:
		if req.AuthToken != "" {
			headers["Authorization"] = "Bearer " + req.AuthToken
		}
	}

	for k, v := range endpoint.CustomHeaders {
		headers[k] = v
	}

	return &ProviderRequest{
		URL:     endpoint.URL(),
		Method:  "POST",
		Headers: headers,
		Body:    body,
		Timeout: endpoint.Timeout,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
