package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"deepresearch/conversation"
	"deepresearch/models"
	"deepresearch/providers"
	"deepresearch/routing"
	"deepresearch/stream"
)

// Answer sources reported to proxy callers
const (
	sourceResearch       = "Deep Research AI - Research Upstream"
	sourceLive           = "Deep Research AI - Live Research"
	sourceConfigRequired = "Deep Research AI - Configuration Required"
	sourceDemo           = "Deep Research AI - Demo Mode"
)

// chatTurn is one proxied chat request
type chatTurn struct {
	ConversationID string
	AssistantID    string
	Message        string
	History        []models.ConversationMessage
	Platform       string
	UserID         string
	ChannelID      string
	AuthToken      string
}

func (t *chatTurn) dispatchRequest() models.DispatchRequest {
	return models.DispatchRequest{
		UserMessage: t.Message,
		History:     t.History,
		AuthToken:   t.AuthToken,
		AssistantID: t.AssistantID,
		ThreadID:    t.ConversationID,
		Platform:    t.Platform,
		UserID:      t.UserID,
		ChannelID:   t.ChannelID,
	}
}

// answer is what a responder produced for a turn
type answer struct {
	Text     string
	Source   string
	Endpoint string
	Shape    string
	Attempts int
}

// Responder is one link of the proxy's decision chain
type Responder interface {
	// Name returns the responder identifier used in logs
	Name() string

	// Available reports whether the responder is configured
	Available() bool

	// Respond answers the turn or returns an error so the chain moves on
	Respond(ctx context.Context, turn *chatTurn) (*answer, error)
}

// ResponderChain tries responders in order until one answers
type ResponderChain struct {
	responders []Responder
}

// NewResponderChain creates a chain over the given responders
func NewResponderChain(responders ...Responder) *ResponderChain {
	c := &ResponderChain{}
	for _, r := range responders {
		c.responders = append(c.responders, r)
		log.Printf("[Responders] Registered responder: %s (available=%t)", r.Name(), r.Available())
	}
	return c
}

// Respond runs the chain. Authentication failures and cancellation stop it;
// any other failure falls through to the next available responder.
func (c *ResponderChain) Respond(ctx context.Context, turn *chatTurn) (*answer, error) {
	var lastErr error
	for _, r := range c.responders {
		if !r.Available() {
			continue
		}
		ans, err := r.Respond(ctx, turn)
		if err == nil {
			if debugMode {
				log.Printf("[Responders] %s answered conversation %s", r.Name(), turn.ConversationID)
			}
			return ans, nil
		}
		if errors.Is(err, models.ErrAuthenticationRequired) || errors.Is(err, models.ErrInvalidRequest) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Printf("[Responders] %s failed: %v", r.Name(), err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = models.NewError(models.KindUpstreamUnavailable, "no responder available", nil)
	}
	return nil, lastErr
}

// collectTurn runs one research turn to completion, reporting each delta
func collectTurn(ctx context.Context, client *conversation.Client, req models.DispatchRequest, onDelta func(stream.Delta)) (string, *routing.Result, error) {
	turn, err := client.Turn(ctx, req)
	if err != nil {
		return "", nil, err
	}
	defer turn.Close()

	gatewayStats.activeStreams.Inc()
	defer gatewayStats.activeStreams.Dec()

	var buf stream.Buffer
	for {
		d, ok, err := turn.Next()
		if err != nil {
			return buf.String(), turn.Result, err
		}
		if !ok {
			return buf.String(), turn.Result, nil
		}
		buf.Apply(d)
		gatewayStats.observeDelta(d)
		if onDelta != nil {
			onDelta(d)
		}
	}
}

// ResearchResponder answers through the research upstream
type ResearchResponder struct {
	client func() *conversation.Client
}

func (r *ResearchResponder) Name() string { return "research" }

func (r *ResearchResponder) Available() bool { return r.client() != nil }

func (r *ResearchResponder) Respond(ctx context.Context, turn *chatTurn) (*answer, error) {
	text, result, err := collectTurn(ctx, r.client(), turn.dispatchRequest(), nil)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, models.NewError(models.KindEmptyResponse, "research upstream returned no text", nil)
	}
	return &answer{
		Text:     text,
		Source:   sourceResearch,
		Endpoint: result.Endpoint,
		Shape:    string(result.Shape),
		Attempts: len(result.Attempts),
	}, nil
}

// BaselineResponder answers with an OpenAI-compatible chat completion
type BaselineResponder struct {
	provider func() *providers.OpenAIProvider
}

func (b *BaselineResponder) Name() string { return "baseline_openai" }

func (b *BaselineResponder) Available() bool { return b.provider() != nil }

func (b *BaselineResponder) Respond(ctx context.Context, turn *chatTurn) (*answer, error) {
	p := b.provider()
	text, err := p.Complete(ctx, turn.History, turn.Message)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		text = "Research analysis generated."
	}
	return &answer{Text: text, Source: sourceLive, Endpoint: "baseline", Shape: p.Model}, nil
}

// ConfigNoticeResponder explains how to configure the gateway when neither
// a research upstream nor a baseline key was set up
type ConfigNoticeResponder struct {
	configured func() bool
}

func (c *ConfigNoticeResponder) Name() string { return "config_notice" }

func (c *ConfigNoticeResponder) Available() bool { return !c.configured() }

func (c *ConfigNoticeResponder) Respond(ctx context.Context, turn *chatTurn) (*answer, error) {
	text := fmt.Sprintf(`# Deep Research Analysis: %q

## Configuration Notice
Your research assistant is running but needs an upstream to perform live research.

## Current Setup
- **Gateway**: Operational
- **Research Engine**: Needs configuration

## To Enable Full Research
1. Set LANGGRAPH_API_URL, or add endpoints.yaml to %s
2. Optionally set OPENAI_API_KEY for the baseline research model

---
*Generated at %s*`, turn.Message, gatewayConfigDir, time.Now().Format(time.DateTime))
	return &answer{Text: text, Source: sourceConfigRequired}, nil
}

// DemoResponder is the last resort when every live path failed
type DemoResponder struct{}

func (DemoResponder) Name() string { return "demo" }

func (DemoResponder) Available() bool { return true }

func (DemoResponder) Respond(ctx context.Context, turn *chatTurn) (*answer, error) {
	text := fmt.Sprintf(`# Research Analysis: %q

## Research Status
Your research assistant is operational but currently running in demo mode.

## Analysis Available
I can provide research analysis on %q once the research upstream is reachable again.

---
*Generated at %s*`, turn.Message, turn.Message, time.Now().Format(time.DateTime))
	return &answer{Text: text, Source: sourceDemo}, nil
}

// buildResponderChain wires the chain to the gateway globals. The
// responders read the globals on every turn so reinitialisation is seen.
func buildResponderChain() *ResponderChain {
	return NewResponderChain(
		&ResearchResponder{client: func() *conversation.Client { return researchClient }},
		&BaselineResponder{provider: func() *providers.OpenAIProvider { return baselineProvider }},
		&ConfigNoticeResponder{configured: func() bool { return researchConfigured || baselineProvider != nil }},
		DemoResponder{},
	)
}
