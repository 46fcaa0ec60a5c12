package models

import (
	"strings"
	"time"
)

// Role identifies who authored a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMessage is one entry of a conversation history.
// Entries are immutable once appended; history is ordered oldest first.
type ConversationMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DispatchRequest carries a single user turn to the dispatcher
type DispatchRequest struct {
	UserMessage string                `json:"message"`
	History     []ConversationMessage `json:"history"`
	AuthToken   string                `json:"-"`

	// AssistantID selects the candidate list; empty uses the default assistant
	AssistantID string `json:"assistant_id,omitempty"`
	// ThreadID is sent as config.configurable.thread_id where the payload shape allows it
	ThreadID string `json:"thread_id,omitempty"`

	// Caller identity forwarded by message-style payloads
	Platform  string `json:"platform,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Messages returns the history followed by the user turn
func (r DispatchRequest) Messages() []ConversationMessage {
	out := make([]ConversationMessage, 0, len(r.History)+1)
	out = append(out, r.History...)
	out = append(out, ConversationMessage{Role: RoleUser, Content: r.UserMessage})
	return out
}

// Validate checks the request before any network call is made
func (r DispatchRequest) Validate() error {
	if strings.TrimSpace(r.UserMessage) == "" {
		return NewError(KindInvalidRequest, "message is required", nil)
	}
	return nil
}

// AttemptOutcome records how a single dispatch attempt ended
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
)

// DispatchAttempt is a transient record of one (endpoint, shape) try
type DispatchAttempt struct {
	EndpointID string         `json:"endpoint_id"`
	Shape      string         `json:"shape"`
	StatusCode int            `json:"status_code,omitempty"`
	Outcome    AttemptOutcome `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Duration   time.Duration  `json:"duration"`
}
