package conversation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"deepresearch/models"
	"deepresearch/stream"
)

// Status is the display state of a message
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ErrTurnInProgress is returned when Send is called before the previous turn ended
var ErrTurnInProgress = errors.New("a turn is already in progress")

// Message is a displayed conversation entry
type Message struct {
	ID        string      `json:"id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	Status    Status      `json:"status"`
	Error     string      `json:"error,omitempty"`
	Endpoint  string      `json:"endpoint,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Conversation keeps the history of one chat and runs its turns one at a time
type Conversation struct {
	ID          string
	AssistantID string
	UserID      string

	client *Client

	mu       sync.Mutex
	messages []Message
	busy     bool
}

// New starts an empty conversation
func New(client *Client, assistantID string) *Conversation {
	return &Conversation{
		ID:          uuid.NewString(),
		AssistantID: assistantID,
		client:      client,
	}
}

// Messages returns a copy of every displayed message
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// History returns the messages sent upstream as context: every user message
// and every completed assistant message, oldest first
func (c *Conversation) History() []models.ConversationMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLocked()
}

func (c *Conversation) historyLocked() []models.ConversationMessage {
	var out []models.ConversationMessage
	for _, m := range c.messages {
		if m.Role == models.RoleAssistant && m.Status != StatusCompleted {
			continue
		}
		out = append(out, models.ConversationMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// Send runs one turn. onUpdate, when set, observes the assistant message
// after every applied delta. A failed turn leaves the assistant message in
// the error state with user-facing text and the conversation usable.
func (c *Conversation) Send(ctx context.Context, text string, onUpdate func(Message)) (Message, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return Message{}, ErrTurnInProgress
	}
	c.busy = true
	history := c.historyLocked()
	c.messages = append(c.messages, Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   text,
		Status:    StatusCompleted,
		CreatedAt: time.Now(),
	})
	reply := Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	c.messages = append(c.messages, reply)
	index := len(c.messages) - 1
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.messages[index] = reply
		c.busy = false
		c.mu.Unlock()
	}()

	update := func() {
		c.mu.Lock()
		c.messages[index] = reply
		c.mu.Unlock()
		if onUpdate != nil {
			onUpdate(reply)
		}
	}
	fail := func(err error) (Message, error) {
		log.Printf("[Conversation] %s turn failed: %v", c.ID, err)
		reply.Status = StatusError
		reply.Content = models.UserMessage(err)
		reply.Error = err.Error()
		update()
		return reply, err
	}

	turn, err := c.client.Turn(ctx, models.DispatchRequest{
		UserMessage: text,
		History:     history,
		AssistantID: c.AssistantID,
		ThreadID:    c.ID,
		UserID:      c.UserID,
	})
	if err != nil {
		return fail(err)
	}
	defer turn.Close()

	reply.Endpoint = turn.Result.Endpoint
	reply.Status = StatusStreaming
	update()

	var buf stream.Buffer
	for {
		d, ok, err := turn.Next()
		if err != nil {
			return fail(err)
		}
		if !ok {
			break
		}
		reply.Content = buf.Apply(d)
		update()
	}

	reply.Status = StatusCompleted
	update()
	return reply, nil
}
