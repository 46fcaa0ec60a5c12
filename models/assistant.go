package models

import (
	"sort"
	"time"
)

// Assistant is a research workflow reachable through one or more endpoints
type Assistant struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	// UpstreamID is sent as assistant_id in graph-style payloads
	UpstreamID string `json:"upstream_id" yaml:"upstream_id"`

	// Endpoints lists endpoint IDs in declaration order
	Endpoints []string `json:"endpoints" yaml:"endpoints"`

	Default bool              `json:"default" yaml:"default"`
	Tags    map[string]string `json:"tags,omitempty" yaml:"tags"`

	CreatedAt time.Time `json:"created_at"`
}

// AssistantRegistry manages all assistants
type AssistantRegistry struct {
	assistants map[string]*Assistant
	defaultID  string
}

// NewAssistantRegistry creates a new assistant registry
func NewAssistantRegistry() *AssistantRegistry {
	return &AssistantRegistry{
		assistants: make(map[string]*Assistant),
	}
}

// Register adds an assistant. The first registered or any flagged
// Default assistant becomes the default.
func (r *AssistantRegistry) Register(a *Assistant) {
	r.assistants[a.ID] = a
	if r.defaultID == "" || a.Default {
		r.defaultID = a.ID
	}
}

// Get retrieves an assistant by ID; an empty ID resolves to the default
func (r *AssistantRegistry) Get(id string) (*Assistant, bool) {
	if id == "" {
		id = r.defaultID
	}
	a, exists := r.assistants[id]
	return a, exists
}

// DefaultID returns the default assistant ID
func (r *AssistantRegistry) DefaultID() string {
	return r.defaultID
}

// List returns all registered assistants ordered by ID
func (r *AssistantRegistry) List() []*Assistant {
	out := make([]*Assistant, 0, len(r.assistants))
	for _, a := range r.assistants {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
