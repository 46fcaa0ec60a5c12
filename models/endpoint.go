package models

import (
	"sort"
	"strings"
	"time"
)

// Endpoint is one upstream candidate an assistant can be reached through
type Endpoint struct {
	// Identification
	ID          string `json:"id" yaml:"id"`
	AssistantID string `json:"assistant_id" yaml:"assistant_id"`

	// Location
	BaseURL string `json:"base_url" yaml:"base_url"`
	Path    string `json:"path" yaml:"path"`

	// Contract
	Shape     PayloadShape `json:"shape" yaml:"shape"`
	Streaming bool         `json:"streaming" yaml:"streaming"` // Accept text/event-stream

	// Routing
	Priority int           `json:"priority" yaml:"priority"` // Lower is tried first
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`

	Auth          AuthConfig        `json:"auth" yaml:"auth"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty" yaml:"custom_headers,omitempty"`

	// Runtime state
	Status  EndpointStatus  `json:"status"`
	Metrics EndpointMetrics `json:"metrics"`

	Tags      map[string]string `json:"tags,omitempty" yaml:"tags"`
	CreatedAt time.Time         `json:"created_at"`
}

// URL joins the base URL and path
func (e *Endpoint) URL() string {
	if e.Path == "" {
		return e.BaseURL
	}
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(e.Path, "/")
}

// PayloadShape names the request body layout an endpoint accepts
type PayloadShape string

const (
	// ShapeMessage posts {message, platform, user_id, channel_id, history}
	ShapeMessage PayloadShape = "message"
	// ShapeInputMessages posts {assistant_id, input:{messages}, config:{configurable:{thread_id}}, stream}
	ShapeInputMessages PayloadShape = "input_messages"
	// ShapeSimplified posts {assistant_id, input:{messages}} only
	ShapeSimplified PayloadShape = "simplified"
)

// AuthType defines how an endpoint is authenticated
type AuthType string

const (
	// AuthBearer forwards the caller's bearer credential
	AuthBearer AuthType = "bearer"
	// AuthAPIKey sends a configured key as a bearer credential
	AuthAPIKey AuthType = "api_key"
	AuthNone   AuthType = "none"
)

// AuthConfig for an endpoint
type AuthConfig struct {
	Type   AuthType `json:"type" yaml:"type"`
	APIKey string   `json:"-"` // Never serialize
}

// EndpointStatus tracks endpoint health
type EndpointStatus struct {
	Available        bool          `json:"available"`
	Healthy          bool          `json:"healthy"`
	LastHealthCheck  time.Time     `json:"last_health_check"`
	LastSuccessful   time.Time     `json:"last_successful"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	ResponseTime     time.Duration `json:"response_time"`
}

// EndpointMetrics tracks dispatch outcomes
type EndpointMetrics struct {
	TotalRequests   int64 `json:"total_requests"`
	SuccessRequests int64 `json:"success_requests"`
	FailedRequests  int64 `json:"failed_requests"`
	NotFound        int64 `json:"not_found"`
	Unprocessable   int64 `json:"unprocessable"`

	AverageLatency float64 `json:"average_latency"` // milliseconds

	LastStatusCode int       `json:"last_status_code"`
	LastUpdated    time.Time `json:"last_updated"`
}

// EndpointRegistry manages all endpoints
type EndpointRegistry struct {
	endpoints map[string]*Endpoint
}

// NewEndpointRegistry creates a new endpoint registry
func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{
		endpoints: make(map[string]*Endpoint),
	}
}

// Register adds an endpoint to the registry
func (r *EndpointRegistry) Register(endpoint *Endpoint) {
	r.endpoints[endpoint.ID] = endpoint
}

// Get retrieves an endpoint by ID
func (r *EndpointRegistry) Get(id string) (*Endpoint, bool) {
	endpoint, exists := r.endpoints[id]
	return endpoint, exists
}

// List returns all endpoints ordered by ID
func (r *EndpointRegistry) List() []*Endpoint {
	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetByAssistant returns all endpoints for an assistant, lowest priority first
func (r *EndpointRegistry) GetByAssistant(assistantID string) []*Endpoint {
	var out []*Endpoint
	for _, e := range r.endpoints {
		if e.AssistantID == assistantID {
			out = append(out, e)
		}
	}
	SortByPriority(out)
	return out
}

// GetHealthy returns all healthy endpoints
func (r *EndpointRegistry) GetHealthy() []*Endpoint {
	var out []*Endpoint
	for _, e := range r.endpoints {
		if e.Status.Healthy && e.Status.Available {
			out = append(out, e)
		}
	}
	return out
}

// SortByPriority orders endpoints by priority, then ID, in place
func SortByPriority(endpoints []*Endpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Priority != endpoints[j].Priority {
			return endpoints[i].Priority < endpoints[j].Priority
		}
		return endpoints[i].ID < endpoints[j].ID
	})
}
