package routing

import (
	"fmt"
	"sync"
	"time"

	"deepresearch/models"
)

// Router holds the upstream topology and per-endpoint runtime state
type Router struct {
	assistants map[string]*models.Assistant
	endpoints  map[string]*models.Endpoint
	defaultID  string

	mu            sync.RWMutex
	healthChecker *HealthChecker

	circuitBreakers  map[string]*CircuitBreaker
	breakerThreshold int
	breakerCooldown  time.Duration
}

// NewRouter creates a router whose endpoints open their breaker after
// threshold consecutive failures and probe again after cooldown
func NewRouter(threshold int, cooldown time.Duration) *Router {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Router{
		assistants:       make(map[string]*models.Assistant),
		endpoints:        make(map[string]*models.Endpoint),
		circuitBreakers:  make(map[string]*CircuitBreaker),
		breakerThreshold: threshold,
		breakerCooldown:  cooldown,
	}
}

// RegisterAssistant registers an assistant. The first one, or one flagged
// Default, is used when a request names no assistant.
func (r *Router) RegisterAssistant(assistant *models.Assistant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assistants[assistant.ID] = assistant
	if r.defaultID == "" || assistant.Default {
		r.defaultID = assistant.ID
	}
}

// RegisterEndpoint registers an endpoint
func (r *Router) RegisterEndpoint(endpoint *models.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[endpoint.ID] = endpoint

	if assistant, exists := r.assistants[endpoint.AssistantID]; exists && !contains(assistant.Endpoints, endpoint.ID) {
		assistant.Endpoints = append(assistant.Endpoints, endpoint.ID)
	}

	r.circuitBreakers[endpoint.ID] = NewCircuitBreaker(endpoint.ID, r.breakerThreshold, r.breakerCooldown)
}

// RoutingDecision is the ordered candidate list for one request
type RoutingDecision struct {
	RequestID   string             `json:"request_id"`
	AssistantID string             `json:"assistant_id"`
	UpstreamID  string             `json:"upstream_id"`
	Candidates  []*models.Endpoint `json:"candidates"`
	Skipped     []string           `json:"skipped,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// RouteRequest orders an assistant's endpoints by priority. Endpoints behind
// an open breaker or marked unavailable are skipped unless that would leave
// no candidate at all.
func (r *Router) RouteRequest(requestID, assistantID string) (*RoutingDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if assistantID == "" {
		assistantID = r.defaultID
	}
	assistant, exists := r.assistants[assistantID]
	if !exists {
		return nil, fmt.Errorf("assistant not found: %s", assistantID)
	}

	var all []*models.Endpoint
	for _, id := range assistant.Endpoints {
		if endpoint, ok := r.endpoints[id]; ok {
			all = append(all, endpoint)
		}
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no endpoints configured for assistant %s", assistantID)
	}
	models.SortByPriority(all)

	var available []*models.Endpoint
	var skipped []string
	for _, endpoint := range all {
		if cb, ok := r.circuitBreakers[endpoint.ID]; ok && !cb.Allow() {
			skipped = append(skipped, endpoint.ID)
			continue
		}
		if !endpoint.Status.Available {
			skipped = append(skipped, endpoint.ID)
			continue
		}
		available = append(available, endpoint)
	}
	if len(available) == 0 {
		available = all
		skipped = nil
	}

	upstreamID := assistant.UpstreamID
	if upstreamID == "" {
		upstreamID = assistant.ID
	}

	return &RoutingDecision{
		RequestID:   requestID,
		AssistantID: assistant.ID,
		UpstreamID:  upstreamID,
		Candidates:  available,
		Skipped:     skipped,
		Timestamp:   time.Now(),
	}, nil
}

// RecordSuccess records a 2xx response from an endpoint
func (r *Router) RecordSuccess(endpointID string, statusCode int, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if endpoint, exists := r.endpoints[endpointID]; exists {
		endpoint.Status.ConsecutiveFails = 0
		endpoint.Status.LastSuccessful = time.Now()
		endpoint.Status.Available = true
		endpoint.Metrics.SuccessRequests++
		endpoint.Metrics.TotalRequests++
		endpoint.Metrics.LastStatusCode = statusCode
		endpoint.Metrics.LastUpdated = time.Now()
		updateLatency(&endpoint.Metrics, latency)
	}

	if cb, exists := r.circuitBreakers[endpointID]; exists {
		cb.RecordSuccess()
	}
}

// RecordFailure records a failed attempt. statusCode is zero for transport errors.
func (r *Router) RecordFailure(endpointID string, statusCode int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if endpoint, exists := r.endpoints[endpointID]; exists {
		endpoint.Status.ConsecutiveFails++
		endpoint.Status.ErrorMessage = reason
		endpoint.Metrics.FailedRequests++
		endpoint.Metrics.TotalRequests++
		endpoint.Metrics.LastStatusCode = statusCode
		endpoint.Metrics.LastUpdated = time.Now()
		switch statusCode {
		case 404:
			endpoint.Metrics.NotFound++
		case 422:
			endpoint.Metrics.Unprocessable++
		}
	}

	if cb, exists := r.circuitBreakers[endpointID]; exists {
		cb.RecordFailure()
	}
}

// Endpoints returns a snapshot of every endpoint
func (r *Router) Endpoints() []models.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*models.Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		list = append(list, e)
	}
	models.SortByPriority(list)

	out := make([]models.Endpoint, 0, len(list))
	for _, e := range list {
		out = append(out, *e)
	}
	return out
}

// Endpoint returns a snapshot of one endpoint
func (r *Router) Endpoint(id string) (models.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[id]
	if !ok {
		return models.Endpoint{}, false
	}
	return *e, true
}

// Assistants returns a snapshot of every assistant
func (r *Router) Assistants() []models.Assistant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Assistant, 0, len(r.assistants))
	for _, a := range r.assistants {
		out = append(out, *a)
	}
	return out
}

// DefaultAssistantID returns the assistant used when a request names none
func (r *Router) DefaultAssistantID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// BreakerState returns the breaker state for an endpoint
func (r *Router) BreakerState(endpointID string) BreakerState {
	r.mu.RLock()
	cb, ok := r.circuitBreakers[endpointID]
	r.mu.RUnlock()
	if !ok {
		return BreakerClosed
	}
	return cb.State()
}

// SetHealthChecker attaches a health checker so it can be stopped with the router
func (r *Router) SetHealthChecker(hc *HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthChecker = hc
}

// Close stops background work
func (r *Router) Close() {
	r.mu.RLock()
	hc := r.healthChecker
	r.mu.RUnlock()
	if hc != nil {
		hc.Stop()
	}
}

func updateLatency(m *models.EndpointMetrics, latency time.Duration) {
	ms := float64(latency.Milliseconds())
	if m.AverageLatency == 0 {
		m.AverageLatency = ms
		return
	}
	m.AverageLatency = m.AverageLatency*0.9 + ms*0.1
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
