package main

import (
	"net/http"
	"sort"
	"strings"

	"deepresearch/models"
)

// EndpointResponse for API responses
type EndpointResponse struct {
	ID          string                 `json:"id"`
	Object      string                 `json:"object"`
	AssistantID string                 `json:"assistant_id"`
	URL         string                 `json:"url"`
	Shape       models.PayloadShape    `json:"shape"`
	Streaming   bool                   `json:"streaming"`
	Priority    int                    `json:"priority"`
	Timeout     string                 `json:"timeout"`
	Auth        models.AuthType        `json:"auth"`
	Breaker     string                 `json:"breaker"`
	Status      models.EndpointStatus  `json:"status"`
	Metrics     models.EndpointMetrics `json:"metrics"`
	Tags        map[string]string      `json:"tags,omitempty"`
}

// AssistantResponse for API responses
type AssistantResponse struct {
	ID          string   `json:"id"`
	Object      string   `json:"object"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	UpstreamID  string   `json:"upstream_id"`
	Default     bool     `json:"default"`
	Endpoints   []string `json:"endpoints"`
	Created     int64    `json:"created"`
}

func endpointResponse(e models.Endpoint) EndpointResponse {
	return EndpointResponse{
		ID:          e.ID,
		Object:      "endpoint",
		AssistantID: e.AssistantID,
		URL:         e.URL(),
		Shape:       e.Shape,
		Streaming:   e.Streaming,
		Priority:    e.Priority,
		Timeout:     e.Timeout.String(),
		Auth:        e.Auth.Type,
		Breaker:     string(researchRouter.BreakerState(e.ID)),
		Status:      e.Status,
		Metrics:     e.Metrics,
		Tags:        e.Tags,
	}
}

// readOnly applies CORS and rejects everything but GET. It reports whether
// the handler should continue.
func readOnly(w http.ResponseWriter, r *http.Request) bool {
	setCORS(w, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return false
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET, OPTIONS")
		return false
	}
	return true
}

// handleListEndpoints handles GET /v1/endpoints
func handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	if researchRouter == nil {
		writeError(w, http.StatusServiceUnavailable, "Research router not initialized")
		return
	}

	endpoints := researchRouter.Endpoints()
	data := make([]EndpointResponse, 0, len(endpoints))
	for _, e := range endpoints {
		data = append(data, endpointResponse(e))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

// handleGetEndpoint handles GET /v1/endpoints/:id
func handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	if researchRouter == nil {
		writeError(w, http.StatusServiceUnavailable, "Research router not initialized")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/endpoints/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Endpoint ID required")
		return
	}
	e, ok := researchRouter.Endpoint(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}
	writeJSON(w, http.StatusOK, endpointResponse(e))
}

// handleListAssistants handles GET /v1/assistants
func handleListAssistants(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	if researchRouter == nil {
		writeError(w, http.StatusServiceUnavailable, "Research router not initialized")
		return
	}

	defaultID := researchRouter.DefaultAssistantID()
	assistants := researchRouter.Assistants()
	sort.Slice(assistants, func(i, j int) bool { return assistants[i].ID < assistants[j].ID })
	data := make([]AssistantResponse, 0, len(assistants))
	for _, a := range assistants {
		data = append(data, AssistantResponse{
			ID:          a.ID,
			Object:      "assistant",
			Name:        a.Name,
			Description: a.Description,
			UpstreamID:  a.UpstreamID,
			Default:     a.ID == defaultID,
			Endpoints:   a.Endpoints,
			Created:     a.CreatedAt.Unix(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

// handleGetConversation handles GET /v1/conversations/:id from the turn audit log
func handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if !readOnly(w, r) {
		return
	}
	if !auditEnabled || turnAudit == nil {
		writeError(w, http.StatusServiceUnavailable, "Turn audit is disabled")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Conversation ID required")
		return
	}
	turns, err := ConversationHistory(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read conversation")
		return
	}
	if len(turns) == 0 {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"turns":           turns,
	})
}
