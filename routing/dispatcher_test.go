package routing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/models"
	"deepresearch/routing"
)

type upstream struct {
	mu    sync.Mutex
	hits  map[string]int
	paths map[string]http.HandlerFunc
}

func newUpstream(t *testing.T, paths map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	u := &upstream{hits: map[string]int{}, paths: paths}
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)
	return srv
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.hits[r.URL.Path]++
	u.mu.Unlock()
	if h, ok := u.paths[r.URL.Path]; ok {
		h(w, r)
		return
	}
	http.NotFound(w, r)
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"detail":"status %d"}`, code)
	}
}

func buildRouter(baseURL string, endpoints ...*models.Endpoint) *routing.Router {
	r := routing.NewRouter(5, time.Minute)
	r.RegisterAssistant(&models.Assistant{ID: "research", UpstreamID: "deep_researcher"})
	for i, e := range endpoints {
		e.AssistantID = "research"
		e.BaseURL = baseURL
		e.Priority = i
		e.Status.Available = true
		r.RegisterEndpoint(e)
	}
	return r
}

func turn() *models.DispatchRequest {
	return &models.DispatchRequest{UserMessage: "What is quantum computing?"}
}

func TestDispatchFallbackOn404(t *testing.T) {
	var cHits int32
	srv := newUpstream(t, map[string]http.HandlerFunc{
		"/a": status(http.StatusNotFound),
		"/b": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status":"success","response":"from b"}`)
		},
		"/c": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&cHits, 1)
		},
	})
	router := buildRouter(srv.URL,
		&models.Endpoint{ID: "A", Path: "/a", Shape: models.ShapeMessage},
		&models.Endpoint{ID: "B", Path: "/b", Shape: models.ShapeMessage},
		&models.Endpoint{ID: "C", Path: "/c", Shape: models.ShapeMessage},
	)

	res, err := routing.NewDispatcher(router, srv.Client(), routing.DefaultPolicy()).Dispatch(context.Background(), turn())
	require.NoError(t, err)
	defer res.Response.Body.Close()

	assert.Equal(t, "B", res.Endpoint)
	assert.Equal(t, int32(0), atomic.LoadInt32(&cHits))
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, 404, res.Attempts[0].StatusCode)
	assert.Equal(t, models.OutcomeFailure, res.Attempts[0].Outcome)
	assert.Equal(t, models.OutcomeSuccess, res.Attempts[1].Outcome)

	body, err := io.ReadAll(res.Response.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "from b")

	a, _ := router.Endpoint("A")
	assert.EqualValues(t, 1, a.Metrics.NotFound)
}

func TestDispatchRetriesSimplifiedShapeOn422(t *testing.T) {
	var nextHits int32
	srv := newUpstream(t, map[string]http.HandlerFunc{
		"/runs/stream": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if _, nested := body["config"]; nested {
				w.WriteHeader(http.StatusUnprocessableEntity)
				fmt.Fprint(w, `{"detail":"config not allowed"}`)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: values\ndata: {\"messages\":[{\"role\":\"assistant\",\"content\":\"ok\"}]}\n\n")
		},
		"/next": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&nextHits, 1)
		},
	})
	router := buildRouter(srv.URL,
		&models.Endpoint{ID: "A", Path: "/runs/stream", Shape: models.ShapeInputMessages, Streaming: true},
		&models.Endpoint{ID: "B", Path: "/next", Shape: models.ShapeMessage},
	)

	res, err := routing.NewDispatcher(router, srv.Client(), routing.DefaultPolicy()).Dispatch(context.Background(), turn())
	require.NoError(t, err)
	defer res.Response.Body.Close()

	assert.Equal(t, "A", res.Endpoint)
	assert.Equal(t, models.ShapeSimplified, res.Shape)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&nextHits))
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, 422, res.Attempts[0].StatusCode)

	a, ok := router.Endpoint("A")
	require.True(t, ok)
	assert.Equal(t, 0, a.Status.ConsecutiveFails)
	assert.Equal(t, int64(0), a.Metrics.FailedRequests)
	assert.Equal(t, int64(1), a.Metrics.SuccessRequests)
}

func TestDispatch422RetriedOnlyOnce(t *testing.T) {
	var aHits int32
	srv := newUpstream(t, map[string]http.HandlerFunc{
		"/a": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&aHits, 1)
			w.WriteHeader(http.StatusUnprocessableEntity)
		},
		"/b": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"response":"b"}`)
		},
	})
	router := buildRouter(srv.URL,
		&models.Endpoint{ID: "A", Path: "/a", Shape: models.ShapeInputMessages},
		&models.Endpoint{ID: "B", Path: "/b", Shape: models.ShapeMessage},
	)

	res, err := routing.NewDispatcher(router, srv.Client(), routing.DefaultPolicy()).Dispatch(context.Background(), turn())
	require.NoError(t, err)
	res.Response.Body.Close()
	assert.Equal(t, "B", res.Endpoint)
	assert.Equal(t, int32(2), atomic.LoadInt32(&aHits))

	// the rejected attempt and its retry are one failure for the breaker
	a, ok := router.Endpoint("A")
	require.True(t, ok)
	assert.Equal(t, 1, a.Status.ConsecutiveFails)
	assert.Equal(t, int64(1), a.Metrics.FailedRequests)
	assert.Equal(t, int64(1), a.Metrics.Unprocessable)
}

func TestDispatchExhaustion(t *testing.T) {
	srv := newUpstream(t, map[string]http.HandlerFunc{
		"/a": status(http.StatusInternalServerError),
		"/b": status(http.StatusServiceUnavailable),
	})
	router := buildRouter(srv.URL,
		&models.Endpoint{ID: "A", Path: "/a"},
		&models.Endpoint{ID: "B", Path: "/b"},
	)

	_, err := routing.NewDispatcher(router, srv.Client(), routing.DefaultPolicy()).Dispatch(context.Background(), turn())
	require.ErrorIs(t, err, models.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "B returned 503")
	assert.Equal(t, models.MessageTryAgain, models.UserMessage(err))
}

func TestDispatchTransportErrorAdvances(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	srv := newUpstream(t, map[string]http.HandlerFunc{
		"/ok": func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"response":"ok"}`) },
	})
	router := buildRouter(srv.URL,
		&models.Endpoint{ID: "dead", Path: "/ok"},
		&models.Endpoint{ID: "live", Path: "/ok"},
	)
	// Point the first candidate at the closed server.
	router.RegisterEndpoint(&models.Endpoint{ID: "dead", AssistantID: "research", BaseURL: deadURL, Path: "/ok", Priority: 0, Status: models.EndpointStatus{Available: true}})

	res, err := routing.NewDispatcher(router, nil, routing.DefaultPolicy()).Dispatch(context.Background(), turn())
	require.NoError(t, err)
	res.Response.Body.Close()
	assert.Equal(t, "live", res.Endpoint)
	assert.Equal(t, 0, res.Attempts[0].StatusCode)
}

func TestDispatchRequiresAuthBeforeNetwork(t *testing.T) {
	var hits int32
	srv := newUpstream(t, map[string]http.HandlerFunc{
		"/a": func(w http.ResponseWriter, r *http.Request) { atomic.AddInt32(&hits, 1) },
	})
	router := buildRouter(srv.URL, &models.Endpoint{ID: "A", Path: "/a"})

	policy := routing.DefaultPolicy()
	policy.RequireAuth = true
	_, err := routing.NewDispatcher(router, srv.Client(), policy).Dispatch(context.Background(), turn())
	require.ErrorIs(t, err, models.ErrAuthenticationRequired)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
	assert.Equal(t, models.MessageSignIn, models.UserMessage(err))
}

func TestDispatchForwardsBearerToken(t *testing.T) {
	srv := newUpstream(t, map[string]http.HandlerFunc{
		"/a": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer session-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			fmt.Fprint(w, `{"response":"ok"}`)
		},
	})
	router := buildRouter(srv.URL, &models.Endpoint{ID: "A", Path: "/a", Auth: models.AuthConfig{Type: models.AuthBearer}})

	req := turn()
	req.AuthToken = "session-token"
	policy := routing.DefaultPolicy()
	policy.RequireAuth = true
	res, err := routing.NewDispatcher(router, srv.Client(), policy).Dispatch(context.Background(), req)
	require.NoError(t, err)
	res.Response.Body.Close()
}

func TestDispatchRejectsEmptyMessage(t *testing.T) {
	router := buildRouter("http://127.0.0.1:1", &models.Endpoint{ID: "A"})
	_, err := routing.NewDispatcher(router, nil, routing.DefaultPolicy()).Dispatch(context.Background(), &models.DispatchRequest{UserMessage: "  "})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestDispatchHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newUpstream(t, map[string]http.HandlerFunc{
		"/slow": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
		"/fast": func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"response":"fast"}`) },
	})
	defer close(release)
	router := buildRouter(srv.URL,
		&models.Endpoint{ID: "slow", Path: "/slow", Timeout: 50 * time.Millisecond},
		&models.Endpoint{ID: "fast", Path: "/fast"},
	)

	res, err := routing.NewDispatcher(router, srv.Client(), routing.DefaultPolicy()).Dispatch(context.Background(), turn())
	require.NoError(t, err)
	res.Response.Body.Close()
	assert.Equal(t, "fast", res.Endpoint)
	assert.Contains(t, res.Attempts[0].Reason, "deadline exceeded")
}

func TestDispatchCancelled(t *testing.T) {
	router := buildRouter("http://127.0.0.1:1", &models.Endpoint{ID: "A"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := routing.NewDispatcher(router, nil, routing.DefaultPolicy()).Dispatch(ctx, turn())
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingObserver struct {
	attempts []models.DispatchAttempt
}

func (o *recordingObserver) ObserveAttempt(assistantID string, a models.DispatchAttempt) {
	o.attempts = append(o.attempts, a)
}

func TestDispatchObserverAndBreaker(t *testing.T) {
	srv := newUpstream(t, map[string]http.HandlerFunc{
		"/down": status(http.StatusBadGateway),
		"/up":   func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"response":"up"}`) },
	})
	router := routing.NewRouter(2, time.Hour)
	router.RegisterAssistant(&models.Assistant{ID: "research"})
	router.RegisterEndpoint(&models.Endpoint{ID: "down", AssistantID: "research", BaseURL: srv.URL, Path: "/down", Priority: 1, Status: models.EndpointStatus{Available: true}})
	router.RegisterEndpoint(&models.Endpoint{ID: "up", AssistantID: "research", BaseURL: srv.URL, Path: "/up", Priority: 2, Status: models.EndpointStatus{Available: true}})

	obs := &recordingObserver{}
	d := routing.NewDispatcher(router, srv.Client(), routing.DefaultPolicy()).WithObserver(obs)
	for i := 0; i < 2; i++ {
		res, err := d.Dispatch(context.Background(), turn())
		require.NoError(t, err)
		res.Response.Body.Close()
	}
	assert.Len(t, obs.attempts, 4)
	assert.Equal(t, routing.BreakerOpen, router.BreakerState("down"))

	obs.attempts = nil
	res, err := d.Dispatch(context.Background(), turn())
	require.NoError(t, err)
	res.Response.Body.Close()
	require.Len(t, obs.attempts, 1, "open breaker skips the failing endpoint")
	assert.Equal(t, "up", obs.attempts[0].EndpointID)
}
