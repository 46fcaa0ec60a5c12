package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/models"
)

func writeConfig(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadShippedConfig(t *testing.T) {
	t.Setenv("LANGGRAPH_API_URL", "http://graph.internal:2024")
	t.Setenv("ASSISTANT_ID", "")

	cfg, err := LoadConfig(".")
	require.NoError(t, err)

	assert.Equal(t, "http://graph.internal:2024", cfg.Endpoints["langgraph-runs"].BaseURL)
	assert.Equal(t, "http://localhost:8000", cfg.Endpoints["chat-v1"].BaseURL)
	assert.Equal(t, "deep_researcher", cfg.Assistants["research"].UpstreamID)

	opts := cfg.StreamOptions()
	assert.Equal(t, []string{"values"}, opts.ContentEvents)
	assert.Equal(t, 50*time.Millisecond, opts.Pacing)
	assert.True(t, cfg.DispatchPolicy().RetrySimplified)
}

func TestBuildRouterOrdersCandidates(t *testing.T) {
	dir := writeConfig(t, map[string]string{
		"assistants.yaml": `
assistants:
  research:
    upstream_id: graph
    endpoints: [second, first]
`,
		"endpoints.yaml": `
endpoints:
  first:
    assistant_id: research
    base_url: http://a
    shape: input_messages
    priority: 1
  second:
    assistant_id: research
    base_url: http://b
    priority: 2
    timeout: 5s
    auth:
      type: api_key
      api_key_env: TEST_UPSTREAM_KEY
`,
	})
	t.Setenv("TEST_UPSTREAM_KEY", "k-123")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	router, assistants, endpoints, err := BuildRouter(cfg)
	require.NoError(t, err)
	defer router.Close()

	decision, err := router.RouteRequest("r1", "")
	require.NoError(t, err)
	require.Len(t, decision.Candidates, 2)
	assert.Equal(t, "first", decision.Candidates[0].ID)
	assert.Equal(t, "graph", decision.UpstreamID)

	second, ok := endpoints.Get("second")
	require.True(t, ok)
	assert.Equal(t, models.ShapeMessage, second.Shape)
	assert.Equal(t, "k-123", second.Auth.APIKey)
	assert.Equal(t, 5*time.Second, second.Timeout)

	a, ok := assistants.Get("")
	require.True(t, ok)
	assert.Equal(t, "research", a.ID)

	assert.False(t, cfg.DispatchPolicy().RequireAuth)
	assert.True(t, cfg.DispatchPolicy().RetrySimplified)
}

func TestLoadConfigRejectsDanglingReferences(t *testing.T) {
	dir := writeConfig(t, map[string]string{
		"assistants.yaml": "assistants:\n  research:\n    endpoints: [missing]\n",
		"endpoints.yaml":  "endpoints: {}\n",
	})
	_, err := LoadConfig(dir)
	assert.ErrorContains(t, err, "unknown endpoint")

	dir = writeConfig(t, map[string]string{
		"assistants.yaml": "assistants:\n  research: {}\n",
		"endpoints.yaml":  "endpoints:\n  e:\n    assistant_id: research\n    base_url: http://x\n    shape: soap\n",
	})
	_, err = LoadConfig(dir)
	assert.ErrorContains(t, err, "unknown shape")
}

func TestLoadFallsBackToEnv(t *testing.T) {
	t.Setenv("LANGGRAPH_API_URL", "http://env-graph")
	t.Setenv("REQUIRE_AUTH", "true")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.DispatchPolicy().RequireAuth)

	router, _, _, err := BuildRouter(cfg)
	require.NoError(t, err)
	decision, err := router.RouteRequest("r", "")
	require.NoError(t, err)
	require.NotEmpty(t, decision.Candidates)
	assert.Equal(t, "runs-stream", decision.Candidates[0].ID)
	assert.Equal(t, "http://env-graph/runs/stream", decision.Candidates[0].URL())
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SET_VAR", "value")
	assert.Equal(t, "value", expandEnv("${SET_VAR}"))
	assert.Equal(t, "fallback", expandEnv("${UNSET_VAR_FOR_TEST:-fallback}"))
	assert.Equal(t, "plain", expandEnv("plain"))
}
