package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deepresearch/models"
	"deepresearch/routing"
	"deepresearch/stream"
)

// Config represents the complete upstream configuration
type Config struct {
	Assistants map[string]AssistantConfig `yaml:"assistants"`
	Endpoints  map[string]EndpointConfig  `yaml:"endpoints"`
	Routing    RoutingConfig              `yaml:"routing"`
}

// AssistantConfig from YAML
type AssistantConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	UpstreamID  string            `yaml:"upstream_id"`
	Default     bool              `yaml:"default"`
	Endpoints   []string          `yaml:"endpoints"`
	Tags        map[string]string `yaml:"tags"`
}

// EndpointConfig from YAML
type EndpointConfig struct {
	AssistantID   string            `yaml:"assistant_id"`
	BaseURL       string            `yaml:"base_url"`
	Path          string            `yaml:"path"`
	Shape         string            `yaml:"shape"`
	Streaming     bool              `yaml:"streaming"`
	Priority      int               `yaml:"priority"`
	Timeout       string            `yaml:"timeout"`
	Auth          AuthConfig        `yaml:"auth"`
	CustomHeaders map[string]string `yaml:"custom_headers,omitempty"`
	Tags          map[string]string `yaml:"tags"`
}

// AuthConfig from YAML
type AuthConfig struct {
	Type      string `yaml:"type"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// RoutingConfig from YAML
type RoutingConfig struct {
	Dispatch       DispatchConfig       `yaml:"dispatch"`
	Stream         StreamConfig         `yaml:"stream"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DispatchConfig from YAML
type DispatchConfig struct {
	RequireAuth          bool  `yaml:"require_auth"`
	RetrySimplifiedOn422 *bool `yaml:"retry_simplified_on_422"`
}

// StreamConfig from YAML
type StreamConfig struct {
	ContentEvents []string `yaml:"content_events"`
	IgnoredEvents []string `yaml:"ignored_events"`
	ErrorEvents   []string `yaml:"error_events"`
	WindowWords   int      `yaml:"window_words"`
	Pacing        string   `yaml:"pacing"`
}

// HealthCheckConfig from YAML
type HealthCheckConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Interval            string `yaml:"interval"`
	Timeout             string `yaml:"timeout"`
	MaxConsecutiveFails int    `yaml:"max_consecutive_fails"`
	CheckOnStartup      bool   `yaml:"check_on_startup"`
}

// CircuitBreakerConfig from YAML
type CircuitBreakerConfig struct {
	Threshold int    `yaml:"threshold"`
	Cooldown  string `yaml:"cooldown"`
}

// LoadConfig loads configuration from assistants.yaml, endpoints.yaml and
// routing.yaml in configDir. routing.yaml is optional.
func LoadConfig(configDir string) (*Config, error) {
	config := &Config{
		Assistants: make(map[string]AssistantConfig),
		Endpoints:  make(map[string]EndpointConfig),
	}

	assistantsPath := filepath.Join(configDir, "assistants.yaml")
	if err := loadYAMLFile(assistantsPath, &struct {
		Assistants map[string]AssistantConfig `yaml:"assistants"`
	}{Assistants: config.Assistants}); err != nil {
		return nil, fmt.Errorf("failed to load assistants.yaml: %w", err)
	}

	endpointsPath := filepath.Join(configDir, "endpoints.yaml")
	if err := loadYAMLFile(endpointsPath, &struct {
		Endpoints map[string]EndpointConfig `yaml:"endpoints"`
	}{Endpoints: config.Endpoints}); err != nil {
		return nil, fmt.Errorf("failed to load endpoints.yaml: %w", err)
	}

	routingPath := filepath.Join(configDir, "routing.yaml")
	var routingWrapper struct {
		Routing RoutingConfig `yaml:"routing"`
	}
	if err := loadYAMLFile(routingPath, &routingWrapper); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load routing.yaml: %w", err)
	}
	config.Routing = routingWrapper.Routing

	expandEnvVars(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// FromEnv derives a single-assistant topology from environment variables.
// It is used when no configuration directory exists.
func FromEnv() *Config {
	baseURL := getenv("LANGGRAPH_API_URL", "http://localhost:2024")
	upstreamID := getenv("ASSISTANT_ID", "deep_researcher")

	endpoints := map[string]EndpointConfig{
		"runs-stream": {
			AssistantID: "research",
			BaseURL:     baseURL,
			Path:        "/runs/stream",
			Shape:       string(models.ShapeInputMessages),
			Streaming:   true,
			Priority:    1,
			Timeout:     "60s",
			Auth:        AuthConfig{Type: string(models.AuthBearer)},
		},
		"chat-v1": {
			AssistantID: "research",
			BaseURL:     baseURL,
			Path:        "/api/v1/chat",
			Shape:       string(models.ShapeMessage),
			Priority:    2,
			Timeout:     "60s",
			Auth:        AuthConfig{Type: string(models.AuthBearer)},
		},
	}
	if chatURL := os.Getenv("RESEARCH_CHAT_URL"); chatURL != "" {
		endpoints["chat-proxy"] = EndpointConfig{
			AssistantID: "research",
			BaseURL:     chatURL,
			Shape:       string(models.ShapeMessage),
			Priority:    3,
			Timeout:     "60s",
			Auth:        AuthConfig{Type: string(models.AuthBearer)},
		}
	}

	return &Config{
		Assistants: map[string]AssistantConfig{
			"research": {
				Name:       "Deep Research",
				UpstreamID: upstreamID,
				Default:    true,
			},
		},
		Endpoints: endpoints,
		Routing: RoutingConfig{
			Dispatch: DispatchConfig{RequireAuth: os.Getenv("REQUIRE_AUTH") == "true"},
		},
	}
}

// Load reads configDir when it exists and falls back to FromEnv otherwise
func Load(configDir string) (*Config, error) {
	if _, err := os.Stat(filepath.Join(configDir, "endpoints.yaml")); errors.Is(err, fs.ErrNotExist) {
		log.Printf("[Config] No endpoints.yaml in %s, using environment topology", configDir)
		return FromEnv(), nil
	}
	return LoadConfig(configDir)
}

// Validate checks cross references between assistants and endpoints
func (c *Config) Validate() error {
	if len(c.Assistants) == 0 {
		return fmt.Errorf("no assistants configured")
	}
	for id, e := range c.Endpoints {
		if _, ok := c.Assistants[e.AssistantID]; !ok {
			return fmt.Errorf("endpoint %s references unknown assistant %q", id, e.AssistantID)
		}
		if e.BaseURL == "" {
			return fmt.Errorf("endpoint %s has no base_url", id)
		}
		switch models.PayloadShape(e.Shape) {
		case "", models.ShapeMessage, models.ShapeInputMessages, models.ShapeSimplified:
		default:
			return fmt.Errorf("endpoint %s has unknown shape %q", id, e.Shape)
		}
	}
	for id, a := range c.Assistants {
		for _, eid := range a.Endpoints {
			if _, ok := c.Endpoints[eid]; !ok {
				return fmt.Errorf("assistant %s references unknown endpoint %q", id, eid)
			}
		}
	}
	return nil
}

func loadYAMLFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

func expandEnvVars(config *Config) {
	for id, endpoint := range config.Endpoints {
		endpoint.BaseURL = expandEnv(endpoint.BaseURL)
		endpoint.Path = expandEnv(endpoint.Path)
		for k, v := range endpoint.CustomHeaders {
			endpoint.CustomHeaders[k] = expandEnv(v)
		}
		config.Endpoints[id] = endpoint
	}
	for id, assistant := range config.Assistants {
		assistant.UpstreamID = expandEnv(assistant.UpstreamID)
		config.Assistants[id] = assistant
	}
}

// expandEnv expands ${VAR} and ${VAR:-default}
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(key string) string {
		parts := strings.SplitN(key, ":-", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) > 1 {
			return parts[1]
		}
		return value
	})
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DispatchPolicy returns the configured dispatch policy
func (c *Config) DispatchPolicy() routing.Policy {
	policy := routing.DefaultPolicy()
	policy.RequireAuth = c.Routing.Dispatch.RequireAuth
	if c.Routing.Dispatch.RetrySimplifiedOn422 != nil {
		policy.RetrySimplified = *c.Routing.Dispatch.RetrySimplifiedOn422
	}
	return policy
}

// StreamOptions returns reconciler options; unset fields keep their defaults
func (c *Config) StreamOptions() stream.Options {
	opts := stream.DefaultOptions()
	sc := c.Routing.Stream
	if len(sc.ContentEvents) > 0 {
		opts.ContentEvents = sc.ContentEvents
	}
	if len(sc.IgnoredEvents) > 0 {
		opts.IgnoredEvents = sc.IgnoredEvents
	}
	if len(sc.ErrorEvents) > 0 {
		opts.ErrorEvents = sc.ErrorEvents
	}
	if sc.WindowWords > 0 {
		opts.WindowWords = sc.WindowWords
	}
	if sc.Pacing != "" {
		if d, err := time.ParseDuration(sc.Pacing); err == nil && d >= 0 {
			opts.Pacing = d
		}
	}
	return opts
}

// BuildRouter creates a router and registries from configuration
func BuildRouter(config *Config) (*routing.Router, *models.AssistantRegistry, *models.EndpointRegistry, error) {
	cb := config.Routing.CircuitBreaker
	router := routing.NewRouter(cb.Threshold, parseDuration(cb.Cooldown, 60*time.Second))

	assistantRegistry := models.NewAssistantRegistry()
	endpointRegistry := models.NewEndpointRegistry()

	for id, ac := range config.Assistants {
		assistant := &models.Assistant{
			ID:          id,
			Name:        ac.Name,
			Description: ac.Description,
			UpstreamID:  ac.UpstreamID,
			Default:     ac.Default,
			Endpoints:   append([]string(nil), ac.Endpoints...),
			Tags:        ac.Tags,
			CreatedAt:   time.Now(),
		}
		assistantRegistry.Register(assistant)
		router.RegisterAssistant(assistant)
	}

	for id, ec := range config.Endpoints {
		authType := models.AuthType(ec.Auth.Type)
		switch authType {
		case models.AuthAPIKey, models.AuthNone, models.AuthBearer:
		case "":
			authType = models.AuthBearer
		default:
			return nil, nil, nil, fmt.Errorf("endpoint %s has unknown auth type %q", id, ec.Auth.Type)
		}

		apiKey := ""
		if authType == models.AuthAPIKey {
			apiKey = os.Getenv(ec.Auth.APIKeyEnv)
			if apiKey == "" {
				log.Printf("[Config] No API key in %q for endpoint %s", ec.Auth.APIKeyEnv, id)
			}
		}

		shape := models.PayloadShape(ec.Shape)
		if shape == "" {
			shape = models.ShapeMessage
		}

		endpoint := &models.Endpoint{
			ID:          id,
			AssistantID: ec.AssistantID,
			BaseURL:     ec.BaseURL,
			Path:        ec.Path,
			Shape:       shape,
			Streaming:   ec.Streaming,
			Priority:    ec.Priority,
			Timeout:     parseDuration(ec.Timeout, 30*time.Second),
			Auth: models.AuthConfig{
				Type:   authType,
				APIKey: apiKey,
			},
			CustomHeaders: ec.CustomHeaders,
			Status: models.EndpointStatus{
				Available: true,
				Healthy:   true,
			},
			Tags:      ec.Tags,
			CreatedAt: time.Now(),
		}

		endpointRegistry.Register(endpoint)
		router.RegisterEndpoint(endpoint)
	}

	hc := config.Routing.HealthCheck
	if hc.Enabled {
		healthChecker := routing.NewHealthChecker(router, &http.Client{},
			parseDuration(hc.Interval, 30*time.Second),
			parseDuration(hc.Timeout, 5*time.Second),
			hc.MaxConsecutiveFails)
		router.SetHealthChecker(healthChecker)
		if hc.CheckOnStartup {
			healthChecker.Start()
		}
	}

	return router, assistantRegistry, endpointRegistry, nil
}
