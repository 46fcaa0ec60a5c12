package main

import (
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"deepresearch/auth"
	"deepresearch/config"
	"deepresearch/conversation"
	"deepresearch/models"
	"deepresearch/providers"
	"deepresearch/routing"
	"deepresearch/stream"
)

// Gateway instances, set by InitializeGateway
var (
	researchRouter     *routing.Router
	assistantRegistry  *models.AssistantRegistry
	endpointRegistry   *models.EndpointRegistry
	researchDispatcher *routing.Dispatcher
	researchClient     *conversation.Client
	streamOptions      stream.Options

	// researchConfigured is false when the topology is the implicit localhost default
	researchConfigured bool

	baselineProvider *providers.OpenAIProvider
	supabaseAuth     *auth.Supabase
	gatewayKeys      *apiKeyVerifier
	requireAuth      bool

	chatResponders *ResponderChain
)

// InitializeGateway builds the research client and the proxy's responder
// chain. A broken upstream configuration is logged and leaves the gateway
// answering through the baseline or demo responders.
func InitializeGateway() error {
	log.Println("[InitializeGateway] Starting gateway initialization...")

	if err := initializeResearchClient(); err != nil {
		log.Printf("[InitializeGateway] Research upstream disabled: %v", err)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		baselineProvider = providers.NewOpenAIProvider(os.Getenv("OPENAI_API_URL"), key, os.Getenv("OPENAI_MODEL"))
		log.Printf("[InitializeGateway] Baseline provider enabled (model %s)", baselineProvider.Model)
	} else {
		log.Println("[InitializeGateway] No baseline provider configured (OPENAI_API_KEY not set)")
	}

	if url, anon := os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_ANON_KEY"); url != "" && anon != "" {
		supabaseAuth = auth.NewSupabase(url, anon)
		log.Printf("[InitializeGateway] Supabase token validation enabled for %s", url)
	}

	gatewayKeys = newAPIKeyVerifier(os.Getenv("GATEWAY_API_KEY_HASHES"))
	chatResponders = buildResponderChain()
	initializeWebhooks()

	logInitSummary()
	return nil
}

// initializeResearchClient loads the upstream topology and builds the dispatcher
func initializeResearchClient() error {
	_, statErr := os.Stat(filepath.Join(gatewayConfigDir, "endpoints.yaml"))
	researchConfigured = statErr == nil || os.Getenv("LANGGRAPH_API_URL") != ""
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		log.Printf("[initializeResearchClient] Cannot read config directory %s: %v", gatewayConfigDir, statErr)
	}

	cfg, err := config.Load(gatewayConfigDir)
	if err != nil {
		researchConfigured = false
		requireAuth = os.Getenv("REQUIRE_AUTH") == "true"
		return err
	}

	router, assistants, endpoints, err := config.BuildRouter(cfg)
	if err != nil {
		researchConfigured = false
		requireAuth = os.Getenv("REQUIRE_AUTH") == "true"
		return err
	}

	policy := cfg.DispatchPolicy()
	requireAuth = policy.RequireAuth
	streamOptions = cfg.StreamOptions()
	streamOptions.Debug = debugMode

	researchRouter = router
	assistantRegistry = assistants
	endpointRegistry = endpoints
	researchDispatcher = routing.NewDispatcher(router, &http.Client{}, policy).
		WithObserver(gatewayStats).
		WithDebug(debugMode)
	researchClient = conversation.NewClient(researchDispatcher, nil, streamOptions)
	return nil
}

// logInitSummary logs initialization summary
func logInitSummary() {
	if assistantRegistry == nil || endpointRegistry == nil {
		log.Println("[InitSummary] No research topology loaded")
		return
	}

	assistants := assistantRegistry.List()
	healthy := endpointRegistry.GetHealthy()

	log.Printf("[InitSummary] Loaded %d assistants (default %s)", len(assistants), assistantRegistry.DefaultID())
	log.Printf("[InitSummary] Registered %d healthy endpoints", len(healthy))

	for _, a := range assistants {
		log.Printf("[InitSummary] Assistant: %s (%s) - %d endpoints", a.ID, a.Name, len(a.Endpoints))
	}
	log.Printf("[InitSummary] require_auth=%t api_keys=%t supabase=%t baseline=%t",
		requireAuth, gatewayKeys.enabled(), supabaseAuth != nil, baselineProvider != nil)
}

// GetRouterStatus returns router status information
func GetRouterStatus() map[string]interface{} {
	status := map[string]interface{}{
		"initialized": researchRouter != nil,
		"configured":  researchConfigured,
		"healthy":     false,
		"assistants":  0,
		"endpoints":   0,
	}

	if researchRouter == nil {
		return status
	}

	endpoints := researchRouter.Endpoints()
	available := 0
	breakers := map[string]string{}
	for _, e := range endpoints {
		state := researchRouter.BreakerState(e.ID)
		breakers[e.ID] = string(state)
		if e.Status.Available && state != routing.BreakerOpen {
			available++
		}
	}

	status["healthy"] = available > 0
	status["assistants"] = len(researchRouter.Assistants())
	status["default_assistant"] = researchRouter.DefaultAssistantID()
	status["endpoints"] = len(endpoints)
	status["available_endpoints"] = available
	status["breakers"] = breakers
	return status
}

// shutdownGateway stops background health checks and closes the audit log
func shutdownGateway() {
	if researchRouter != nil {
		researchRouter.Close()
	}
	if turnAudit != nil {
		if err := turnAudit.close(); err != nil {
			log.Printf("[AUDIT] Failed to close audit database: %v", err)
		}
	}
}
