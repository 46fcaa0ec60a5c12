package providers

import (
	"context"
	"fmt"
	"net/http"

	"deepresearch/models"
)

// HealthCheck probes an endpoint with a GET on its URL. Anything below 500
// means the server answered; the route itself may only accept POST.
func HealthCheck(ctx context.Context, client *http.Client, endpoint *models.Endpoint) error {
	url := endpoint.URL()
	if path := endpoint.Tags["health_path"]; path != "" {
		probe := *endpoint
		probe.Path = path
		url = probe.URL()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	if endpoint.Auth.Type == models.AuthAPIKey && endpoint.Auth.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.Auth.APIKey)
	}
	for k, v := range endpoint.CustomHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
