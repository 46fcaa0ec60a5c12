package routing

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"deepresearch/models"
	"deepresearch/providers"
)

// HealthChecker probes endpoints in the background and marks them
// unavailable after repeated failures
type HealthChecker struct {
	router   *Router
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	maxFails int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(router *Router, client *http.Client, interval, timeout time.Duration, maxFails int) *HealthChecker {
	if client == nil {
		client = &http.Client{}
	}
	if maxFails <= 0 {
		maxFails = 3
	}
	return &HealthChecker{
		router:   router,
		client:   client,
		interval: interval,
		timeout:  timeout,
		maxFails: maxFails,
	}
}

// Start begins health checking
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.running {
		return
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	go hc.run(hc.stopChan)
}

// Stop stops health checking
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if !hc.running {
		return
	}
	hc.running = false
	close(hc.stopChan)
}

func (hc *HealthChecker) run(stop <-chan struct{}) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.CheckAll()

	for {
		select {
		case <-ticker.C:
			hc.CheckAll()
		case <-stop:
			return
		}
	}
}

// CheckAll probes every endpoint concurrently and waits for the results
func (hc *HealthChecker) CheckAll() {
	hc.router.mu.RLock()
	endpoints := make([]*models.Endpoint, 0, len(hc.router.endpoints))
	for _, e := range hc.router.endpoints {
		endpoints = append(endpoints, e)
	}
	hc.router.mu.RUnlock()

	var wg sync.WaitGroup
	for _, endpoint := range endpoints {
		wg.Add(1)
		go func(e *models.Endpoint) {
			defer wg.Done()
			hc.checkEndpoint(e)
		}(endpoint)
	}
	wg.Wait()
}

func (hc *HealthChecker) checkEndpoint(endpoint *models.Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
	defer cancel()

	hc.router.mu.RLock()
	probe := *endpoint
	hc.router.mu.RUnlock()

	start := time.Now()
	err := providers.HealthCheck(ctx, hc.client, &probe)
	responseTime := time.Since(start)

	if err != nil {
		hc.updateEndpointHealth(endpoint, false, err.Error(), responseTime)
		log.Printf("[HealthChecker] %s failed: %v", endpoint.ID, err)
		return
	}
	hc.updateEndpointHealth(endpoint, true, "", responseTime)
}

func (hc *HealthChecker) updateEndpointHealth(endpoint *models.Endpoint, healthy bool, errorMsg string, responseTime time.Duration) {
	hc.router.mu.Lock()
	defer hc.router.mu.Unlock()

	endpoint.Status.LastHealthCheck = time.Now()
	endpoint.Status.Healthy = healthy
	endpoint.Status.ResponseTime = responseTime

	if healthy {
		endpoint.Status.Available = true
		endpoint.Status.ConsecutiveFails = 0
		endpoint.Status.ErrorMessage = ""
		return
	}

	endpoint.Status.ConsecutiveFails++
	endpoint.Status.ErrorMessage = errorMsg
	if endpoint.Status.ConsecutiveFails >= hc.maxFails {
		endpoint.Status.Available = false
	}
}
