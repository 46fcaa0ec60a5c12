package main

import (
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// generateSignature creates a hash signature for content.
// Used to key caches without keeping the content itself.
func generateSignature(content string) string {
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", hash)[:16] // First 16 chars of hash
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Config] Ignoring invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[Config] Ignoring invalid %s=%q: %v", key, v, err)
		return fallback
	}
	return f
}

// ServiceConfig holds per-surface settings for a chat turn
type ServiceConfig struct {
	AssistantID string
	MaxChars    int
	Deadline    time.Duration
}

// getServiceConfig returns the complete turn configuration for a surface
func getServiceConfig(serviceName string) ServiceConfig {
	return ServiceConfig{
		AssistantID: os.Getenv(serviceName + "_ASSISTANT_ID"), // empty uses the default assistant
		MaxChars:    getServiceMaxChars(serviceName),
		Deadline:    getServiceDeadline(serviceName),
	}
}

// getServiceMaxChars returns the answer length limit for a surface; 0 means unlimited
func getServiceMaxChars(serviceName string) int {
	defaults := map[string]int{
		"DNS": 500, // TXT answers must stay small
	}
	if v := envInt(serviceName+"_MAX_CHARS", -1); v >= 0 {
		return v
	}
	return defaults[serviceName]
}

// getServiceDeadline returns how long a surface waits for a complete answer
func getServiceDeadline(serviceName string) time.Duration {
	defaults := map[string]time.Duration{
		"DNS":     4 * time.Second, // Safe middle ground for DNS clients
		"HTTP":    5 * time.Minute,
		"CLI":     10 * time.Minute,
		"WEBHOOK": 2 * time.Minute,
	}

	if v := os.Getenv(serviceName + "_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("[Config] Ignoring invalid %s_DEADLINE=%q", serviceName, v)
	}
	if d, ok := defaults[serviceName]; ok {
		return d
	}
	return 2 * time.Minute
}
