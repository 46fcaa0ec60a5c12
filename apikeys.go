package main

import (
	"log"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const gatewayKeyPrefix = "ak_"

// apiKeyVerifier checks gateway API keys against bcrypt hashes.
// Keys that verified once are remembered by signature.
type apiKeyVerifier struct {
	hashes   [][]byte
	verified sync.Map
}

// newAPIKeyVerifier parses a comma-separated list of bcrypt hashes.
// It returns nil when the list is empty, which disables key checks.
func newAPIKeyVerifier(list string) *apiKeyVerifier {
	var hashes [][]byte
	for _, h := range strings.Split(list, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			log.Printf("[APIKeys] Skipping malformed hash: %v", err)
			continue
		}
		hashes = append(hashes, []byte(h))
	}
	if len(hashes) == 0 {
		return nil
	}
	log.Printf("[APIKeys] Loaded %d gateway key hashes", len(hashes))
	return &apiKeyVerifier{hashes: hashes}
}

func (v *apiKeyVerifier) enabled() bool {
	return v != nil
}

// verify reports whether key matches any configured hash
func (v *apiKeyVerifier) verify(key string) bool {
	if v == nil {
		return true
	}
	if key == "" {
		return false
	}
	sig := generateSignature(key)
	if _, ok := v.verified.Load(sig); ok {
		return true
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			v.verified.Store(sig, struct{}{})
			return true
		}
	}
	return false
}

// apiKeyFromRequest reads X-API-Key, or an ak_ key sent as a bearer token
func apiKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok && strings.HasPrefix(token, gatewayKeyPrefix) {
		return strings.TrimSpace(token)
	}
	return ""
}
