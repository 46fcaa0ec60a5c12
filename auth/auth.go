// Package auth supplies bearer credentials for research turns and verifies
// them against Supabase. Session lifecycle beyond sign-in and refresh is out
// of scope.
package auth

import (
	"context"
	"strings"
)

// TokenSource supplies the bearer credential for a turn. An empty token with
// a nil error means no credential is available.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// BearerToken extracts the credential from an Authorization header value
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
