package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"deepresearch/models"
)

// Supabase is a minimal GoTrue client
type Supabase struct {
	URL     string
	AnonKey string
	client  *http.Client
}

// Session is the result of a successful sign-in or refresh
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"-"`
	User         User      `json:"user"`
}

// User is the authenticated principal
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// NewSupabase creates a client for the project at url
func NewSupabase(url, anonKey string) *Supabase {
	return &Supabase{
		URL:     strings.TrimRight(url, "/"),
		AnonKey: anonKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// SignIn exchanges an email and password for a session
func (s *Supabase) SignIn(ctx context.Context, email, password string) (*Session, error) {
	return s.token(ctx, "password", map[string]string{"email": email, "password": password})
}

// Refresh exchanges a refresh token for a new session
func (s *Supabase) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	return s.token(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

func (s *Supabase) token(ctx context.Context, grant string, payload map[string]string) (*Session, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sign-in request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL+"/auth/v1/token?grant_type="+grant, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create sign-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.AnonKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign-in request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read sign-in response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewError(models.KindAuthenticationRequired, gotrueError(raw, resp.StatusCode), nil)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if session.AccessToken == "" {
		return nil, models.NewError(models.KindAuthenticationRequired, "sign-in returned no access token", nil)
	}
	session.ExpiresAt = time.Now().Add(time.Duration(session.ExpiresIn) * time.Second)
	return &session, nil
}

// ValidateToken resolves the user behind an access token
func (s *Supabase) ValidateToken(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, models.NewError(models.KindAuthenticationRequired, "missing access token", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}
	req.Header.Set("apikey", s.AnonKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, models.NewError(models.KindAuthenticationRequired, gotrueError(raw, resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("user lookup returned status %d", resp.StatusCode)
	}

	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}

func gotrueError(raw []byte, status int) string {
	var e struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	_ = json.Unmarshal(raw, &e)
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return fmt.Sprintf("authentication failed with status %d", status)
}

// PasswordTokenSource signs in once and refreshes the session before it expires
type PasswordTokenSource struct {
	client   *Supabase
	email    string
	password string

	mu      sync.Mutex
	session *Session
}

// NewPasswordTokenSource creates a token source for a Supabase user
func NewPasswordTokenSource(client *Supabase, email, password string) *PasswordTokenSource {
	return &PasswordTokenSource{client: client, email: email, password: password}
}

// Token returns a valid access token, signing in or refreshing as needed
func (p *PasswordTokenSource) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil && time.Until(p.session.ExpiresAt) > 30*time.Second {
		return p.session.AccessToken, nil
	}

	if p.session != nil && p.session.RefreshToken != "" {
		session, err := p.client.Refresh(ctx, p.session.RefreshToken)
		if err == nil {
			p.session = session
			return session.AccessToken, nil
		}
		log.Printf("[Auth] refresh failed, signing in again: %v", err)
	}

	session, err := p.client.SignIn(ctx, p.email, p.password)
	if err != nil {
		return "", err
	}
	p.session = session
	return session.AccessToken, nil
}
