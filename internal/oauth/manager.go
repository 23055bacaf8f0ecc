package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rhythmchamber/internal/logging"
	"rhythmchamber/internal/retry"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoVerifier is returned when session storage is missing or holds no
	// verifier for the in-flight flow. The flow fails closed.
	ErrNoVerifier = errors.New("OAUTH_NO_VERIFIER: no code verifier in session storage")

	// ErrStateMismatch is returned when the callback state does not match
	// the one issued at authorization time.
	ErrStateMismatch = errors.New("OAUTH_STATE_MISMATCH: callback state does not match")
)

// Session keys for the in-flight flow.
const (
	sessionKeyVerifier = "oauth_code_verifier"
	sessionKeyState    = "oauth_state"
)

// SessionStorage holds flow secrets for the lifetime of one browser session.
// Verifier and state never touch durable storage.
type SessionStorage interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// MemorySession is the in-process SessionStorage.
type MemorySession struct {
	values map[string]string
}

// NewMemorySession creates an empty session.
func NewMemorySession() *MemorySession {
	return &MemorySession{values: make(map[string]string)}
}

func (m *MemorySession) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *MemorySession) Set(key, value string) { m.values[key] = value }
func (m *MemorySession) Delete(key string)     { delete(m.values, key) }

// =============================================================================
// MANAGER
// =============================================================================

// Config holds the OAuth client settings.
type Config struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
	AuthURL     string
	TokenURL    string

	// HTTPTimeout bounds the token-exchange request.
	HTTPTimeout time.Duration
}

// DefaultConfig returns settings for the Spotify authorization endpoints.
func DefaultConfig(clientID, redirectURI string) Config {
	return Config{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scopes:      []string{"user-read-recently-played", "user-top-read", "user-library-read"},
		AuthURL:     "https://accounts.spotify.com/authorize",
		TokenURL:    "https://accounts.spotify.com/api/token",
		HTTPTimeout: 30 * time.Second,
	}
}

// TokenResponse is the token endpoint's reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Manager drives the PKCE authorization-code flow.
type Manager struct {
	config  Config
	session SessionStorage
	client  *http.Client
}

// NewManager creates a manager. A nil session storage is allowed but every
// flow operation will fail closed.
func NewManager(config Config, session SessionStorage) *Manager {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = 30 * time.Second
	}
	return &Manager{
		config:  config,
		session: session,
		client:  &http.Client{Timeout: config.HTTPTimeout},
	}
}

// BeginAuth generates the flow secrets, stores them in session storage, and
// returns the authorization URL to navigate to.
func (m *Manager) BeginAuth() (string, error) {
	if m.session == nil {
		return "", ErrNoVerifier
	}

	verifier, err := GenerateVerifier()
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	m.session.Set(sessionKeyVerifier, verifier)
	m.session.Set(sessionKeyState, state)

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", m.config.ClientID)
	q.Set("redirect_uri", m.config.RedirectURI)
	q.Set("scope", strings.Join(m.config.Scopes, " "))
	q.Set("code_challenge_method", "S256")
	q.Set("code_challenge", Challenge(verifier))
	q.Set("state", state)

	logging.Auth("authorization flow started")
	return m.config.AuthURL + "?" + q.Encode(), nil
}

// HandleCallback verifies the CSRF state, exchanges the code for tokens, and
// clears the flow secrets. State is checked before any network work.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (*TokenResponse, error) {
	if m.session == nil {
		return nil, ErrNoVerifier
	}

	storedState, ok := m.session.Get(sessionKeyState)
	if !ok || storedState == "" || storedState != state {
		logging.AuthWarn("callback state mismatch")
		m.clearFlow()
		return nil, ErrStateMismatch
	}

	verifier, ok := m.session.Get(sessionKeyVerifier)
	if !ok || verifier == "" {
		m.clearFlow()
		return nil, ErrNoVerifier
	}

	token, err := m.exchange(ctx, code, verifier)
	m.clearFlow()
	if err != nil {
		return nil, err
	}

	logging.Auth("authorization flow completed")
	return token, nil
}

// clearFlow removes the one-shot flow secrets.
func (m *Manager) clearFlow() {
	m.session.Delete(sessionKeyVerifier)
	m.session.Delete(sessionKeyState)
}

// exchange performs the authorization-code token exchange.
func (m *Manager) exchange(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", m.config.RedirectURI)
	form.Set("client_id", m.config.ClientID)
	form.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Wrap(retry.KindAborted, ctx.Err())
		}
		return nil, retry.Wrap(retry.KindTransientNetwork, fmt.Errorf("token exchange: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, retry.Wrap(retry.KindTransientNetwork, fmt.Errorf("read token response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		kind := retry.KindValidation
		if resp.StatusCode >= 500 {
			kind = retry.KindProviderError
		}
		return nil, retry.Wrap(kind, fmt.Errorf("token endpoint returned status %d", resp.StatusCode))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, retry.Wrap(retry.KindValidation, fmt.Errorf("decode token response: %w", err))
	}
	if token.AccessToken == "" {
		return nil, retry.Wrap(retry.KindValidation, errors.New("token response missing access_token"))
	}
	return &token, nil
}
