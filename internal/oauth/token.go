package oauth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"rhythmchamber/internal/logging"
	"rhythmchamber/internal/securestore"
)

// =============================================================================
// TOKEN STORE
// =============================================================================

// Vault entry names.
const (
	vaultKeyAccess  = "spotify_access_token"
	vaultKeyRefresh = "spotify_refresh_token"
)

// expiryMargin is the safety window before the real expiry during which a
// token is already treated as invalid.
const expiryMargin = 5 * time.Minute

// storedToken is the vault payload for the access token.
type storedToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds
}

// TokenStore persists OAuth tokens through the secure store and caches the
// decrypted access token in memory so repeated reads within an expiry window
// skip key derivation.
type TokenStore struct {
	vault *securestore.Store

	mu      sync.Mutex
	cached  *storedToken
	sf      singleflight.Group
	nowFunc func() time.Time
}

// NewTokenStore creates a token store over the vault.
func NewTokenStore(vault *securestore.Store) *TokenStore {
	return &TokenStore{vault: vault, nowFunc: time.Now}
}

// Save encrypts and persists both tokens. The access token's effective expiry
// is the earlier of the server-declared expires_in and the JWT exp claim,
// when the token parses as a JWT.
func (t *TokenStore) Save(token *TokenResponse) error {
	expiresAt := t.nowFunc().Add(time.Duration(token.ExpiresIn) * time.Second)
	if jwtExp, ok := jwtExpiry(token.AccessToken); ok && jwtExp.Before(expiresAt) {
		logging.AuthDebug("jwt exp earlier than expires_in, using jwt exp")
		expiresAt = jwtExp
	}

	stored := storedToken{Token: token.AccessToken, ExpiresAt: expiresAt.UnixMilli()}
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := t.vault.Set(vaultKeyAccess, payload); err != nil {
		return err
	}
	if token.RefreshToken != "" {
		if err := t.vault.Set(vaultKeyRefresh, []byte(token.RefreshToken)); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.cached = &stored
	t.mu.Unlock()

	logging.Auth("tokens saved (expires in %s)", time.Until(expiresAt).Round(time.Second))
	return nil
}

// AccessToken returns the current access token, or "" when none is stored.
// Decryption happens at most once per cache miss even under concurrent calls.
func (t *TokenStore) AccessToken() (string, error) {
	t.mu.Lock()
	if t.cached != nil {
		token := t.cached.Token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	v, err, _ := t.sf.Do(vaultKeyAccess, func() (interface{}, error) {
		payload, err := t.vault.Get(vaultKeyAccess)
		if err != nil || payload == nil {
			return nil, err
		}
		var stored storedToken
		if err := json.Unmarshal(payload, &stored); err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.cached = &stored
		t.mu.Unlock()
		return &stored, nil
	})
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return v.(*storedToken).Token, nil
}

// RefreshToken returns the stored refresh token, or "" when none is stored.
func (t *TokenStore) RefreshToken() (string, error) {
	payload, err := t.vault.Get(vaultKeyRefresh)
	if err != nil || payload == nil {
		return "", err
	}
	return string(payload), nil
}

// HasValidToken reports whether an access token exists and has at least the
// safety margin of lifetime left.
func (t *TokenStore) HasValidToken() bool {
	if _, err := t.AccessToken(); err != nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cached == nil || t.cached.Token == "" {
		return false
	}
	expiresAt := time.UnixMilli(t.cached.ExpiresAt)
	return t.nowFunc().Before(expiresAt.Add(-expiryMargin))
}

// Clear removes both tokens from the vault and drops the in-memory cache.
func (t *TokenStore) Clear() error {
	t.mu.Lock()
	t.cached = nil
	t.mu.Unlock()

	if err := t.vault.Delete(vaultKeyAccess); err != nil {
		return err
	}
	return t.vault.Delete(vaultKeyRefresh)
}

// jwtExpiry extracts the exp claim from a JWT-shaped token without verifying
// it. Returns false for opaque tokens.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
