package license

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rhythmchamber/internal/logging"
)

// =============================================================================
// VERIFIER
// =============================================================================

const licenseFile = "license.json"

// Config holds the verifier settings.
type Config struct {
	// PublicKeys maps key_version to its verification key. Future versions
	// can be shipped ahead of issuance.
	PublicKeys map[int]*ecdsa.PublicKey

	// ActiveKeyVersion is the version used for current issuance and for
	// tokens that carry no key_version.
	ActiveKeyVersion int

	// ServerURL is the license server base URL. Empty disables online
	// verification entirely (tests only).
	ServerURL string

	// Origin participates in the device fingerprint.
	Origin string

	// StorageDir is where the license record persists.
	StorageDir string

	HTTPTimeout time.Duration
}

// Verifier checks license tokens online-primary with bounded offline
// fallback, and persists the accepted license with a tamper checksum.
type Verifier struct {
	publicKeys       map[int]*ecdsa.PublicKey
	activeKeyVersion int
	serverURL        string
	fingerprint      string
	dir              string
	client           *http.Client

	mu     sync.Mutex
	cached *Result

	nowFunc func() time.Time
}

// NewVerifier creates a verifier. An empty key map falls back to the
// compiled-in verification keys so offline verification works out of the box.
func NewVerifier(config Config) *Verifier {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = 15 * time.Second
	}
	if len(config.PublicKeys) == 0 {
		config.PublicKeys, config.ActiveKeyVersion = BuiltinKeys()
	}
	if config.ActiveKeyVersion == 0 {
		config.ActiveKeyVersion = builtinActiveKeyVersion
	}
	return &Verifier{
		publicKeys:       config.PublicKeys,
		activeKeyVersion: config.ActiveKeyVersion,
		serverURL:        config.ServerURL,
		fingerprint:      ComputeFingerprint(config.Origin),
		dir:              config.StorageDir,
		client:           &http.Client{Timeout: config.HTTPTimeout},
		nowFunc:          time.Now,
	}
}

// Fingerprint returns this device's fingerprint.
func (v *Verifier) Fingerprint() string { return v.fingerprint }

// VerifyOffline runs the full strict offline check and returns the claims.
func (v *Verifier) VerifyOffline(token string) (*Claims, error) {
	claims, vErr := v.parseAndVerify(token, v.nowFunc())
	if vErr != nil {
		return nil, vErr
	}
	return claims, nil
}

// serverResponse is the license server's verdict.
type serverResponse struct {
	Valid      bool     `json:"valid"`
	Tier       Tier     `json:"tier"`
	Features   []string `json:"features"`
	Exp        int64    `json:"exp"`
	InstanceID string   `json:"instanceId"`
	Error      string   `json:"error"`
}

// Verify checks a token. The server's verdict is binding: explicit rejections
// (4xx status or valid=false) never fall back to offline verification. Only
// a network failure engages the offline path, and that path still demands a
// valid signature.
func (v *Verifier) Verify(ctx context.Context, token string) *Result {
	resp, netErr := v.verifyOnline(ctx, token)
	if netErr == nil {
		result := &Result{
			Valid:          resp.Valid,
			Tier:           resp.Tier,
			Features:       resp.Features,
			ServerVerified: true,
		}
		if !resp.Valid {
			result.Code = resp.Error
			result.Tier = ""
			result.Features = nil
			logging.License("server rejected license (%s)", resp.Error)
		}
		v.setCached(result)
		return result
	}

	logging.LicenseWarn("license server unreachable (%v), verifying offline", netErr)
	result := &Result{OfflineMode: true}
	claims, vErr := v.parseAndVerify(token, v.nowFunc())
	if vErr != nil {
		result.Code = vErr.Code
		logging.License("offline verification failed (%s)", vErr.Code)
	} else {
		result.Valid = true
		result.Tier = claims.Tier
		result.Features = claims.Features
	}
	v.setCached(result)
	return result
}

// verifyOnline asks the license server. A nil error means the server gave a
// binding verdict (accept or reject); a non-nil error means we never got one.
func (v *Verifier) verifyOnline(ctx context.Context, token string) (*serverResponse, error) {
	if v.serverURL == "" {
		return nil, fmt.Errorf("no license server configured")
	}

	payload, err := json.Marshal(map[string]string{
		"token":              token,
		"device_fingerprint": v.fingerprint,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.serverURL+"/api/license/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	// 4xx is a binding rejection. 5xx means the server itself is broken,
	// which we treat like unreachable.
	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("license server returned status %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode >= 400 {
		resp := serverResponse{Valid: false}
		if json.Unmarshal(body, &resp) != nil || resp.Error == "" {
			resp.Error = fmt.Sprintf("server rejected with status %d", httpResp.StatusCode)
		}
		resp.Valid = false
		return &resp, nil
	}

	var resp serverResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode server response: %w", err)
	}
	return &resp, nil
}

func (v *Verifier) setCached(r *Result) {
	v.mu.Lock()
	v.cached = r
	v.mu.Unlock()
}

// =============================================================================
// STORAGE
// =============================================================================

// storedLicense is the persisted record. The checksum detects any mutation
// of the token or tier after storage.
type storedLicense struct {
	Token    string `json:"token"`
	Tier     Tier   `json:"tier"`
	Checksum string `json:"checksum"`
	StoredAt int64  `json:"stored_at"`
}

// Store persists an accepted license with its tamper checksum. The token
// must pass offline verification before it is stored.
func (v *Verifier) Store(token string) error {
	claims, vErr := v.parseAndVerify(token, v.nowFunc())
	if vErr != nil {
		return vErr
	}

	rec := storedLicense{
		Token:    token,
		Tier:     claims.Tier,
		Checksum: storageChecksum(token, claims.Tier, v.fingerprint),
		StoredAt: v.nowFunc().UnixMilli(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(v.dir, 0700); err != nil {
		return err
	}
	path := filepath.Join(v.dir, licenseFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	logging.License("license stored (tier=%s)", claims.Tier)
	return nil
}

// Load returns the stored token, or "" when none exists or the checksum does
// not match (tampering suspected).
func (v *Verifier) Load() string {
	data, err := os.ReadFile(filepath.Join(v.dir, licenseFile))
	if err != nil {
		return ""
	}

	var rec storedLicense
	if err := json.Unmarshal(data, &rec); err != nil {
		logging.LicenseWarn("stored license unreadable: %v", err)
		return ""
	}
	if rec.Checksum != storageChecksum(rec.Token, rec.Tier, v.fingerprint) {
		logging.LicenseWarn("stored license checksum mismatch, discarding")
		return ""
	}
	return rec.Token
}

// Clear removes the stored license and the cached verdict.
func (v *Verifier) Clear() error {
	v.setCached(nil)
	err := os.Remove(filepath.Join(v.dir, licenseFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsPremium verifies the stored license and reports whether premium entry
// points are open. A server revocation sticks: the cached verdict is
// replaced, so later calls stay false without re-contacting the server.
func (v *Verifier) IsPremium(ctx context.Context) bool {
	token := v.Load()
	if token == "" {
		return false
	}
	return v.Verify(ctx, token).Valid
}

// LastResult returns the most recent verification verdict, if any.
func (v *Verifier) LastResult() *Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cached
}
