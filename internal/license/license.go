// Package license verifies premium licenses. Verification is online-primary:
// the license server's verdict is binding, and offline signature verification
// is a fallback reserved for network failures only.
package license

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
)

// =============================================================================
// TIERS
// =============================================================================

// Tier is a license level.
type Tier string

const (
	TierSovereign Tier = "sovereign"
	TierChamber   Tier = "chamber"
	TierCurator   Tier = "curator"
)

// validTiers is the whitelist enforced during claim validation.
var validTiers = map[Tier]bool{
	TierSovereign: true,
	TierChamber:   true,
	TierCurator:   true,
}

// =============================================================================
// ERRORS
// =============================================================================

// Verification failure codes.
const (
	CodeInvalidFormat        = "INVALID_FORMAT"
	CodeUnsupportedAlgorithm = "UNSUPPORTED_ALGORITHM"
	CodeInvalidType          = "INVALID_TYPE"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeExpired              = "EXPIRED"
	CodeNotYetValid          = "NOT_YET_VALID"
	CodeDeviceMismatch       = "DEVICE_MISMATCH"
	CodeInvalidTier          = "INVALID_TIER"
	CodeRevoked              = "LICENSE_REVOKED"
)

// VerifyError carries a verification failure code.
type VerifyError struct {
	Code string
	Err  error
}

func (e *VerifyError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *VerifyError) Unwrap() error { return e.Err }

func verifyErr(code, format string, args ...interface{}) *VerifyError {
	return &VerifyError{Code: code, Err: fmt.Errorf(format, args...)}
}

// =============================================================================
// CLAIMS
// =============================================================================

// Claims is the license JWT payload.
type Claims struct {
	Tier          Tier     `json:"tier"`
	Features      []string `json:"features"`
	Iat           int64    `json:"iat"`
	Exp           int64    `json:"exp,omitempty"`
	Nbf           int64    `json:"nbf,omitempty"`
	DeviceBinding string   `json:"device_binding,omitempty"`
	KeyVersion    int      `json:"key_version,omitempty"`
}

// Result is the outcome of a verification.
type Result struct {
	Valid          bool     `json:"valid"`
	Tier           Tier     `json:"tier,omitempty"`
	Features       []string `json:"features,omitempty"`
	Code           string   `json:"code,omitempty"`
	ServerVerified bool     `json:"server_verified"`
	OfflineMode    bool     `json:"offline_mode"`
}

// =============================================================================
// KEYS
// =============================================================================

// ParsePublicKeyBase64 decodes a base64 PKIX-encoded P-256 public key.
func ParsePublicKeyBase64(encoded string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *ecdsa.PublicKey", pub)
	}
	return ec, nil
}

// =============================================================================
// DEVICE FINGERPRINT
// =============================================================================

// ComputeFingerprint derives the device fingerprint: a SHA-256 over a stable
// set of host attributes plus the origin, as lowercase hex. The attribute set
// must stay stable across releases or every device binding breaks.
func ComputeFingerprint(origin string) string {
	hostname, _ := os.Hostname()
	attrs := []string{
		"os=" + runtime.GOOS,
		"arch=" + runtime.GOARCH,
		"host=" + hostname,
		"origin=" + origin,
	}
	sort.Strings(attrs)
	sum := sha256.Sum256([]byte(strings.Join(attrs, "|")))
	return hex.EncodeToString(sum[:])
}

// storageChecksum binds a stored license to this device. Any mutation of the
// token or tier after storage changes the checksum.
func storageChecksum(token string, tier Tier, fingerprint string) string {
	sum := sha256.Sum256([]byte(token + string(tier) + fingerprint))
	return hex.EncodeToString(sum[:])
}
