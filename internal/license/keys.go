package license

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"rhythmchamber/internal/logging"
)

// =============================================================================
// VERIFICATION KEYS
// =============================================================================

// Builtin verification keys ship with the binary so offline verification works
// without any configuration. base64 PKIX DER, keyed by key_version; future
// issuance keys can be added here ahead of rollout.
var builtinEncodedKeys = map[int]string{
	1: "MFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAEbmwhfc6WnPB5WCSMo02N/oJ+WYyE44Wf0Vw0mQ60DQNm4/v8/tvtoqtxfLPGrodvjEcUii7J9A+hN3uT91ClAQ==",
}

// builtinActiveKeyVersion is the version current license issuance signs with.
const builtinActiveKeyVersion = 1

var (
	builtinOnce sync.Once
	builtinKeys map[int]*ecdsa.PublicKey
)

// ParseKeyMap decodes a version → base64-PKIX key map, as carried in the
// config file's license section.
func ParseKeyMap(encoded map[int]string) (map[int]*ecdsa.PublicKey, error) {
	keys := make(map[int]*ecdsa.PublicKey, len(encoded))
	for version, b64 := range encoded {
		key, err := ParsePublicKeyBase64(b64)
		if err != nil {
			return nil, fmt.Errorf("license key version %d: %w", version, err)
		}
		keys[version] = key
	}
	return keys, nil
}

// BuiltinKeys returns the compiled-in verification keys and the active
// version.
func BuiltinKeys() (map[int]*ecdsa.PublicKey, int) {
	builtinOnce.Do(func() {
		keys, err := ParseKeyMap(builtinEncodedKeys)
		if err != nil {
			// Compiled-in keys failing to parse is a build defect; verification
			// then rejects every token with INVALID_SIGNATURE.
			logging.LicenseWarn("builtin license keys unusable: %v", err)
			keys = map[int]*ecdsa.PublicKey{}
		}
		builtinKeys = keys
	})
	return builtinKeys, builtinActiveKeyVersion
}
