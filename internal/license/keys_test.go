package license

import (
	"crypto/x509"
	"encoding/base64"
	"testing"
)

func encodeKey(t *testing.T, key interface{}) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

func TestBuiltinKeys(t *testing.T) {
	keys, active := BuiltinKeys()
	if len(keys) == 0 {
		t.Fatal("builtin key map is empty")
	}
	if _, ok := keys[active]; !ok {
		t.Fatalf("no builtin key for active version %d", active)
	}
}

func TestNewVerifier_DefaultsToBuiltinKeys(t *testing.T) {
	v := NewVerifier(Config{
		Origin:     "https://rhythm.example",
		StorageDir: t.TempDir(),
	})

	if len(v.publicKeys) == 0 {
		t.Fatal("verifier built without keys must fall back to builtin keys")
	}
	if v.activeKeyVersion != builtinActiveKeyVersion {
		t.Fatalf("active key version = %d, want %d", v.activeKeyVersion, builtinActiveKeyVersion)
	}
	if _, ok := v.keyForVersion(0); !ok {
		t.Fatal("versionless tokens must resolve to the active builtin key")
	}
}

func TestParseKeyMap(t *testing.T) {
	key := newTestKey(t)
	keys, err := ParseKeyMap(map[int]string{2: encodeKey(t, &key.PublicKey)})
	if err != nil {
		t.Fatal(err)
	}
	if !keys[2].Equal(&key.PublicKey) {
		t.Fatal("parsed key does not match the original")
	}

	if _, err := ParseKeyMap(map[int]string{3: "not-a-key"}); err == nil {
		t.Fatal("malformed key must fail")
	}
}

// Config-file keys flow through ParseKeyMap into a verifier that can verify
// and store a properly signed license entirely offline.
func TestVerifier_ConfiguredKeysVerifyOffline(t *testing.T) {
	key := newTestKey(t)

	keys, err := ParseKeyMap(map[int]string{1: encodeKey(t, &key.PublicKey)})
	if err != nil {
		t.Fatal(err)
	}
	v := NewVerifier(Config{
		PublicKeys:       keys,
		ActiveKeyVersion: 1,
		Origin:           "https://rhythm.example",
		StorageDir:       t.TempDir(),
	})

	token := mintToken(t, key, nil, validClaims())
	claims, err := v.VerifyOffline(token)
	if err != nil {
		t.Fatalf("offline verification of a validly signed token failed: %v", err)
	}
	if claims.Tier != TierChamber {
		t.Fatalf("tier = %s", claims.Tier)
	}

	if err := v.Store(token); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if got := v.Load(); got != token {
		t.Fatal("stored license did not load back")
	}
}
