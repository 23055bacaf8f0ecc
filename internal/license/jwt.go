package license

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"time"
)

// es256SignatureLen is the raw r||s length for P-256.
const es256SignatureLen = 64

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// parseAndVerify performs the strict offline check: format, header fields,
// signature, then claims. Header checks run before any signature work so an
// attacker cannot steer us into verifying under a weaker algorithm.
func (v *Verifier) parseAndVerify(token string, now time.Time) (*Claims, *VerifyError) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, verifyErr(CodeInvalidFormat, "token has %d segments, want 3", len(parts))
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, verifyErr(CodeInvalidFormat, "header is not base64url: %v", err)
	}
	var header jwtHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, verifyErr(CodeInvalidFormat, "header is not JSON: %v", err)
	}
	if header.Typ != "JWT" {
		return nil, verifyErr(CodeInvalidType, "typ is %q, want JWT", header.Typ)
	}
	if header.Alg != "ES256" {
		return nil, verifyErr(CodeUnsupportedAlgorithm, "alg is %q, want ES256", header.Alg)
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, verifyErr(CodeInvalidFormat, "payload is not base64url: %v", err)
	}
	var claims Claims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return nil, verifyErr(CodeInvalidFormat, "payload is not JSON: %v", err)
	}

	key, ok := v.keyForVersion(claims.KeyVersion)
	if !ok {
		return nil, verifyErr(CodeInvalidSignature, "no public key for key_version %d", claims.KeyVersion)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, verifyErr(CodeInvalidFormat, "signature is not base64url: %v", err)
	}
	if !verifyES256(key, parts[0]+"."+parts[1], sig) {
		return nil, verifyErr(CodeInvalidSignature, "signature verification failed")
	}

	if vErr := v.validateClaims(&claims, now); vErr != nil {
		return nil, vErr
	}
	return &claims, nil
}

// keyForVersion resolves the verification key. Version 0 means the token
// predates key versioning and uses the active key.
func (v *Verifier) keyForVersion(version int) (*ecdsa.PublicKey, bool) {
	if version == 0 {
		version = v.activeKeyVersion
	}
	key, ok := v.publicKeys[version]
	return key, ok
}

// verifyES256 checks a raw r||s JWS signature over the signing input.
func verifyES256(key *ecdsa.PublicKey, signingInput string, sig []byte) bool {
	if len(sig) != es256SignatureLen {
		return false
	}
	r := new(big.Int).SetBytes(sig[:es256SignatureLen/2])
	s := new(big.Int).SetBytes(sig[es256SignatureLen/2:])
	digest := sha256.Sum256([]byte(signingInput))
	return ecdsa.Verify(key, digest[:], r, s)
}

func (v *Verifier) validateClaims(claims *Claims, now time.Time) *VerifyError {
	if claims.Exp > 0 && now.Unix() >= claims.Exp {
		return verifyErr(CodeExpired, "license expired at %d", claims.Exp)
	}
	if claims.Nbf > 0 && now.Unix() < claims.Nbf {
		return verifyErr(CodeNotYetValid, "license not valid before %d", claims.Nbf)
	}
	if !validTiers[claims.Tier] {
		return verifyErr(CodeInvalidTier, "unknown tier %q", claims.Tier)
	}
	if claims.DeviceBinding != "" && claims.DeviceBinding != v.fingerprint {
		return verifyErr(CodeDeviceMismatch, "license is bound to another device")
	}
	return nil
}
