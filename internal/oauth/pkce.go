// Package oauth implements the PKCE authorization-code flow against the music
// service and the encrypted token store behind it.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	verifierLength = 64
	stateBytes     = 32

	// verifierAlphabet is the unreserved subset used for code verifiers.
	verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// GenerateVerifier returns a 64-character PKCE code verifier. Characters are
// drawn by rejection sampling so every alphabet position is equally likely;
// a plain modulo over random bytes would bias the low characters.
func GenerateVerifier() (string, error) {
	// Largest multiple of len(alphabet) that fits in a byte.
	max := byte(256 - 256%len(verifierAlphabet))

	out := make([]byte, 0, verifierLength)
	buf := make([]byte, verifierLength*2)
	for len(out) < verifierLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate code verifier: %w", err)
		}
		for _, b := range buf {
			if b >= max {
				continue
			}
			out = append(out, verifierAlphabet[int(b)%len(verifierAlphabet)])
			if len(out) == verifierLength {
				break
			}
		}
	}
	return string(out), nil
}

// Challenge derives the S256 code challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns a 32-byte CSRF state token as lowercase hex.
func GenerateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
