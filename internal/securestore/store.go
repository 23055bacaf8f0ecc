// Package securestore encrypts credentials at rest. Keys derive from a
// device-scoped random secret combined with a session salt; rotating the
// session version makes every prior-session ciphertext unreadable without
// touching the ciphertexts themselves.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"rhythmchamber/internal/logging"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrDecryptFailed is returned when a ciphertext fails authentication.
	ErrDecryptFailed = errors.New("securestore: decryption failed")
)

// =============================================================================
// TYPES
// =============================================================================

const (
	deviceSecretFile = "device_secret"
	sessionFile      = "session.json"
	credsFile        = "encrypted_creds.json"

	deviceSecretLen = 32
	saltLen         = 16
	keyLen          = 32
	pbkdf2Iters     = 100_000
)

// record is one encrypted entry as persisted.
type record struct {
	Version    int64  `json:"version"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	UpdatedAt  int64  `json:"updated_at"`
}

// sessionState carries the rotating salt and its version.
type sessionState struct {
	Version int64  `json:"version"`
	Salt    string `json:"salt"`
}

// Store is the encrypted credential vault for one origin.
type Store struct {
	mu  sync.Mutex
	dir string

	deviceSecret []byte
	session      sessionState
	salt         []byte
	records      map[string]record

	nowFunc func() time.Time
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Open loads (or initializes) the vault rooted at dir. First open generates
// the device secret and session salt.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		records: make(map[string]record),
		nowFunc: time.Now,
	}

	if err := s.loadDeviceSecret(); err != nil {
		return nil, err
	}
	if err := s.loadSession(); err != nil {
		return nil, err
	}
	if err := s.loadRecords(); err != nil {
		return nil, err
	}

	logging.Auth("secure store opened (session_version=%d, records=%d)", s.session.Version, len(s.records))
	return s, nil
}

func (s *Store) loadDeviceSecret() error {
	path := filepath.Join(s.dir, deviceSecretFile)
	data, err := os.ReadFile(path)
	if err == nil {
		secret, decErr := base64.StdEncoding.DecodeString(string(data))
		if decErr == nil && len(secret) == deviceSecretLen {
			s.deviceSecret = secret
			return nil
		}
		logging.AuthWarn("device secret unreadable, regenerating")
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read device secret: %w", err)
	}

	secret := make([]byte, deviceSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate device secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(secret)), 0600); err != nil {
		return fmt.Errorf("persist device secret: %w", err)
	}
	s.deviceSecret = secret
	return nil
}

func (s *Store) loadSession() error {
	path := filepath.Join(s.dir, sessionFile)
	data, err := os.ReadFile(path)
	if err == nil {
		var sess sessionState
		if json.Unmarshal(data, &sess) == nil && sess.Salt != "" {
			salt, decErr := base64.StdEncoding.DecodeString(sess.Salt)
			if decErr == nil {
				s.session = sess
				s.salt = salt
				return nil
			}
		}
		logging.AuthWarn("session state unreadable, rotating")
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read session state: %w", err)
	}

	return s.rotateSessionLocked(1)
}

func (s *Store) loadRecords() error {
	path := filepath.Join(s.dir, credsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		logging.AuthWarn("credential file corrupt, starting empty: %v", err)
		s.records = make(map[string]record)
	}
	return nil
}

// rotateSessionLocked installs a fresh salt under the given version.
func (s *Store) rotateSessionLocked(version int64) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate session salt: %w", err)
	}
	s.session = sessionState{Version: version, Salt: base64.StdEncoding.EncodeToString(salt)}
	s.salt = salt
	return s.writeFile(sessionFile, s.session)
}

// =============================================================================
// ENCRYPTION
// =============================================================================

// key derives the current session key. The session version is mixed into the
// derivation input so a rotated session can never reproduce an old key even
// if the salt collided.
func (s *Store) key() []byte {
	input := fmt.Sprintf("%s:%d", s.deviceSecret, s.session.Version)
	return pbkdf2.Key([]byte(input), s.salt, pbkdf2Iters, keyLen, sha256.New)
}

func (s *Store) seal(plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(s.key())
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	return iv, gcm.Seal(nil, iv, plaintext, nil), nil
}

func (s *Store) open(iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key())
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Set encrypts and persists a value under name.
func (s *Store) Set(name string, plaintext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iv, ciphertext, err := s.seal(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}

	s.records[name] = record{
		Version:    s.session.Version,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		UpdatedAt:  s.nowFunc().UnixMilli(),
	}
	return s.writeFile(credsFile, s.records)
}

// Get decrypts the value under name. Returns (nil, nil) when the entry is
// absent or was written under an older session version.
func (s *Store) Get(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, nil
	}
	if rec.Version < s.session.Version {
		logging.AuthDebug("entry %s is from session v%d (current v%d), treating as absent",
			name, rec.Version, s.session.Version)
		return nil, nil
	}

	iv, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv for %s: %w", name, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext for %s: %w", name, err)
	}
	return s.open(iv, ciphertext)
}

// Delete removes the entry under name.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return nil
	}
	delete(s.records, name)
	return s.writeFile(credsFile, s.records)
}

// InvalidateSessions increments the session version, rotates the salt, and
// deletes all device-scoped entries. Every ciphertext written before this
// call becomes unreadable.
func (s *Store) InvalidateSessions() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.session.Version
	if err := s.rotateSessionLocked(old + 1); err != nil {
		return err
	}
	s.records = make(map[string]record)
	if err := s.writeFile(credsFile, s.records); err != nil {
		return err
	}

	logging.Auth("sessions invalidated (v%d -> v%d)", old, s.session.Version)
	return nil
}

// SessionVersion returns the current session version.
func (s *Store) SessionVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Version
}

// writeFile persists v as JSON with write-then-rename.
func (s *Store) writeFile(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}
