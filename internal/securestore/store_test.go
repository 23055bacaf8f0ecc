package securestore

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set("spotify_access_token", []byte("tok-123")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("spotify_access_token")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("tok-123")) {
		t.Fatalf("got %q", got)
	}
}

func TestStore_MissingEntryIsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get("nope")
	if err != nil || got != nil {
		t.Fatalf("got %q, err %v; want nil, nil", got, err)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("spotify_refresh_token", []byte("refresh-1")); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get("spotify_refresh_token")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("refresh-1")) {
		t.Fatalf("got %q", got)
	}
}

func TestStore_InvalidateSessionsDropsEverything(t *testing.T) {
	s := openTestStore(t)
	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))

	v := s.SessionVersion()
	if err := s.InvalidateSessions(); err != nil {
		t.Fatal(err)
	}
	if s.SessionVersion() != v+1 {
		t.Fatalf("version = %d, want %d", s.SessionVersion(), v+1)
	}

	for _, name := range []string{"a", "b"} {
		if got, err := s.Get(name); err != nil || got != nil {
			t.Fatalf("entry %s survived invalidation: %q, %v", name, got, err)
		}
	}

	// The rotated session works normally.
	if err := s.Set("c", []byte("3")); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get("c"); !bytes.Equal(got, []byte("3")) {
		t.Fatalf("got %q", got)
	}
}

func TestStore_StaleVersionReadsAsAbsent(t *testing.T) {
	s := openTestStore(t)
	s.Set("a", []byte("old-session"))

	// Rotate the session while leaving the old record in place, as happens
	// when another tab rotates and this tab still holds stale entries.
	s.mu.Lock()
	if err := s.rotateSessionLocked(s.session.Version + 1); err != nil {
		s.mu.Unlock()
		t.Fatal(err)
	}
	s.mu.Unlock()

	got, err := s.Get("a")
	if err != nil || got != nil {
		t.Fatalf("stale-version entry must read as absent, got %q, %v", got, err)
	}
}

func TestStore_TamperedCiphertextFailsAuthentication(t *testing.T) {
	s := openTestStore(t)
	s.Set("a", []byte("secret"))

	s.mu.Lock()
	rec := s.records["a"]
	raw, _ := base64.StdEncoding.DecodeString(rec.Ciphertext)
	raw[0] ^= 0x01
	rec.Ciphertext = base64.StdEncoding.EncodeToString(raw)
	s.records["a"] = rec
	s.mu.Unlock()

	_, err := s.Get("a")
	if !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestStore_DeleteRemovesEntry(t *testing.T) {
	s := openTestStore(t)
	s.Set("a", []byte("1"))
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Get("a"); err != nil || got != nil {
		t.Fatalf("entry survived delete: %q, %v", got, err)
	}
	// Deleting an absent entry is a no-op.
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
}
