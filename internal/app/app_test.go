package app

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"rhythmchamber/internal/config"
	"rhythmchamber/internal/oauth"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Vector.DatabasePath = filepath.Join(cfg.Workspace, "vectors.db")
	cfg.Tabs.ElectionTimeout = "20ms"

	// Point the embedding probe at a dead endpoint so Init degrades to
	// keyword-only deterministically instead of finding a live Ollama.
	srv := httptest.NewServer(http.NotFoundHandler())
	dead := srv.URL
	srv.Close()
	cfg.Embedding.OllamaEndpoint = dead
	return cfg
}

func TestInitAndDestroy_NoLeakedGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	a, err := Init(ctx, testConfig(t), Options{Session: oauth.NewMemorySession()})
	if err != nil {
		t.Fatal(err)
	}

	if a.Locks == nil || a.Queue == nil || a.Budgets == nil || a.Breaker == nil ||
		a.Turns == nil || a.Vectors == nil || a.Vault == nil || a.Tokens == nil ||
		a.OAuth == nil || a.License == nil || a.Coordinator == nil {
		t.Fatal("Init left a singleton nil")
	}

	a.Destroy(ctx)
}

func TestInit_SoloInstanceBecomesPrimary(t *testing.T) {
	ctx := context.Background()
	a, err := Init(ctx, testConfig(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !a.Coordinator.IsPrimary() {
		time.Sleep(5 * time.Millisecond)
	}
	if !a.Coordinator.IsPrimary() {
		t.Fatal("lone instance must claim primary")
	}
}

func TestReset_ClearsTransientState(t *testing.T) {
	ctx := context.Background()
	a, err := Init(ctx, testConfig(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy(ctx)

	if _, err := a.Locks.TryAcquire("session"); err != nil {
		t.Fatal(err)
	}
	a.Breaker.RecordFailure()

	a.Reset()

	if a.Locks.IsHeld("session") {
		t.Fatal("reset must force-release locks")
	}
	if got := a.Breaker.CallCount(); got != 0 {
		t.Fatalf("breaker call count = %d after reset", got)
	}
	if a.Budgets.ActiveCount() != 0 {
		t.Fatal("reset must abort active budgets")
	}
}

// mintLicense signs an ES256 license token the way the license server does.
func mintLicense(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	seg := func(v map[string]interface{}) string {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}
	signingInput := seg(map[string]interface{}{"alg": "ES256", "typ": "JWT"}) + "." +
		seg(map[string]interface{}{
			"tier": "chamber",
			"iat":  time.Now().Unix(),
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestInit_WiresConfiguredLicenseKeys(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.License.PublicKeys = map[int]string{1: base64.StdEncoding.EncodeToString(der)}
	cfg.License.ActiveKeyVersion = 1

	ctx := context.Background()
	a, err := Init(ctx, cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy(ctx)

	token := mintLicense(t, key)
	claims, err := a.License.VerifyOffline(token)
	if err != nil {
		t.Fatalf("configured keys must verify a validly signed token: %v", err)
	}
	if claims.Tier != "chamber" {
		t.Fatalf("tier = %s", claims.Tier)
	}
	if err := a.License.Store(token); err != nil {
		t.Fatalf("store failed: %v", err)
	}
}

func TestInit_RejectsMalformedLicenseKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.License.PublicKeys = map[int]string{1: "garbage"}

	if _, err := Init(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("Init must fail on an unparseable license key")
	}
}

func TestVectorSink_UpsertsChunks(t *testing.T) {
	ctx := context.Background()
	a, err := Init(ctx, testConfig(t), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy(ctx)

	sink := a.vectorSink()
	texts := []string{"track one", "track two"}
	vectors := [][]float32{{1, 0}, {0, 1}}
	if err := sink(ctx, texts, vectors); err != nil {
		t.Fatal(err)
	}
	if got := a.Vectors.Count(); got != 2 {
		t.Fatalf("count = %d", got)
	}

	// Re-indexing identical text upserts rather than duplicating.
	if err := sink(ctx, texts, vectors); err != nil {
		t.Fatal(err)
	}
	if got := a.Vectors.Count(); got != 2 {
		t.Fatalf("count after re-index = %d", got)
	}
}
