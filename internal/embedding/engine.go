// Package embedding generates vector embeddings for track and listening-note
// text. Two backends are supported: a local Ollama server and Google GenAI;
// the active backend is chosen by probing at startup so consumers treat it as
// an opaque capability.
package embedding

import (
	"context"
	"fmt"
	"math"

	"rhythmchamber/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is implemented by engines that can verify availability before
// batch work starts.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "ollama", "genai", or "auto" for startup probing.
	Provider string `json:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "auto",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine for an explicit provider.
func NewEngine(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "ollama":
		logging.Embedding("initializing ollama engine: endpoint=%s model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		logging.Embedding("initializing genai engine: model=%s", cfg.GenAIModel)
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai' or 'auto')", cfg.Provider)
	}
}

// ProbeEngine selects a backend at startup. The local engine is preferred;
// when its health check fails the cloud engine is used if configured.
func ProbeEngine(ctx context.Context, cfg Config) (Engine, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		return NewEngine(cfg)
	}

	local, err := NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	if err == nil {
		if herr := local.HealthCheck(ctx); herr == nil {
			logging.Embedding("probe selected %s", local.Name())
			return local, nil
		} else {
			logging.EmbeddingDebug("local engine probe failed: %v", herr)
		}
	}

	if cfg.GenAIAPIKey != "" {
		remote, gerr := NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
		if gerr == nil {
			logging.Embedding("probe selected %s", remote.Name())
			return remote, nil
		}
		return nil, gerr
	}

	return nil, fmt.Errorf("no embedding backend available: local probe failed and no genai key configured")
}

// =============================================================================
// SIMILARITY
// =============================================================================

// CosineSimilarity returns the cosine similarity of two vectors in [-1, 1].
// Zero-magnitude vectors yield 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i] * b[i])
		magA += float64(a[i] * a[i])
		magB += float64(b[i] * b[i])
	}

	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
