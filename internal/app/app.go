// Package app wires the per-origin singletons: lock registry, operation
// queue, budgets, breaker, turn pipeline, embedding, vector store, cross-tab
// coordination and the credential trust plane. Each App owns one origin's
// worth of state with explicit Init, Reset and Destroy phases so tests and
// multi-session hosts can isolate them.
package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"

	"rhythmchamber/internal/breaker"
	"rhythmchamber/internal/budget"
	"rhythmchamber/internal/config"
	"rhythmchamber/internal/embedding"
	"rhythmchamber/internal/license"
	"rhythmchamber/internal/llm"
	"rhythmchamber/internal/logging"
	"rhythmchamber/internal/oauth"
	"rhythmchamber/internal/oplock"
	"rhythmchamber/internal/opqueue"
	"rhythmchamber/internal/securestore"
	"rhythmchamber/internal/tabs"
	"rhythmchamber/internal/tools"
	"rhythmchamber/internal/turn"
	"rhythmchamber/internal/vector"
)

// App is one origin's fully wired instance.
type App struct {
	Config *config.Config

	Locks   *oplock.Registry
	Queue   *opqueue.Queue
	Budgets *budget.Manager
	Breaker *breaker.Breaker

	Tools *tools.Registry
	LLM   llm.Client
	Turns *turn.Queue

	Vectors *vector.Store
	Tasks   *embedding.Manager

	Vault       *securestore.Store
	Tokens      *oauth.TokenStore
	OAuth       *oauth.Manager
	License     *license.Verifier
	Coordinator *tabs.Coordinator

	channel tabs.Channel
	engine  embedding.Engine
}

// Options tunes Init beyond the config file.
type Options struct {
	// Channel overrides the cross-tab transport. Nil uses an in-process
	// channel; production multi-instance setups dial the hub.
	Channel tabs.Channel

	// Session holds OAuth flow secrets. Nil fails the flow closed.
	Session oauth.SessionStorage
}

// Init builds and starts every singleton for one origin.
func Init(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := logging.Initialize(cfg.Workspace); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logging.Boot("initializing origin (workspace=%s)", cfg.Workspace)

	a := &App{Config: cfg}

	// Concurrency core.
	a.Locks = oplock.NewRegistry()
	a.Budgets = budget.NewManager()
	a.Breaker = breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MaxCallsPerTurn:  cfg.Breaker.MaxCallsPerTurn,
		Cooldown:         cfg.GetBreakerCooldown(),
	})
	a.Queue = opqueue.New(a.Locks, opqueue.Config{
		MaxPreCheckRetries: cfg.Queue.MaxPreCheckRetries,
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		DefaultTimeout:     cfg.GetQueueTimeout(),
	})
	a.Queue.Start()

	// Chat pipeline.
	a.Tools = tools.NewRegistry()
	llmCfg := llm.DefaultConfig(cfg.LLM.APIKey)
	if cfg.LLM.BaseURL != "" {
		llmCfg.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.LLM.Model != "" {
		llmCfg.Model = cfg.LLM.Model
	}
	if cfg.LLM.MaxTokens > 0 {
		llmCfg.MaxTokens = cfg.LLM.MaxTokens
	}
	llmCfg.Timeout = cfg.GetLLMTimeout()
	llmCfg.Stream = cfg.LLM.Stream
	a.LLM = llm.NewHTTPClient(llmCfg)
	a.Turns = turn.NewQueue(a.LLM, a.Tools, a.Breaker, a.Budgets, turn.Config{
		TurnBudget:     cfg.GetTurnBudget(),
		SummaryBudget:  cfg.GetSummaryBudget(),
		FunctionBudget: cfg.GetFunctionBudget(),
	})
	a.Turns.Start()

	// Indexing.
	store, err := vector.Open(cfg.Vector.DatabasePath, vector.RetryConfig{
		RetryTimeout: cfg.GetVectorRetryTimeout(),
		MaxRetries:   cfg.Vector.MaxRetries,
	})
	if err != nil {
		a.Destroy(ctx)
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	a.Vectors = store

	engine, err := embedding.ProbeEngine(ctx, embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		// Keyword-only degradation: search still works, indexing waits.
		logging.EmbeddingWarn("no embedding backend available: %v", err)
	} else {
		a.engine = engine
		checkpoints := embedding.NewFileCheckpointStore(rhythmDir(cfg))
		a.Tasks = embedding.NewManager(engine, a.Locks, checkpoints, a.vectorSink(), embedding.TaskConfig{
			BatchSize:          cfg.Embedding.BatchSize,
			CheckpointInterval: cfg.Embedding.CheckpointInterval,
		})
	}

	// Trust plane.
	vault, err := securestore.Open(filepath.Join(rhythmDir(cfg), "vault"))
	if err != nil {
		a.Destroy(ctx)
		return nil, fmt.Errorf("open secure store: %w", err)
	}
	a.Vault = vault
	a.Tokens = oauth.NewTokenStore(vault)
	oauthCfg := oauth.DefaultConfig(cfg.OAuth.ClientID, cfg.OAuth.RedirectURI)
	if len(cfg.OAuth.Scopes) > 0 {
		oauthCfg.Scopes = cfg.OAuth.Scopes
	}
	a.OAuth = oauth.NewManager(oauthCfg, opts.Session)
	licCfg := license.Config{
		ServerURL:  cfg.License.ServerURL,
		Origin:     cfg.License.Origin,
		StorageDir: rhythmDir(cfg),
	}
	if len(cfg.License.PublicKeys) > 0 {
		keys, kerr := license.ParseKeyMap(cfg.License.PublicKeys)
		if kerr != nil {
			a.Destroy(ctx)
			return nil, fmt.Errorf("license config: %w", kerr)
		}
		licCfg.PublicKeys = keys
		licCfg.ActiveKeyVersion = cfg.License.ActiveKeyVersion
	}
	a.License = license.NewVerifier(licCfg)

	// Coordination. Session rotation on demotion keeps background tabs from
	// holding usable credentials.
	a.channel = opts.Channel
	if a.channel == nil {
		a.channel = tabs.NewMemoryChannel()
	}
	a.Coordinator = tabs.NewCoordinator(a.channel, tabs.Config{
		ElectionTimeout: cfg.GetElectionTimeout(),
	})
	a.Coordinator.OnAuthorityChange(func(isPrimary bool) {
		if !isPrimary {
			if err := a.Vault.InvalidateSessions(); err != nil {
				logging.AuthWarn("session invalidation on demotion failed: %v", err)
			}
		}
	})
	a.Coordinator.Start(ctx)

	logging.Boot("origin initialized (tab=%s)", a.Coordinator.TabID())
	return a, nil
}

// vectorSink adapts the vector store into the embedding task sink.
func (a *App) vectorSink() embedding.Sink {
	return func(ctx context.Context, texts []string, vectors [][]float32) error {
		for i, text := range texts {
			rec := vector.Record{
				ID:      fmt.Sprintf("chunk-%x", hashText(text)),
				Content: text,
				Vector:  vectors[i],
			}
			if err := a.Vectors.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	}
}

// Reset returns the origin to a clean state without tearing down transports.
// Locks are force-released, budgets aborted, breaker and history cleared.
func (a *App) Reset() {
	logging.Boot("resetting origin state")
	if a.Locks != nil {
		a.Locks.Reset()
	}
	if a.Budgets != nil {
		a.Budgets.Reset()
	}
	if a.Breaker != nil {
		a.Breaker.ResetTurn()
	}
	if a.Turns != nil {
		a.Turns.ResetHistory()
	}
	if a.Queue != nil {
		a.Queue.ClearCompleted()
	}
}

// Destroy tears everything down. Safe on a partially initialized App.
func (a *App) Destroy(ctx context.Context) {
	logging.Boot("destroying origin")
	if a.Coordinator != nil {
		a.Coordinator.Close(ctx)
	}
	if a.channel != nil {
		a.channel.Close()
	}
	if a.Tasks != nil {
		a.Tasks.Cancel()
		a.Tasks.Wait()
	}
	if a.Turns != nil {
		a.Turns.Destroy()
	}
	if a.Queue != nil {
		a.Queue.Destroy()
	}
	if a.Budgets != nil {
		a.Budgets.Reset()
	}
	if a.Vectors != nil {
		a.Vectors.Close()
	}
	if closer, ok := a.engine.(interface{ Close() error }); ok {
		closer.Close()
	}
	logging.CloseAll()
}

func rhythmDir(cfg *config.Config) string {
	return filepath.Join(cfg.Workspace, ".rhythm")
}

// hashText gives chunk records stable ids so re-indexing the same text
// upserts instead of duplicating.
func hashText(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}
