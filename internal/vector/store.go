// Package vector implements the local vector store: durable sqlite persistence
// for track embeddings with an in-memory retry queue for failed persists.
// The store assumes a single writer in the main context.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rhythmchamber/internal/embedding"
	"rhythmchamber/internal/logging"
)

// =============================================================================
// LOCAL VECTOR STORE
// =============================================================================

// ErrPersistFailed marks a durable write that could not complete. The record
// stays queryable in memory and enters the retry queue.
var ErrPersistFailed = errors.New("vector persist failed")

// Record is one stored embedding.
type Record struct {
	ID        string
	Content   string
	Vector    []float32
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// SearchResult pairs a record with its similarity to the query.
type SearchResult struct {
	Record     Record
	Similarity float64
}

// RetryConfig bounds the failed-persist retry queue.
type RetryConfig struct {
	// RetryTimeout drops entries older than this with a logged give-up.
	RetryTimeout time.Duration

	// MaxRetries drops entries after this many failed attempts.
	MaxRetries int
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		RetryTimeout: 60 * time.Second,
		MaxRetries:   5,
	}
}

// RetryMetrics summarizes the retry queue. Derived in O(n) without copying.
type RetryMetrics struct {
	Size             int
	OldestRetryAgeMS int64
	MaxRetryCount    int
}

type retryEntry struct {
	firstFailed time.Time
	attempts    int
}

// Store is the local vector store.
type Store struct {
	mu sync.RWMutex

	db     *sql.DB
	config RetryConfig

	// records is the in-memory truth; the database is the durable copy.
	records        map[string]*Record
	failedPersists map[string]*retryEntry

	nowFunc   func() time.Time
	persistFn func(rec *Record) error // injectable for tests
}

// Open opens (creating if needed) the vector store at path and loads existing
// records into memory.
func Open(path string, config RetryConfig) (*Store, error) {
	def := DefaultRetryConfig()
	if config.RetryTimeout <= 0 {
		config.RetryTimeout = def.RetryTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	s := &Store{
		db:             db,
		config:         config,
		records:        make(map[string]*Record),
		failedPersists: make(map[string]*retryEntry),
		nowFunc:        time.Now,
	}
	s.persistFn = s.persistToDB

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Vector("vector store opened: %d records (driver=%s)", len(s.records), driverName)
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("migrate vectors table: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query("SELECT id, content, embedding, metadata, created_at FROM vectors")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rec Record
		var embJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Content, &embJSON, &metaJSON, &rec.CreatedAt); err != nil {
			logging.VectorWarn("skipping unreadable row: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(embJSON), &rec.Vector); err != nil {
			logging.VectorWarn("skipping row %s with bad embedding: %v", rec.ID, err)
			continue
		}
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
		}
		s.records[rec.ID] = &rec
	}
	return rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// -----------------------------------------------------------------------------
// Upsert and Retry Queue
// -----------------------------------------------------------------------------

// Upsert stores a record. The in-memory copy always succeeds; a durable-write
// failure queues the id for retry and returns ErrPersistFailed. Every upsert
// also sweeps the retry queue.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFunc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = &rec

	var persistErr error
	if err := s.persistFn(&rec); err != nil {
		entry, ok := s.failedPersists[rec.ID]
		if !ok {
			entry = &retryEntry{firstFailed: s.nowFunc()}
			s.failedPersists[rec.ID] = entry
		}
		entry.attempts++
		logging.VectorWarn("persist failed for %s (attempt %d): %v", rec.ID, entry.attempts, err)
		persistErr = fmt.Errorf("%w: %s: %v", ErrPersistFailed, rec.ID, err)
	} else {
		delete(s.failedPersists, rec.ID)
	}

	s.sweepRetriesLocked(ctx)
	return persistErr
}

// sweepRetriesLocked walks the retry queue in place. Entries whose record has
// been deleted are removed, stale or exhausted entries are dropped with a
// give-up log, the rest get one more persist attempt.
func (s *Store) sweepRetriesLocked(ctx context.Context) {
	now := s.nowFunc()

	for id, entry := range s.failedPersists {
		if ctx.Err() != nil {
			return
		}

		rec, exists := s.records[id]
		if !exists {
			// Deleted records must not leave stale retry entries behind.
			delete(s.failedPersists, id)
			continue
		}

		if now.Sub(entry.firstFailed) > s.config.RetryTimeout || entry.attempts > s.config.MaxRetries {
			delete(s.failedPersists, id)
			logging.VectorWarn("giving up on persist retry for %s after %d attempts (%v old)",
				id, entry.attempts, now.Sub(entry.firstFailed).Round(time.Millisecond))
			continue
		}

		if err := s.persistFn(rec); err != nil {
			entry.attempts++
			continue
		}
		delete(s.failedPersists, id)
		logging.VectorDebug("persist retry succeeded for %s", id)
	}
}

func (s *Store) persistToDB(rec *Record) error {
	embJSON, err := json.Marshal(rec.Vector)
	if err != nil {
		return err
	}
	metaJSON, _ := json.Marshal(rec.Metadata)

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO vectors (id, content, embedding, metadata, created_at) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Content, string(embJSON), string(metaJSON), rec.CreatedAt,
	)
	return err
}

// Delete removes a record and, atomically with it, any retry entry for the
// same id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	delete(s.failedPersists, id)

	_, err := s.db.Exec("DELETE FROM vectors WHERE id = ?", id)
	return err
}

// Clear empties records and retry queue in one step.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*Record)
	s.failedPersists = make(map[string]*retryEntry)

	_, err := s.db.Exec("DELETE FROM vectors")
	return err
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Get returns a record by id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Count returns the number of records in memory.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Search returns the top-k records by cosine similarity to the query vector.
func (s *Store) Search(ctx context.Context, query []float32, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]SearchResult, 0, len(s.records))
	skipped := 0
	for _, rec := range s.records {
		sim, err := embedding.CosineSimilarity(query, rec.Vector)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SearchResult{Record: *rec, Similarity: sim})
	}
	if skipped > 0 {
		logging.VectorWarn("search skipped %d records with mismatched dimensions", skipped)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// RetryQueueMetrics derives retry-queue metrics in one pass.
func (s *Store) RetryQueueMetrics() RetryMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := RetryMetrics{Size: len(s.failedPersists)}
	now := s.nowFunc()
	for _, entry := range s.failedPersists {
		if age := now.Sub(entry.firstFailed).Milliseconds(); age > m.OldestRetryAgeMS {
			m.OldestRetryAgeMS = age
		}
		if entry.attempts > m.MaxRetryCount {
			m.MaxRetryCount = entry.attempts
		}
	}
	return m
}

// HasRetryEntry reports whether id is queued for persist retry.
func (s *Store) HasRetryEntry(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.failedPersists[id]
	return ok
}
