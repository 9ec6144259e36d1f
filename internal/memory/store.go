// Package memory implements the validated-example store: a SQLite-backed
// index of (description, code) pairs with semantic similarity query.
// The store is an explicitly owned instance with its own lifecycle; there
// is no package-level state.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"stigforge/internal/embedding"
	"stigforge/internal/logging"
	"stigforge/internal/parser"
	"stigforge/internal/types"
)

// ErrStoreUnavailable reports that the backing index is not initialized or
// already closed. Callers treat it as "zero examples available", never as a
// fatal pipeline error.
var ErrStoreUnavailable = errors.New("example store unavailable")

// Options tunes query behavior.
type Options struct {
	// RelevanceFloor drops results whose similarity is below this value.
	// Zero disables the floor.
	RelevanceFloor float64
}

// Store persists validated examples and answers similarity queries.
// Queries may run concurrently; ingestion takes the write lock.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
	engine embedding.Engine // nil means keyword fallback
	opts   Options
}

// Open initializes the SQLite database at path, creating parent
// directories as needed. Use ":memory:" for an ephemeral store.
func Open(path string, opts Options) (*Store, error) {
	log := logging.Get(logging.CategoryMemory)
	logging.Memory("opening example store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path, opts: opts}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS examples (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			key         TEXT NOT NULL UNIQUE,
			source      TEXT NOT NULL,
			control_id  TEXT NOT NULL,
			description TEXT NOT NULL,
			code        TEXT NOT NULL,
			embedding   TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_examples_source ON examples(source);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SetEmbeddingEngine configures semantic search. Without an engine the
// store falls back to keyword-overlap matching.
func (s *Store) SetEmbeddingEngine(engine embedding.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = engine
}

// Close releases the backing database. Further operations return
// ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ingest scans a baseline directory for verification-code files, parses
// each into controls, and commits each as an example keyed by
// source:control_id. Re-ingesting the same source is idempotent:
// last-write-wins on content, no duplicate rows, insertion order preserved.
// Zero parsable controls is a zero-count success.
func (s *Store) Ingest(ctx context.Context, baselineDir string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, ErrStoreUnavailable
	}

	controls, err := parser.ParseBaselineDir(baselineDir)
	if err != nil {
		return 0, fmt.Errorf("scan baseline %s: %w", baselineDir, err)
	}
	if len(controls) == 0 {
		logging.Memory("no parsable controls in %s", baselineDir)
		return 0, nil
	}

	// Embed up front so a mid-batch engine fault degrades the whole batch
	// uniformly instead of leaving it half-searchable.
	var vectors [][]float32
	if s.engine != nil {
		texts := make([]string, len(controls))
		for i, c := range controls {
			texts[i] = c.Description
		}
		vectors, err = s.engine.EmbedBatch(ctx, texts)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("embedding failed, storing without vectors: %v", err)
			vectors = nil
		}
	}

	added := 0
	for i, c := range controls {
		key := compositeKey(baselineDir, c.ID)

		var embJSON any
		if vectors != nil {
			raw, err := json.Marshal(vectors[i])
			if err == nil {
				embJSON = string(raw)
			}
		}

		// Upsert keeps the original rowid so insertion-order tie-breaks
		// survive re-ingestion.
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO examples (key, source, control_id, description, code, embedding)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				description = excluded.description,
				code        = excluded.code,
				embedding   = excluded.embedding`,
			key, baselineDir, c.ID, c.Description, c.Code, embJSON,
		)
		if err != nil {
			return added, fmt.Errorf("commit example %s: %w", key, err)
		}
		added++
	}

	logging.Memory("ingested %d controls from %s", added, baselineDir)
	return added, nil
}

// IngestExample commits a single validated (description, code) pair. Used
// by the pipeline to close the learning loop after a successful repair.
func (s *Store) IngestExample(ctx context.Context, source string, c types.Control) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreUnavailable
	}

	var embJSON any
	if s.engine != nil {
		if vec, err := s.engine.Embed(ctx, c.Description); err == nil {
			if raw, err := json.Marshal(vec); err == nil {
				embJSON = string(raw)
			}
		} else {
			logging.Get(logging.CategoryMemory).Warn("embedding failed for %s: %v", c.ID, err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO examples (key, source, control_id, description, code, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			description = excluded.description,
			code        = excluded.code,
			embedding   = excluded.embedding`,
		compositeKey(source, c.ID), source, c.ID, c.Description, c.Code, embJSON,
	)
	if err != nil {
		return fmt.Errorf("commit example %s: %w", c.ID, err)
	}
	return nil
}

// Query returns the k most semantically similar examples for a control
// description, most similar first, ties broken by insertion order. An
// empty store or zero matches above the relevance floor yields an empty
// slice, not an error.
func (s *Store) Query(ctx context.Context, description string, k int) ([]types.Example, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreUnavailable
	}
	if k < 1 {
		k = 1
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, key, source, control_id, description, code, embedding FROM examples ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query examples: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		rowID   int64
		example types.Example
		score   float64
	}

	var queryVec []float32
	if s.engine != nil {
		queryVec, err = s.engine.Embed(ctx, description)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("query embedding failed, using keyword match: %v", err)
			queryVec = nil
		}
	}

	var candidates []candidate
	for rows.Next() {
		var (
			c       candidate
			embJSON sql.NullString
		)
		if err := rows.Scan(&c.rowID, &c.example.Key, &c.example.Source,
			&c.example.ControlID, &c.example.Description, &c.example.Code, &embJSON); err != nil {
			continue
		}

		if queryVec != nil && embJSON.Valid {
			var vec []float32
			if err := json.Unmarshal([]byte(embJSON.String), &vec); err != nil {
				continue
			}
			sim, err := embedding.CosineSimilarity(queryVec, vec)
			if err != nil {
				continue
			}
			c.score = sim
		} else {
			c.score = keywordOverlap(description, c.example.Description)
		}
		c.example.Similarity = c.score
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan examples: %w", err)
	}

	if s.opts.RelevanceFloor > 0 {
		kept := candidates[:0]
		for _, c := range candidates {
			if c.score >= s.opts.RelevanceFloor {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].rowID < candidates[j].rowID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]types.Example, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, c.example)
	}
	logging.MemoryDebug("query %q returned %d/%d examples", description, len(results), k)
	return results, nil
}

// Count returns the number of stored examples.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrStoreUnavailable
	}
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM examples").Scan(&n)
	return n, err
}

// Stats reports store size and engine configuration.
func (s *Store) Stats() (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStoreUnavailable
	}

	stats := make(map[string]interface{})
	var total, embedded int64
	s.db.QueryRow("SELECT COUNT(*) FROM examples").Scan(&total)
	s.db.QueryRow("SELECT COUNT(*) FROM examples WHERE embedding IS NOT NULL").Scan(&embedded)
	stats["total_examples"] = total
	stats["with_embeddings"] = embedded
	if s.engine != nil {
		stats["embedding_engine"] = s.engine.Name()
		stats["embedding_dimensions"] = s.engine.Dimensions()
	} else {
		stats["embedding_engine"] = "none (keyword match)"
	}
	return stats, nil
}

// compositeKey builds the idempotent ingestion key.
func compositeKey(source, controlID string) string {
	return source + ":" + controlID
}

// keywordOverlap is the engine-less fallback score: the fraction of query
// tokens present in the candidate description.
func keywordOverlap(query, description string) float64 {
	queryTokens := strings.Fields(strings.ToLower(query))
	if len(queryTokens) == 0 {
		return 0
	}
	descSet := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(description)) {
		descSet[strings.Trim(tok, ".,;:'\"")] = true
	}
	hits := 0
	for _, tok := range queryTokens {
		if descSet[strings.Trim(tok, ".,;:'\"")] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}
