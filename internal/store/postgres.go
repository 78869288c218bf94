package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the memory engine's relations in PostgreSQL with
// pgvector for similarity search.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresStore(ctx context.Context, databaseURL string, embeddingDim int) (*PostgresStore, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", embeddingDim)
	}
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, dim: embeddingDim}
	if err := s.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the schema. Re-running against an initialized store is a
// no-op: every duplicate signal from the engine is folded into the
// already-exists branch and skipped.
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			system INTEGER NOT NULL,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			source_conversations TEXT[] NOT NULL DEFAULT '{}',
			confidence DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_reinforced_at TIMESTAMPTZ NOT NULL,
			reinforcement_count INTEGER NOT NULL DEFAULT 1,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ NULL,
			promoted_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_tier ON memories (agent_id, tier);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_category ON memories (agent_id, category);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_vectors (
			memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
			embedding vector(%d) NOT NULL
		);`, s.dim),
		`CREATE TABLE IF NOT EXISTS memory_links (
			from_memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			to_memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			relationship TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (from_memory_id, to_memory_id, relationship),
			CHECK (from_memory_id <> to_memory_id)
		);`,
		`CREATE TABLE IF NOT EXISTS consolidation_runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL,
			status TEXT NOT NULL,
			conversations_processed INTEGER NOT NULL DEFAULT 0,
			memories_created INTEGER NOT NULL DEFAULT 0,
			memories_reinforced INTEGER NOT NULL DEFAULT 0,
			memories_linked INTEGER NOT NULL DEFAULT 0,
			provider TEXT NOT NULL DEFAULT '',
			errors TEXT[] NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent_started ON consolidation_runs (agent_id, started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS consolidated_conversations (
			agent_id TEXT NOT NULL,
			conversation_file TEXT NOT NULL,
			run_id TEXT NOT NULL,
			consolidated_at TIMESTAMPTZ NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			memories_extracted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, conversation_file)
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_index (
			agent_id TEXT NOT NULL,
			conversation_file TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			first_user_message TEXT NOT NULL DEFAULT '',
			last_indexed_at TIMESTAMPTZ NOT NULL,
			last_indexed_message_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, conversation_file)
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			conversation_file TEXT NOT NULL,
			line INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			embedding vector(%d) NULL
		);`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_messages_agent_created ON messages (agent_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent_file ON messages (agent_id, conversation_file);`,
		`CREATE TABLE IF NOT EXISTS message_search (
			message_id TEXT NOT NULL,
			content_tsv TSVECTOR NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_message_search_tsv ON message_search USING GIN (content_tsv);`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			if isAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("init schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// isAlreadyExists folds every known duplicate/conflict shape from the
// engine into one branch: duplicate_table (42P07), duplicate_object
// (42710), duplicate_column (42701), unique_violation (23505), and the
// plain "already exists" message some paths surface.
func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyExists) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P07", "42710", "42701", "23505":
			return true
		}
	}
	return strings.Contains(err.Error(), "already exists")
}

// normalizeErr maps engine error shapes to the store's sentinel errors so
// callers never have to sniff backend-specific codes.
func normalizeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01": // undefined_table: schema not created yet
			return fmt.Errorf("%s: %w", op, ErrNotInitialized)
		case "23505":
			return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return strings.TrimSpace(stmt[:i])
	}
	return strings.TrimSpace(stmt)
}
