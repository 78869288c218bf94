package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

const memoryColumns = `id, agent_id, tier, system, category, content, context, source_conversations,
	confidence, created_at, last_reinforced_at, reinforcement_count, access_count, last_accessed_at, promoted_at`

// CreateMemory inserts the memory row first and its vector second. A crash
// between the two leaves a memory without a vector, which similarity search
// simply never returns; the next error path corrects it.
func (s *PostgresStore) CreateMemory(ctx context.Context, mem Memory, vector []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (`+memoryColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		mem.ID, mem.AgentID, string(mem.Tier), mem.System, string(mem.Category),
		mem.Content, mem.Context, mem.SourceConversations, mem.Confidence,
		mem.CreatedAt, mem.LastReinforcedAt, mem.ReinforcementCount,
		mem.AccessCount, mem.LastAccessedAt, mem.PromotedAt,
	)
	if err != nil {
		return normalizeErr("create memory", err)
	}
	if len(vector) == 0 {
		return nil
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_vectors (memory_id, embedding) VALUES ($1, $2)
		 ON CONFLICT (memory_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		mem.ID, pgvector.NewVector(vector),
	)
	if err != nil {
		return normalizeErr("create memory vector", err)
	}
	return nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, agentID, memoryID string) (Memory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1 AND agent_id = $2`,
		memoryID, agentID,
	)
	mem, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Memory{}, ErrNotFound
		}
		return Memory{}, normalizeErr("get memory", err)
	}
	return mem, nil
}

func (s *PostgresStore) Reinforce(ctx context.Context, memoryID, extraContext, sourceConversation string, now time.Time) (Memory, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE memories SET
			reinforcement_count = reinforcement_count + 1,
			last_reinforced_at = $2,
			context = CASE
				WHEN $3 = '' OR context = $3 THEN context
				WHEN context = '' THEN $3
				ELSE context || ' | ' || $3
			END,
			source_conversations = CASE
				WHEN $4 = '' OR $4 = ANY(source_conversations) THEN source_conversations
				ELSE array_append(source_conversations, $4)
			END
		 WHERE id = $1
		 RETURNING `+memoryColumns,
		memoryID, now, extraContext, sourceConversation,
	)
	mem, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Memory{}, ErrNotFound
		}
		return Memory{}, normalizeErr("reinforce memory", err)
	}
	return mem, nil
}

func (s *PostgresStore) ListPromotable(ctx context.Context, agentID string, minReinforcements int, cutoff time.Time) ([]Memory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE agent_id = $1 AND tier = $2 AND reinforcement_count >= $3 AND created_at <= $4
		 ORDER BY created_at ASC`,
		agentID, string(TierWarm), minReinforcements, cutoff,
	)
	if err != nil {
		return nil, normalizeErr("list promotable", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *PostgresStore) PromoteMemory(ctx context.Context, memoryID string, now time.Time) error {
	// The tier guard makes repeated promotion a no-op; long never regresses.
	_, err := s.pool.Exec(ctx,
		`UPDATE memories SET tier = $2, promoted_at = $3 WHERE id = $1 AND tier = $4`,
		memoryID, string(TierLong), now, string(TierWarm),
	)
	return normalizeErr("promote memory", err)
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, agentID, memoryID string) error {
	// Vector and incident links cascade from the memory row.
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE id = $1 AND agent_id = $2`,
		memoryID, agentID,
	)
	if err != nil {
		return normalizeErr("delete memory", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchAccess(ctx context.Context, memoryIDs []string, now time.Time) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = $2 WHERE id = ANY($1)`,
		memoryIDs, now,
	)
	return normalizeErr("touch access", err)
}

func (s *PostgresStore) SearchSimilar(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("search: empty query vector")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumnsQualified("m")+`, v.embedding <=> $1 AS distance
		 FROM memories m
		 JOIN memory_vectors v ON v.memory_id = m.id
		 WHERE m.agent_id = $2
		   AND ($3 = '' OR m.category = $3)
		   AND ($4 = '' OR m.tier = $4)
		   AND m.confidence >= $5
		 ORDER BY v.embedding <=> $1 ASC
		 LIMIT $6`,
		pgvector.NewVector(q.Vector), q.AgentID, string(q.Category), string(q.Tier), q.MinConfidence, limit,
	)
	if err != nil {
		return nil, normalizeErr("search similar", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := scanMemoryInto(rows, &r.Memory, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeErr("iterate search results", err)
	}
	return results, nil
}

func (s *PostgresStore) AddLink(ctx context.Context, link MemoryLink) error {
	if link.FromID == link.ToID {
		return fmt.Errorf("add link: self-loop on %s", link.FromID)
	}
	if !ValidRelationship(link.Relationship) {
		return fmt.Errorf("add link: unknown relationship %q", link.Relationship)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_links (from_memory_id, to_memory_id, relationship, created_at)
		 VALUES ($1, $2, $3, $4)`,
		link.FromID, link.ToID, string(link.Relationship), link.CreatedAt,
	)
	return normalizeErr("add link", err)
}

func (s *PostgresStore) Related(ctx context.Context, memoryID string, maxDepth, limit int) ([]RelatedMemory, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`WITH RECURSIVE walk AS (
			SELECT l.to_memory_id AS id, l.relationship, 1 AS depth,
			       ARRAY[l.from_memory_id, l.to_memory_id] AS path
			FROM memory_links l
			WHERE l.from_memory_id = $1
			UNION ALL
			SELECT l.to_memory_id, l.relationship, w.depth + 1, w.path || l.to_memory_id
			FROM memory_links l
			JOIN walk w ON l.from_memory_id = w.id
			WHERE w.depth < $2 AND NOT l.to_memory_id = ANY(w.path)
		)
		SELECT DISTINCT ON (w.id) `+memoryColumnsQualified("m")+`, w.relationship, w.depth
		FROM walk w
		JOIN memories m ON m.id = w.id
		ORDER BY w.id, w.depth ASC
		LIMIT $3`,
		memoryID, maxDepth, limit,
	)
	if err != nil {
		return nil, normalizeErr("related memories", err)
	}
	defer rows.Close()

	var out []RelatedMemory
	for rows.Next() {
		var rel RelatedMemory
		var relationship string
		if err := scanMemoryInto(rows, &rel.Memory, &relationship, &rel.Depth); err != nil {
			return nil, fmt.Errorf("scan related memory: %w", err)
		}
		rel.Relationship = Relationship(relationship)
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeErr("iterate related memories", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	if err := scanMemoryInto(row, &m); err != nil {
		return Memory{}, err
	}
	return m, nil
}

// scanMemoryInto scans the memory columns followed by any trailing columns.
func scanMemoryInto(row rowScanner, m *Memory, extra ...any) error {
	var tier, category string
	dest := []any{
		&m.ID, &m.AgentID, &tier, &m.System, &category, &m.Content, &m.Context,
		&m.SourceConversations, &m.Confidence, &m.CreatedAt, &m.LastReinforcedAt,
		&m.ReinforcementCount, &m.AccessCount, &m.LastAccessedAt, &m.PromotedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	m.Tier = Tier(tier)
	m.Category = Category(category)
	return nil
}

func scanMemories(rows pgx.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		if err := scanMemoryInto(rows, &m); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func memoryColumnsQualified(alias string) string {
	return alias + `.id, ` + alias + `.agent_id, ` + alias + `.tier, ` + alias + `.system, ` +
		alias + `.category, ` + alias + `.content, ` + alias + `.context, ` + alias + `.source_conversations, ` +
		alias + `.confidence, ` + alias + `.created_at, ` + alias + `.last_reinforced_at, ` +
		alias + `.reinforcement_count, ` + alias + `.access_count, ` + alias + `.last_accessed_at, ` + alias + `.promoted_at`
}
