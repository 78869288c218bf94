package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

func (s *PostgresStore) CreateRun(ctx context.Context, run ConsolidationRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consolidation_runs (
			id, agent_id, started_at, completed_at, status,
			conversations_processed, memories_created, memories_reinforced, memories_linked,
			provider, errors
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		run.ID, run.AgentID, run.StartedAt, run.CompletedAt, string(run.Status),
		run.ConversationsProcessed, run.MemoriesCreated, run.MemoriesReinforced, run.MemoriesLinked,
		run.Provider, run.Errors,
	)
	return normalizeErr("create run", err)
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, runID string, progress RunProgress) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE consolidation_runs SET
			conversations_processed = $2,
			memories_created = $3,
			memories_reinforced = $4,
			memories_linked = $5
		 WHERE id = $1`,
		runID, progress.ConversationsProcessed, progress.MemoriesCreated,
		progress.MemoriesReinforced, progress.MemoriesLinked,
	)
	return normalizeErr("update run progress", err)
}

// FinalizeRun completes a run exactly once: the status guard refuses to
// rewrite a run that already left the running state.
func (s *PostgresStore) FinalizeRun(ctx context.Context, runID string, status RunStatus, runErrors []string, completedAt time.Time) error {
	if runErrors == nil {
		runErrors = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE consolidation_runs SET status = $2, errors = $3, completed_at = $4
		 WHERE id = $1 AND status = $5`,
		runID, string(status), runErrors, completedAt, string(RunStatusRunning),
	)
	if err != nil {
		return normalizeErr("finalize run", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize run %s: not running or %w", runID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, agentID string, limit int) ([]ConsolidationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, started_at, completed_at, status,
			conversations_processed, memories_created, memories_reinforced, memories_linked,
			provider, errors
		 FROM consolidation_runs WHERE agent_id = $1 ORDER BY started_at DESC LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, normalizeErr("list runs", err)
	}
	defer rows.Close()

	var out []ConsolidationRun
	for rows.Next() {
		var r ConsolidationRun
		var status string
		if err := rows.Scan(
			&r.ID, &r.AgentID, &r.StartedAt, &r.CompletedAt, &status,
			&r.ConversationsProcessed, &r.MemoriesCreated, &r.MemoriesReinforced, &r.MemoriesLinked,
			&r.Provider, &r.Errors,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = RunStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeErr("iterate runs", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkConsolidated(ctx context.Context, marker ConsolidatedConversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consolidated_conversations (
			agent_id, conversation_file, run_id, consolidated_at, message_count, memories_extracted
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		marker.AgentID, marker.ConversationFile, marker.RunID,
		marker.ConsolidatedAt, marker.MessageCount, marker.MemoriesExtracted,
	)
	return normalizeErr("mark consolidated", err)
}

func (s *PostgresStore) UnconsolidatedFiles(ctx context.Context, agentID string, files []string, limit int) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_file FROM consolidated_conversations
		 WHERE agent_id = $1 AND conversation_file = ANY($2)`,
		agentID, files,
	)
	if err != nil {
		return nil, normalizeErr("list consolidated", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan consolidated file: %w", err)
		}
		done[f] = true
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeErr("iterate consolidated", err)
	}

	var out []string
	for _, f := range files {
		if done[f] {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *PostgresStore) UpsertIndexEntry(ctx context.Context, entry ConversationIndexEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_index (
			agent_id, conversation_file, project, session_id, working_dir,
			first_user_message, last_indexed_at, last_indexed_message_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (agent_id, conversation_file) DO UPDATE SET
			project = EXCLUDED.project,
			session_id = EXCLUDED.session_id,
			working_dir = EXCLUDED.working_dir,
			first_user_message = EXCLUDED.first_user_message,
			last_indexed_at = EXCLUDED.last_indexed_at,
			last_indexed_message_count = EXCLUDED.last_indexed_message_count`,
		entry.AgentID, entry.ConversationFile, entry.Project, entry.SessionID,
		entry.WorkingDir, entry.FirstUserMessage, entry.LastIndexedAt, entry.LastIndexedMessageCount,
	)
	return normalizeErr("upsert index entry", err)
}

func (s *PostgresStore) GetIndexEntry(ctx context.Context, agentID, conversationFile string) (ConversationIndexEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT agent_id, conversation_file, project, session_id, working_dir,
			first_user_message, last_indexed_at, last_indexed_message_count
		 FROM conversation_index WHERE agent_id = $1 AND conversation_file = $2`,
		agentID, conversationFile,
	)
	var e ConversationIndexEntry
	err := row.Scan(&e.AgentID, &e.ConversationFile, &e.Project, &e.SessionID,
		&e.WorkingDir, &e.FirstUserMessage, &e.LastIndexedAt, &e.LastIndexedMessageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConversationIndexEntry{}, ErrNotFound
		}
		return ConversationIndexEntry{}, normalizeErr("get index entry", err)
	}
	return e, nil
}

func (s *PostgresStore) ListIndexEntries(ctx context.Context, agentID string) ([]ConversationIndexEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, conversation_file, project, session_id, working_dir,
			first_user_message, last_indexed_at, last_indexed_message_count
		 FROM conversation_index WHERE agent_id = $1 ORDER BY conversation_file ASC`,
		agentID,
	)
	if err != nil {
		return nil, normalizeErr("list index entries", err)
	}
	defer rows.Close()

	var out []ConversationIndexEntry
	for rows.Next() {
		var e ConversationIndexEntry
		if err := rows.Scan(&e.AgentID, &e.ConversationFile, &e.Project, &e.SessionID,
			&e.WorkingDir, &e.FirstUserMessage, &e.LastIndexedAt, &e.LastIndexedMessageCount); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeErr("iterate index entries", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return normalizeErr("begin insert messages", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range msgs {
		var embedding any
		if len(m.Vector) > 0 {
			embedding = pgvector.NewVector(m.Vector)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, agent_id, conversation_file, line, role, content, created_at, embedding)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, m.AgentID, m.ConversationFile, m.Line, m.Role, m.Content, m.CreatedAt, embedding,
		); err != nil {
			return normalizeErr("insert message", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_search (message_id, content_tsv) VALUES ($1, to_tsvector('simple', $2))`,
			m.ID, m.Content,
		); err != nil {
			return normalizeErr("insert message search row", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return normalizeErr("commit insert messages", err)
	}
	return nil
}

func (s *PostgresStore) CountPrunable(ctx context.Context, agentID string, olderThan time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.agent_id = $1 AND m.created_at < $2
		   AND EXISTS (
			SELECT 1 FROM consolidated_conversations c
			WHERE c.agent_id = m.agent_id AND c.conversation_file = m.conversation_file
		   )`,
		agentID, olderThan,
	).Scan(&count)
	if err != nil {
		return 0, normalizeErr("count prunable", err)
	}
	return count, nil
}

func (s *PostgresStore) PruneMessages(ctx context.Context, agentID string, olderThan time.Time) (int, error) {
	// The EXISTS guard is what keeps unconsolidated transcripts untouchable.
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM messages m
		 WHERE m.agent_id = $1 AND m.created_at < $2
		   AND EXISTS (
			SELECT 1 FROM consolidated_conversations c
			WHERE c.agent_id = m.agent_id AND c.conversation_file = m.conversation_file
		   )`,
		agentID, olderThan,
	)
	if err != nil {
		return 0, normalizeErr("prune messages", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CleanupOrphans(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM message_search ms
		 WHERE NOT EXISTS (SELECT 1 FROM messages m WHERE m.id = ms.message_id)`,
	)
	if err != nil {
		return 0, normalizeErr("cleanup orphans", err)
	}
	return int(tag.RowsAffected()), nil
}
