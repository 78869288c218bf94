// Package tier moves memories between storage tiers and reclaims
// consolidated raw messages.
package tier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcofalcone/engram/internal/store"
)

const (
	defaultMinReinforcements = 3
	defaultMinAgeDays        = 7
)

// Maintainer runs promotion and retention passes for one store.
type Maintainer struct {
	store store.Store
	log   *slog.Logger
}

func New(st store.Store, log *slog.Logger) *Maintainer {
	return &Maintainer{store: st, log: log}
}

// PromoteOptions bounds one promotion pass. Zero values fall back to the
// defaults.
type PromoteOptions struct {
	MinReinforcements int
	MinAgeDays        int
	DryRun            bool
}

// PromoteResult reports one promotion pass.
type PromoteResult struct {
	Eligible int      `json:"eligible"`
	Promoted int      `json:"promoted"`
	DryRun   bool     `json:"dry_run,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Promote moves warm memories that cleared the reinforcement and age bars
// into the long tier. Promotion is one way; already long memories are never
// touched.
func (m *Maintainer) Promote(ctx context.Context, agentID string, opts PromoteOptions) (PromoteResult, error) {
	minReinforcements := opts.MinReinforcements
	if minReinforcements <= 0 {
		minReinforcements = defaultMinReinforcements
	}
	minAgeDays := opts.MinAgeDays
	if minAgeDays <= 0 {
		minAgeDays = defaultMinAgeDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -minAgeDays)

	eligible, err := m.store.ListPromotable(ctx, agentID, minReinforcements, cutoff)
	if err != nil {
		return PromoteResult{}, fmt.Errorf("list promotable: %w", err)
	}

	result := PromoteResult{Eligible: len(eligible), DryRun: opts.DryRun}
	if opts.DryRun {
		result.Promoted = len(eligible)
		return result, nil
	}

	now := time.Now().UTC()
	for _, mem := range eligible {
		if err := m.store.PromoteMemory(ctx, mem.ID, now); err != nil {
			m.log.Warn("promotion failed", "agent", agentID, "memory", mem.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", mem.ID, err))
			continue
		}
		result.Promoted++
	}
	m.log.Info("promotion pass done", "agent", agentID, "eligible", result.Eligible, "promoted", result.Promoted)
	return result, nil
}

// PruneOptions bounds one retention pass. RetentionDays of zero disables
// pruning entirely.
type PruneOptions struct {
	RetentionDays int
	DryRun        bool
}

// PruneResult reports one retention pass.
type PruneResult struct {
	MessagesPruned int  `json:"messages_pruned"`
	OrphansRemoved int  `json:"orphans_removed,omitempty"`
	DryRun         bool `json:"dry_run,omitempty"`
	Disabled       bool `json:"disabled,omitempty"`
}

// Prune deletes raw messages older than the retention window, but only
// from transcripts that were already consolidated into memories. Memories
// themselves are never pruned.
func (m *Maintainer) Prune(ctx context.Context, agentID string, opts PruneOptions) (PruneResult, error) {
	if opts.RetentionDays <= 0 {
		return PruneResult{Disabled: true, DryRun: opts.DryRun}, nil
	}
	olderThan := time.Now().UTC().AddDate(0, 0, -opts.RetentionDays)

	if opts.DryRun {
		count, err := m.store.CountPrunable(ctx, agentID, olderThan)
		if err != nil {
			return PruneResult{}, fmt.Errorf("count prunable: %w", err)
		}
		return PruneResult{MessagesPruned: count, DryRun: true}, nil
	}

	pruned, err := m.store.PruneMessages(ctx, agentID, olderThan)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune messages: %w", err)
	}
	result := PruneResult{MessagesPruned: pruned}

	orphans, err := m.store.CleanupOrphans(ctx)
	if err != nil {
		m.log.Warn("orphan cleanup failed", "agent", agentID, "error", err)
	} else {
		result.OrphansRemoved = orphans
	}
	m.log.Info("retention pass done", "agent", agentID, "pruned", result.MessagesPruned, "orphans", result.OrphansRemoved)
	return result, nil
}
