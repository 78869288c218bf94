// Package scheduler drives periodic index and consolidation passes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/marcofalcone/engram/internal/indexer"
)

// Subsystem is the lifecycle contract background services implement.
type Subsystem interface {
	Start(ctx context.Context) error
	Stop()
	Status() string
}

// IndexFunc runs one index delta pass for an agent.
type IndexFunc func(ctx context.Context, agent indexer.Agent) error

// ConsolidateFunc runs one consolidation pass for an agent.
type ConsolidateFunc func(ctx context.Context, agentID string) error

// Cron triggers per-agent passes on cron expressions. Passes for the same
// agent never overlap; a tick that finds the agent busy is skipped.
type Cron struct {
	agents          []indexer.Agent
	indexExpr       string
	consolidateExpr string
	index           IndexFunc
	consolidate     ConsolidateFunc
	log             *slog.Logger

	mu      sync.Mutex
	cron    *rcron.Cron
	cancel  context.CancelFunc
	busy    map[string]*sync.Mutex
	started time.Time
}

func NewCron(agents []indexer.Agent, indexExpr, consolidateExpr string, index IndexFunc, consolidate ConsolidateFunc, log *slog.Logger) *Cron {
	busy := make(map[string]*sync.Mutex, len(agents))
	for _, a := range agents {
		busy[a.ID] = &sync.Mutex{}
	}
	return &Cron{
		agents:          agents,
		indexExpr:       indexExpr,
		consolidateExpr: consolidateExpr,
		index:           index,
		consolidate:     consolidate,
		log:             log,
		busy:            busy,
	}
}

func (c *Cron) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.cron = rcron.New()
	c.started = time.Now()
	registered := 0
	if c.indexExpr != "" {
		if _, err := c.cron.AddFunc(c.indexExpr, func() { c.runAll(runCtx, c.runIndex) }); err != nil {
			c.mu.Unlock()
			cancel()
			return err
		}
		registered++
	}
	if c.consolidateExpr != "" {
		if _, err := c.cron.AddFunc(c.consolidateExpr, func() { c.runAll(runCtx, c.runConsolidate) }); err != nil {
			c.mu.Unlock()
			cancel()
			return err
		}
		registered++
	}
	c.cron.Start()
	c.mu.Unlock()

	c.log.Info("scheduler started", "agents", len(c.agents), "jobs", registered)
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

func (c *Cron) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	cr := c.cron
	c.cancel = nil
	c.cron = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cr != nil {
		stopCtx := cr.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			c.log.Warn("scheduler stop timed out waiting for running jobs")
		}
		c.log.Info("scheduler stopped")
	}
}

func (c *Cron) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron == nil {
		return "stopped"
	}
	return "running since " + c.started.UTC().Format(time.RFC3339)
}

func (c *Cron) runAll(ctx context.Context, pass func(ctx context.Context, agent indexer.Agent)) {
	for _, agent := range c.agents {
		if ctx.Err() != nil {
			return
		}
		lock := c.busy[agent.ID]
		if !lock.TryLock() {
			c.log.Info("agent pass still running, skipping tick", "agent", agent.ID)
			continue
		}
		pass(ctx, agent)
		lock.Unlock()
	}
}

func (c *Cron) runIndex(ctx context.Context, agent indexer.Agent) {
	if err := c.index(ctx, agent); err != nil {
		c.log.Warn("scheduled index pass failed", "agent", agent.ID, "error", err)
	}
}

func (c *Cron) runConsolidate(ctx context.Context, agent indexer.Agent) {
	if err := c.consolidate(ctx, agent.ID); err != nil {
		c.log.Warn("scheduled consolidation failed", "agent", agent.ID, "error", err)
	}
}
