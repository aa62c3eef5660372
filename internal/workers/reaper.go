// Package workers holds the periodic maintenance loops that run alongside
// the ingest path: retiring idle agents, watching terminal availability,
// and refreshing context usage from transcript logs. Every loop takes the
// same per-agent lock the ingest path takes, and skips rather than waits
// when an agent is busy.
package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/quarterdeck/qd/internal/events"
	"github.com/quarterdeck/qd/internal/locks"
	"github.com/quarterdeck/qd/internal/store"
)

const (
	defaultReapInterval = 5 * time.Minute
	defaultIdleTimeout  = 2 * time.Hour
)

// SessionCache invalidates cached correlation entries for retired agents.
type SessionCache interface {
	Invalidate(agentID string)
}

// ReaperConfig controls reaper cadence and the idle threshold.
type ReaperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// ReapReport is emitted after every reaper cycle.
type ReapReport struct {
	Inspected int       `json:"inspected"`
	Retired   int       `json:"retired"`
	Skipped   int       `json:"skipped"`
	RanAt     time.Time `json:"ran_at"`
}

// Reaper retires agents that have not been seen within the idle timeout.
type Reaper struct {
	store       *store.Store
	locks       *locks.Service
	cache       SessionCache
	bus         events.Bus
	logger      *log.Logger
	interval    time.Duration
	idleTimeout time.Duration
	now         func() time.Time
}

// NewReaper builds a reaper with sane defaults.
func NewReaper(st *store.Store, svc *locks.Service, cache SessionCache, bus events.Bus, logger *log.Logger, cfg ReaperConfig) (*Reaper, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if svc == nil {
		return nil, errors.New("lock service is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReapInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Reaper{
		store:       st,
		locks:       svc,
		cache:       cache,
		bus:         bus,
		logger:      logger,
		interval:    cfg.Interval,
		idleTimeout: cfg.IdleTimeout,
		now:         time.Now,
	}, nil
}

// Start runs reap cycles until context cancellation.
func (r *Reaper) Start(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.With("error", err).Error("reaper cycle")
			}
		}
	}
}

// RunOnce executes one reap cycle. A busy agent is skipped, never waited
// on; it will be re-inspected next cycle.
func (r *Reaper) RunOnce(ctx context.Context) (ReapReport, error) {
	if r == nil {
		return ReapReport{}, errors.New("reaper is nil")
	}

	now := r.now().UTC()
	report := ReapReport{RanAt: now}
	cutoff := now.Add(-r.idleTimeout)

	agents, err := r.store.ListAgentsByStatus(ctx, store.AgentActive)
	if err != nil {
		return ReapReport{}, fmt.Errorf("list active agents: %w", err)
	}

	for _, agent := range agents {
		report.Inspected++
		if agent.LastSeenAt.After(cutoff) {
			continue
		}

		acquired, err := r.locks.WithLockOrSkip(ctx, locks.NamespaceAgent, agent.ID, func(ctx context.Context) error {
			// The agent may have come back between the listing and the lock.
			current, err := r.store.GetAgent(ctx, agent.ID)
			if err != nil {
				return err
			}
			if current.Status != store.AgentActive || current.LastSeenAt.After(cutoff) {
				return nil
			}
			if err := r.store.SetAgentStatus(ctx, agent.ID, store.AgentRetired); err != nil {
				return err
			}
			report.Retired++
			r.publishRetired(agent, now)
			return nil
		})
		if err != nil {
			return report, fmt.Errorf("retire agent %s: %w", agent.ID, err)
		}
		if !acquired {
			report.Skipped++
			continue
		}
		if r.cache != nil {
			r.cache.Invalidate(agent.ID)
		}
	}

	return report, nil
}

func (r *Reaper) publishRetired(agent store.Agent, now time.Time) {
	r.bus.Publish(events.Event{
		Type:       events.EventTypeAgentRetired,
		Timestamp:  now,
		EntityType: "agent",
		EntityID:   agent.ID,
		Severity:   events.SeverityInfo,
		Payload: map[string]string{
			"workdir":      agent.Workdir,
			"last_seen_at": agent.LastSeenAt.UTC().Format(time.RFC3339),
		},
	})
}
