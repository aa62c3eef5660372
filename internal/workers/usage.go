package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/quarterdeck/qd/internal/locks"
	"github.com/quarterdeck/qd/internal/store"
	"github.com/quarterdeck/qd/internal/transcript"
)

const defaultUsageInterval = 60 * time.Second

// UsageConfig controls usage poller cadence.
type UsageConfig struct {
	Interval time.Duration
}

// UsagePoller refreshes each agent's context token count from the usage
// fields in its transcript log. Reads are done against offset zero on
// purpose: the latest usage entry may sit before the reconciler's offset.
type UsagePoller struct {
	store    *store.Store
	locks    *locks.Service
	logger   *log.Logger
	interval time.Duration
}

// NewUsagePoller builds a usage poller with sane defaults.
func NewUsagePoller(st *store.Store, svc *locks.Service, logger *log.Logger, cfg UsageConfig) (*UsagePoller, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if svc == nil {
		return nil, errors.New("lock service is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultUsageInterval
	}
	return &UsagePoller{
		store:    st,
		locks:    svc,
		logger:   logger,
		interval: cfg.Interval,
	}, nil
}

// Start runs polling cycles until context cancellation.
func (p *UsagePoller) Start(ctx context.Context) {
	if p == nil {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.With("error", err).Error("usage poll cycle")
			}
		}
	}
}

// RunOnce polls usage for every active agent with a known transcript.
func (p *UsagePoller) RunOnce(ctx context.Context) error {
	if p == nil {
		return errors.New("usage poller is nil")
	}

	agents, err := p.store.ListAgentsByStatus(ctx, store.AgentActive)
	if err != nil {
		return fmt.Errorf("list active agents: %w", err)
	}

	for _, agent := range agents {
		if agent.TranscriptPath == "" {
			continue
		}
		tokens, found, err := transcript.LatestUsage(agent.TranscriptPath, 0)
		if err != nil {
			p.logger.With("agent_id", agent.ID, "path", agent.TranscriptPath, "error", err).
				Warn("usage read failed; skipping agent")
			continue
		}
		if !found || tokens == agent.ContextTokens {
			continue
		}

		_, err = p.locks.WithLockOrSkip(ctx, locks.NamespaceAgent, agent.ID, func(ctx context.Context) error {
			return p.store.SetContextTokens(ctx, agent.ID, tokens)
		})
		if err != nil {
			return fmt.Errorf("record usage for agent %s: %w", agent.ID, err)
		}
	}
	return nil
}
