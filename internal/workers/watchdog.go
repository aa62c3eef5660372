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

const defaultWatchInterval = 30 * time.Second

// TerminalChecker inspects the terminal layer an agent is expected to live
// in. The tmux bridge satisfies it.
type TerminalChecker interface {
	Available() bool
	HasPane(ctx context.Context, target string) (bool, error)
}

// WatchdogConfig controls watchdog cadence.
type WatchdogConfig struct {
	Interval time.Duration
}

// WatchReport is emitted on every watchdog heartbeat.
type WatchReport struct {
	TmuxAvailable bool      `json:"tmux_available"`
	Inspected     int       `json:"inspected"`
	MarkedDown    int       `json:"marked_down"`
	Recovered     int       `json:"recovered"`
	RanAt         time.Time `json:"ran_at"`
}

// Watchdog flags agents whose recorded pane has disappeared and restores
// them when the pane comes back. An agent without a recorded pane is left
// alone; liveness for those is the reaper's concern.
type Watchdog struct {
	store    *store.Store
	locks    *locks.Service
	terminal TerminalChecker
	bus      events.Bus
	logger   *log.Logger
	interval time.Duration
	now      func() time.Time
}

// NewWatchdog builds a watchdog with sane defaults.
func NewWatchdog(st *store.Store, svc *locks.Service, terminal TerminalChecker, bus events.Bus, logger *log.Logger, cfg WatchdogConfig) (*Watchdog, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if svc == nil {
		return nil, errors.New("lock service is required")
	}
	if terminal == nil {
		return nil, errors.New("terminal checker is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultWatchInterval
	}
	return &Watchdog{
		store:    st,
		locks:    svc,
		terminal: terminal,
		bus:      bus,
		logger:   logger,
		interval: cfg.Interval,
		now:      time.Now,
	}, nil
}

// Start runs watchdog heartbeats until context cancellation.
func (w *Watchdog) Start(ctx context.Context) {
	if w == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.With("error", err).Error("watchdog cycle")
			}
		}
	}
}

// RunOnce executes one watchdog heartbeat.
func (w *Watchdog) RunOnce(ctx context.Context) (WatchReport, error) {
	if w == nil {
		return WatchReport{}, errors.New("watchdog is nil")
	}

	now := w.now().UTC()
	report := WatchReport{RanAt: now, TmuxAvailable: w.terminal.Available()}

	if !report.TmuxAvailable {
		// Without a tmux binary no pane claim can be verified either way.
		w.publishHeartbeat(report, now)
		return report, nil
	}

	active, err := w.store.ListAgentsByStatus(ctx, store.AgentActive)
	if err != nil {
		return WatchReport{}, fmt.Errorf("list active agents: %w", err)
	}
	unavailable, err := w.store.ListAgentsByStatus(ctx, store.AgentUnavailable)
	if err != nil {
		return WatchReport{}, fmt.Errorf("list unavailable agents: %w", err)
	}

	for _, agent := range active {
		if agent.TmuxPane == "" {
			continue
		}
		report.Inspected++
		changed, err := w.setStatusIfPane(ctx, agent, false, store.AgentUnavailable)
		if err != nil {
			return report, err
		}
		if changed {
			report.MarkedDown++
		}
	}

	for _, agent := range unavailable {
		if agent.TmuxPane == "" {
			continue
		}
		report.Inspected++
		changed, err := w.setStatusIfPane(ctx, agent, true, store.AgentActive)
		if err != nil {
			return report, err
		}
		if changed {
			report.Recovered++
		}
	}

	w.publishHeartbeat(report, now)
	return report, nil
}

// setStatusIfPane flips the agent's status when its pane presence matches
// wantPane. The check runs outside the lock; the cheap status write inside.
func (w *Watchdog) setStatusIfPane(ctx context.Context, agent store.Agent, wantPane bool, to store.AgentStatus) (bool, error) {
	hasPane, err := w.terminal.HasPane(ctx, agent.TmuxPane)
	if err != nil {
		w.logger.With("agent_id", agent.ID, "pane", agent.TmuxPane, "error", err).
			Warn("pane check failed; skipping agent")
		return false, nil
	}
	if hasPane != wantPane {
		return false, nil
	}

	changed := false
	acquired, err := w.locks.WithLockOrSkip(ctx, locks.NamespaceAgent, agent.ID, func(ctx context.Context) error {
		current, err := w.store.GetAgent(ctx, agent.ID)
		if err != nil {
			return err
		}
		if current.Status != agent.Status || current.TmuxPane != agent.TmuxPane {
			return nil
		}
		if err := w.store.SetAgentStatus(ctx, agent.ID, to); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("update agent %s status: %w", agent.ID, err)
	}
	if !acquired {
		return false, nil
	}
	return changed, nil
}

func (w *Watchdog) publishHeartbeat(report WatchReport, now time.Time) {
	w.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "watchdog",
		Severity:   events.SeverityInfo,
		Payload:    report,
	})
}
