// Package transcript is the pull path: it replays each agent's
// authoritative conversation log against persisted state, creating the
// turns the hook path missed and correcting approximate timestamps. It is
// the component that makes the timeline eventually complete no matter how
// unreliable the push channel was.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarterdeck/qd/internal/classify"
	"github.com/quarterdeck/qd/internal/events"
	"github.com/quarterdeck/qd/internal/ingest"
	"github.com/quarterdeck/qd/internal/locks"
	"github.com/quarterdeck/qd/internal/state"
	"github.com/quarterdeck/qd/internal/store"
)

const (
	// DefaultInterval is the passive reconciliation cadence.
	DefaultInterval = 60 * time.Second
	// DefaultSoftLimit is the per-pass duration target.
	DefaultSoftLimit = 10 * time.Second
	// DefaultCeiling is the per-pass hard ceiling; beyond it the pass is
	// surfaced as an operational signal, never silently dropped.
	DefaultCeiling = 60 * time.Second
)

// Options configures a reconciler.
type Options struct {
	Store      *store.Store
	Locks      *locks.Service
	Receiver   *ingest.Receiver
	Classifier classify.Classifier
	Bus        events.Bus
	Logger     *log.Logger
	Interval   time.Duration
	SoftLimit  time.Duration
	Ceiling    time.Duration
	Tracer     trace.Tracer
}

// Reconciler replays transcript logs into the persisted timeline.
type Reconciler struct {
	store      *store.Store
	locks      *locks.Service
	receiver   *ingest.Receiver
	classifier classify.Classifier
	bus        events.Bus
	logger     *log.Logger
	tracer     trace.Tracer
	interval   time.Duration
	softLimit  time.Duration
	ceiling    time.Duration
	now        func() time.Time
}

// New builds a reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("lock service is required")
	}
	if opts.Receiver == nil {
		return nil, errors.New("receiver is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}

	classifier := opts.Classifier
	if classifier == nil {
		classifier = classify.NewEngine(nil, 0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("qd/transcript")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	softLimit := opts.SoftLimit
	if softLimit <= 0 {
		softLimit = DefaultSoftLimit
	}
	ceiling := opts.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	return &Reconciler{
		store:      opts.Store,
		locks:      opts.Locks,
		receiver:   opts.Receiver,
		classifier: classifier,
		bus:        opts.Bus,
		logger:     logger,
		tracer:     tracer,
		interval:   interval,
		softLimit:  softLimit,
		ceiling:    ceiling,
		now:        time.Now,
	}, nil
}

// Run executes passive reconciliation passes on the configured cadence
// until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll reconciles every active agent. Each agent is independently
// scoped: a lock or read failure for one never blocks the rest.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	started := r.now()

	agents, err := r.store.ListAgentsByStatus(ctx, store.AgentActive)
	if err != nil {
		r.logger.With("error", err).Error("list agents for reconciliation")
		return
	}

	for _, agent := range agents {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Reconcile(ctx, agent.ID); err != nil {
			r.logger.With("agent_id", agent.ID, "error", err).Warn("reconcile agent; retrying next cycle")
		}
	}

	elapsed := r.now().Sub(started)
	if elapsed > r.ceiling {
		r.logger.With("elapsed", elapsed.String()).Error("reconciliation pass exceeded hard ceiling")
		r.bus.Publish(events.Event{
			Type:       events.EventTypeSystemAlert,
			EntityType: "reconciler",
			EntityID:   "pass",
			Severity:   events.SeverityError,
			Payload:    fmt.Sprintf("reconciliation pass took %s, ceiling %s", elapsed, r.ceiling),
		})
	} else if elapsed > r.softLimit {
		r.logger.With("elapsed", elapsed.String()).Warn("reconciliation pass exceeded soft target")
	}
}

// Reconcile replays one agent's log from its stored offset and returns the
// number of turns created or corrected. Safe to call repeatedly: a second
// pass over an unchanged log range does nothing.
func (r *Reconciler) Reconcile(ctx context.Context, agentID string) (int, error) {
	if r == nil {
		return 0, errors.New("reconciler is nil")
	}

	ctx, span := r.tracer.Start(ctx, "transcript.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID))

	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("load agent: %w", err)
	}
	if strings.TrimSpace(agent.TranscriptPath) == "" {
		return 0, nil
	}

	entries, nextOffset, malformed, err := ReadEntries(agent.TranscriptPath, agent.TranscriptOffset)
	if err != nil {
		// Unreadable or missing log: skip this cycle, never fatal.
		r.logger.With("agent_id", agent.ID, "path", agent.TranscriptPath, "error", err).
			Warn("transcript unreadable; skipping cycle")
		return 0, nil
	}
	if malformed > 0 {
		r.logger.With("agent_id", agent.ID, "lines", malformed).Warn("skipped malformed transcript lines")
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// Classification happens before the lock: the fallback classifier may
	// wait on a network call.
	inputs := r.deriveInputs(ctx, entries)

	changed := 0
	err = r.locks.WithLock(ctx, locks.NamespaceAgent, agent.ID, func(ctx context.Context) error {
		// Re-read under the lock: another pass may have advanced the offset
		// between the unlocked read and now.
		current, err := r.store.GetAgent(ctx, agent.ID)
		if err != nil {
			return fmt.Errorf("reload agent: %w", err)
		}

		for _, input := range inputs {
			if input.entry.Offset < current.TranscriptOffset {
				continue
			}
			applied, err := r.applyEntry(ctx, current, input)
			if err != nil {
				return err
			}
			if applied {
				changed++
			}
		}

		// The offset advances only after the batch is durably processed.
		if nextOffset > current.TranscriptOffset {
			if err := r.store.AdvanceTranscriptOffset(ctx, agent.ID, nextOffset); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return changed, err
	}

	span.SetAttributes(attribute.Int("turns_changed", changed))
	span.SetStatus(codes.Ok, "reconciled")
	return changed, nil
}

// entryInput pairs a log entry with its derived lifecycle meaning.
type entryInput struct {
	entry Entry
	actor state.Actor
	// intents are the candidate intents to match against existing turns,
	// primary first. The hook path resolves some intents against command
	// state (COMMAND becomes ANSWER while awaiting input, PROGRESS becomes
	// COMPLETION on stop), so the same text can legitimately exist under a
	// sibling intent.
	intents []state.Intent
	skip    bool
}

func (r *Reconciler) deriveInputs(ctx context.Context, entries []Entry) []entryInput {
	inputs := make([]entryInput, 0, len(entries))
	for _, entry := range entries {
		input := entryInput{entry: entry}

		switch strings.ToLower(strings.TrimSpace(entry.Role)) {
		case "user":
			input.actor = state.ActorUser
		case "agent", "assistant":
			input.actor = state.ActorAgent
		default:
			input.skip = true
			inputs = append(inputs, input)
			continue
		}
		if strings.TrimSpace(entry.Text) == "" {
			input.skip = true
			inputs = append(inputs, input)
			continue
		}

		intent, err := state.ParseIntent(entry.Intent)
		if err != nil {
			result, classifyErr := r.classifier.Classify(ctx, input.actor, entry.Text)
			if classifyErr != nil {
				input.skip = true
				inputs = append(inputs, input)
				continue
			}
			intent = result.Intent
		}

		input.intents = candidateIntents(input.actor, intent)
		inputs = append(inputs, input)
	}
	return inputs
}

// candidateIntents returns the intents a matching turn may have been stored
// under, primary first.
func candidateIntents(actor state.Actor, primary state.Intent) []state.Intent {
	switch {
	case actor == state.ActorUser && primary == state.IntentCommand:
		return []state.Intent{state.IntentCommand, state.IntentAnswer}
	case actor == state.ActorUser && primary == state.IntentAnswer:
		return []state.Intent{state.IntentAnswer, state.IntentCommand}
	case actor == state.ActorAgent && primary == state.IntentProgress:
		return []state.Intent{state.IntentProgress, state.IntentCompletion}
	default:
		return []state.Intent{primary}
	}
}

// applyEntry matches one log entry against existing turns, correcting the
// timestamp of a hook-created match or creating the turn the hook path
// missed. Reports whether anything changed.
//
// The occurrence index is recounted live for each entry: a correction flips
// the matched turn's ts_source to transcript and a creation inserts a
// transcript-sourced row, so the count of transcript-sourced turns with this
// content is exactly the number of identical entries already replayed, both
// within this batch and from prior passes.
func (r *Reconciler) applyEntry(ctx context.Context, agent store.Agent, input entryInput) (bool, error) {
	if input.skip {
		return false, nil
	}

	command, hasCommand, err := r.resolveCommand(ctx, agent.ID)
	if err != nil {
		return false, err
	}

	if hasCommand {
		for _, intent := range input.intents {
			count, err := r.store.CountReconciledTurnsByContent(ctx, command.ID, input.actor, intent, input.entry.Text)
			if err != nil {
				return false, err
			}

			// Occurrences 0..count-1 hold already-replayed entries; count is
			// where the next uncorrected hook turn sits. Scanning all of them
			// lets a replayed range recognize its own earlier corrections
			// instead of re-binding them to later hook turns.
			for occurrence := 0; occurrence <= count; occurrence++ {
				fingerprint := store.Fingerprint(input.actor, intent, input.entry.Text, occurrence)
				turn, err := r.store.FindTurnByFingerprint(ctx, command.ID, fingerprint)
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				if err != nil {
					return false, err
				}
				if entryReflectedIn(turn, input.entry) {
					return false, nil
				}
				if turn.Source == store.SourceServer {
					return r.correctTurn(ctx, agent.ID, turn, input.entry)
				}
			}
		}
	}

	// No existing turn reflects this entry: create it with the
	// authoritative timestamp and feed it through the same lifecycle logic
	// the hook path uses. The hook may never have fired at all.
	ack, err := r.receiver.ApplyTurn(ctx, agent, ingest.TurnInput{
		Actor:     input.actor,
		Intent:    input.intents[0],
		Text:      input.entry.Text,
		Timestamp: input.entry.Timestamp,
		Source:    store.SourceTranscript,
		LogOffset: input.entry.Offset,
	})
	if err != nil {
		return false, fmt.Errorf("create turn from transcript: %w", err)
	}
	if ack.Duplicate {
		return false, nil
	}
	return true, nil
}

// entryReflectedIn reports whether the turn already carries this entry's
// authoritative timestamp and offset, meaning the entry was replayed by an
// earlier pass over the same range.
func entryReflectedIn(turn store.Turn, entry Entry) bool {
	return turn.Source == store.SourceTranscript &&
		turn.LogOffset == entry.Offset &&
		turn.Timestamp.Equal(entry.Timestamp.UTC())
}

// correctTurn replaces a server-assigned timestamp with the authoritative
// value. Re-running the same correction is a no-op, which is what makes a
// second pass over the same range produce zero changes.
func (r *Reconciler) correctTurn(ctx context.Context, agentID string, turn store.Turn, entry Entry) (bool, error) {
	if entryReflectedIn(turn, entry) {
		return false, nil
	}

	if err := r.store.CorrectTurnTimestamp(ctx, turn.ID, entry.Timestamp, entry.Offset); err != nil {
		return false, err
	}
	r.bus.Publish(events.Event{
		Type:       events.EventTypeTurnCorrected,
		EntityType: "turn",
		EntityID:   turn.ID,
		Severity:   events.SeverityInfo,
		Payload: ingest.TurnNotice{
			AgentID:   agentID,
			CommandID: turn.CommandID,
			TurnID:    turn.ID,
			Actor:     turn.Actor,
			Intent:    turn.Intent,
			Source:    store.SourceTranscript,
		},
	})
	return true, nil
}

func (r *Reconciler) resolveCommand(ctx context.Context, agentID string) (store.Command, bool, error) {
	command, err := r.store.ActiveCommand(ctx, agentID)
	if err == nil {
		return command, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Command{}, false, err
	}
	command, err = r.store.LatestCommand(ctx, agentID)
	if err == nil {
		return command, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Command{}, false, err
	}
	return store.Command{}, false, nil
}
