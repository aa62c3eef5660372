// Package ingest is the push path: it turns unreliable hook events into
// validated turns and lifecycle transitions. The central correctness
// property lives here: a turn, once committed, is never rolled back by a
// failed or rejected state transition.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quarterdeck/qd/internal/classify"
	"github.com/quarterdeck/qd/internal/correlate"
	"github.com/quarterdeck/qd/internal/events"
	"github.com/quarterdeck/qd/internal/locks"
	"github.com/quarterdeck/qd/internal/state"
	"github.com/quarterdeck/qd/internal/store"
)

// EventType identifies one inbound hook lifecycle event.
type EventType string

const (
	EventSessionStart      EventType = "session-start"
	EventSessionEnd        EventType = "session-end"
	EventUserPromptSubmit  EventType = "user-prompt-submit"
	EventStop              EventType = "stop"
	EventNotification      EventType = "notification"
	EventPreToolUse        EventType = "pre-tool-use"
	EventPostToolUse       EventType = "post-tool-use"
	EventPermissionRequest EventType = "permission-request"
)

// Event is one inbound hook payload after HTTP decoding.
type Event struct {
	Type              EventType
	ExternalSessionID string
	Workdir           string
	// SessionToken is the internally issued provisioning token, when the
	// sender has one.
	SessionToken   string
	TranscriptPath string
	TmuxPane       string
	Text           string
}

// Ack reports what the receiver did with one event.
type Ack struct {
	AgentID           string
	CommandID         string
	TurnID            string
	State             state.State
	TurnPersisted     bool
	Duplicate         bool
	TransitionApplied bool
}

// TurnInput is the lifecycle-relevant content of one turn, shared by the
// hook path and the reconciler's catch-up path.
type TurnInput struct {
	Actor     state.Actor
	Intent    state.Intent
	Text      string
	Timestamp time.Time
	Source    store.TimestampSource
	LogOffset int64
}

// Status is the read-only ingestion health snapshot served by /v1/status.
type Status struct {
	Receiving     bool
	LastEventAt   time.Time
	EventCount    int64
	PollInterval  time.Duration
	ReceiveWindow time.Duration
}

// Correlator resolves sessions to agents.
type Correlator interface {
	Correlate(ctx context.Context, req correlate.Request) (store.Agent, error)
}

// Options configures a receiver.
type Options struct {
	Store      *store.Store
	Locks      *locks.Service
	Correlator Correlator
	Classifier classify.Classifier
	Bus        events.Bus
	Logger     *log.Logger
	// PollInterval is the reconciler cadence reported through Status.
	PollInterval time.Duration
	// ReceiveWindow is how long after the last event the ingestion path
	// still reports itself as receiving.
	ReceiveWindow time.Duration
	Tracer        trace.Tracer
}

// Receiver ingests hook events.
type Receiver struct {
	store      *store.Store
	locks      *locks.Service
	correlator Correlator
	classifier classify.Classifier
	bus        events.Bus
	logger     *log.Logger
	tracer     trace.Tracer

	pollInterval  time.Duration
	receiveWindow time.Duration
	now           func() time.Time

	mu          sync.Mutex
	lastEventAt time.Time
	eventCount  int64
}

// New builds a hook event receiver.
func New(opts Options) (*Receiver, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("lock service is required")
	}
	if opts.Correlator == nil {
		return nil, errors.New("correlator is required")
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
		tracer = otel.Tracer("qd/ingest")
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	receiveWindow := opts.ReceiveWindow
	if receiveWindow <= 0 {
		receiveWindow = 2 * pollInterval
	}

	return &Receiver{
		store:         opts.Store,
		locks:         opts.Locks,
		correlator:    opts.Correlator,
		classifier:    classifier,
		bus:           opts.Bus,
		logger:        logger,
		tracer:        tracer,
		pollInterval:  pollInterval,
		receiveWindow: receiveWindow,
		now:           time.Now,
	}, nil
}

// Receive processes one hook event: correlate, lock, persist the turn in
// its own commit, then attempt the lifecycle transition. A rejected
// transition leaves state unchanged and never touches the committed turn.
func (r *Receiver) Receive(ctx context.Context, event Event) (Ack, error) {
	if r == nil {
		return Ack{}, errors.New("receiver is nil")
	}

	ctx, span := r.tracer.Start(ctx, "ingest.receive")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_type", string(event.Type)),
		attribute.String("external_session_id", event.ExternalSessionID),
	)

	r.recordEvent()

	// Correlation runs before any lock: the agent may not exist yet.
	agent, err := r.correlator.Correlate(ctx, correlate.Request{
		ExternalSessionID: event.ExternalSessionID,
		Workdir:           event.Workdir,
		SessionToken:      event.SessionToken,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Ack{}, err
	}
	span.SetAttributes(attribute.String("agent_id", agent.ID))

	// Classification may wait on a network call, so it happens before the
	// lock is taken, never inside it.
	input, hasTurn, err := r.deriveTurn(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Ack{}, err
	}

	ack := Ack{AgentID: agent.ID}
	err = r.locks.WithLock(ctx, locks.NamespaceAgent, agent.ID, func(ctx context.Context) error {
		if err := r.recordLiveness(ctx, agent, event); err != nil {
			return err
		}
		if !hasTurn {
			return nil
		}
		applied, applyErr := r.ApplyTurn(ctx, agent, input)
		ack = applied
		return applyErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ack, err
	}

	span.SetStatus(codes.Ok, "event ingested")
	return ack, nil
}

// ApplyTurn persists one turn and attempts its lifecycle transition. The
// caller must hold the agent's advisory lock; the reconciler shares this
// path so both ingestion routes apply identical semantics.
func (r *Receiver) ApplyTurn(ctx context.Context, agent store.Agent, input TurnInput) (Ack, error) {
	if r == nil {
		return Ack{}, errors.New("receiver is nil")
	}
	if !locks.Held(ctx, locks.NamespaceAgent, agent.ID) {
		return Ack{}, fmt.Errorf("agent %s lock must be held to apply a turn", agent.ID)
	}

	ack := Ack{AgentID: agent.ID}

	command, err := r.ensureCommand(ctx, agent, input)
	if err != nil {
		return ack, err
	}
	ack.CommandID = command.ID
	ack.State = command.State

	// A user reply while the agent waits on input is an answer, not a new
	// instruction. Resolved here because it depends on command state, which
	// is only stable under the lock; no I/O beyond the store is involved.
	if input.Actor == state.ActorUser && input.Intent == state.IntentCommand &&
		command.State == state.AwaitingInput {
		input.Intent = state.IntentAnswer
	}

	occurrence, err := r.store.CountTurnsByContent(ctx, command.ID, input.Actor, input.Intent, input.Text)
	if err != nil {
		return ack, err
	}
	fingerprint := store.Fingerprint(input.Actor, input.Intent, input.Text, occurrence)

	// Step one: the turn, in its own commit. Everything after this point
	// degrades gracefully; nothing is allowed to undo this write.
	turn, err := r.store.InsertTurn(ctx, store.Turn{
		CommandID:   command.ID,
		AgentID:     agent.ID,
		Actor:       input.Actor,
		Intent:      input.Intent,
		Text:        input.Text,
		Timestamp:   input.Timestamp,
		Source:      input.Source,
		Fingerprint: fingerprint,
		LogOffset:   input.LogOffset,
	})
	if errors.Is(err, store.ErrDuplicateTurn) {
		ack.Duplicate = true
		return ack, nil
	}
	if err != nil {
		return ack, fmt.Errorf("persist turn: %w", err)
	}
	ack.TurnID = turn.ID
	ack.TurnPersisted = true
	r.publishTurn(events.EventTypeTurnCreated, agent.ID, turn)

	// Step two: the transition attempt. Rejections are local, recoverable
	// events logged at warn, never propagated as failures.
	next, err := state.Next(command.State, input.Actor, input.Intent)
	if err != nil {
		var illegal *state.IllegalTransitionError
		if errors.As(err, &illegal) {
			r.logger.With(
				"agent_id", agent.ID,
				"command_id", command.ID,
				"state", string(command.State),
				"actor", string(input.Actor),
				"intent", string(input.Intent),
			).Warn("transition rejected; state unchanged, turn preserved")
			return ack, nil
		}
		r.logger.With("agent_id", agent.ID, "error", err).Warn("transition attempt failed; treating as rejected")
		return ack, nil
	}

	if next != command.State {
		if err := r.store.SetCommandState(ctx, command.ID, next); err != nil {
			// The turn is already safe; surface the commit failure as a
			// rejected transition and let reconciliation repair state.
			r.logger.With("agent_id", agent.ID, "command_id", command.ID, "error", err).
				Error("commit state transition")
			return ack, nil
		}
		r.bus.Publish(events.Event{
			Type:       events.EventTypeStateChanged,
			EntityType: "command",
			EntityID:   command.ID,
			Severity:   events.SeverityInfo,
			Payload: StateChange{
				AgentID:   agent.ID,
				CommandID: command.ID,
				From:      command.State,
				To:        next,
			},
		})
	}
	ack.State = next
	ack.TransitionApplied = true
	return ack, nil
}

// StateChange is the bus payload for committed transitions.
type StateChange struct {
	AgentID   string
	CommandID string
	From      state.State
	To        state.State
}

// Status reports ingestion health for the status endpoint.
func (r *Receiver) Status() Status {
	if r == nil {
		return Status{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Receiving:     !r.lastEventAt.IsZero() && r.now().Sub(r.lastEventAt) <= r.receiveWindow,
		LastEventAt:   r.lastEventAt,
		EventCount:    r.eventCount,
		PollInterval:  r.pollInterval,
		ReceiveWindow: r.receiveWindow,
	}
}

func (r *Receiver) recordEvent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastEventAt = r.now().UTC()
	r.eventCount++
}

// recordLiveness updates agent bookkeeping carried by the event itself.
func (r *Receiver) recordLiveness(ctx context.Context, agent store.Agent, event Event) error {
	if err := r.store.TouchAgent(ctx, agent.ID, r.now().UTC()); err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	if path := strings.TrimSpace(event.TranscriptPath); path != "" && path != agent.TranscriptPath {
		if err := r.store.SetTranscript(ctx, agent.ID, path); err != nil {
			return fmt.Errorf("record transcript path: %w", err)
		}
	}
	if pane := strings.TrimSpace(event.TmuxPane); pane != "" && pane != agent.TmuxPane {
		if err := r.store.SetAgentTmuxPane(ctx, agent.ID, pane); err != nil {
			return fmt.Errorf("record tmux pane: %w", err)
		}
	}
	return nil
}

// ensureCommand finds the turn's home: the active command, a brand new one
// for a fresh user instruction, or the most recent command for late arrivals
// against an already-complete unit of work.
func (r *Receiver) ensureCommand(ctx context.Context, agent store.Agent, input TurnInput) (store.Command, error) {
	command, err := r.store.ActiveCommand(ctx, agent.ID)
	if err == nil {
		return command, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Command{}, fmt.Errorf("load active command: %w", err)
	}

	if input.Actor == state.ActorUser && input.Intent == state.IntentCommand {
		created, err := r.store.CreateCommand(ctx, agent.ID)
		if err != nil {
			return store.Command{}, fmt.Errorf("create command: %w", err)
		}
		return created, nil
	}

	latest, err := r.store.LatestCommand(ctx, agent.ID)
	if err == nil {
		return latest, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Command{}, fmt.Errorf("load latest command: %w", err)
	}

	// An agent-authored turn with no command at all still needs a home.
	created, err := r.store.CreateCommand(ctx, agent.ID)
	if err != nil {
		return store.Command{}, fmt.Errorf("create command: %w", err)
	}
	return created, nil
}

// deriveTurn maps an event type to the turn it implies, classifying
// free-form text where the type alone is ambiguous. Session bookkeeping
// events imply no turn.
func (r *Receiver) deriveTurn(ctx context.Context, event Event) (TurnInput, bool, error) {
	now := r.now().UTC()
	input := TurnInput{
		Text:      event.Text,
		Timestamp: now,
		Source:    store.SourceServer,
		LogOffset: -1,
	}

	switch event.Type {
	case EventSessionStart:
		return TurnInput{}, false, nil
	case EventSessionEnd:
		input.Actor = state.ActorAgent
		input.Intent = state.IntentEndOfCommand
		return input, true, nil
	case EventUserPromptSubmit:
		input.Actor = state.ActorUser
		input.Intent = state.IntentCommand
		return input, true, nil
	case EventPermissionRequest:
		input.Actor = state.ActorAgent
		input.Intent = state.IntentQuestion
		return input, true, nil
	case EventPreToolUse, EventPostToolUse:
		input.Actor = state.ActorAgent
		input.Intent = state.IntentProgress
		return input, true, nil
	case EventStop:
		input.Actor = state.ActorAgent
		result, err := r.classifier.Classify(ctx, state.ActorAgent, event.Text)
		if err != nil {
			return TurnInput{}, false, fmt.Errorf("classify stop text: %w", err)
		}
		// A stop with no question in it means the agent finished speaking.
		input.Intent = result.Intent
		if input.Intent == state.IntentProgress {
			input.Intent = state.IntentCompletion
		}
		return input, true, nil
	case EventNotification:
		input.Actor = state.ActorAgent
		result, err := r.classifier.Classify(ctx, state.ActorAgent, event.Text)
		if err != nil {
			return TurnInput{}, false, fmt.Errorf("classify notification text: %w", err)
		}
		input.Intent = result.Intent
		return input, true, nil
	default:
		return TurnInput{}, false, fmt.Errorf("unsupported event type %q", event.Type)
	}
}

func (r *Receiver) publishTurn(eventType, agentID string, turn store.Turn) {
	r.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: "turn",
		EntityID:   turn.ID,
		Severity:   events.SeverityInfo,
		Payload: TurnNotice{
			AgentID:   agentID,
			CommandID: turn.CommandID,
			TurnID:    turn.ID,
			Actor:     turn.Actor,
			Intent:    turn.Intent,
			Source:    turn.Source,
		},
	})
}

// TurnNotice is the bus payload for created and corrected turns.
type TurnNotice struct {
	AgentID   string
	CommandID string
	TurnID    string
	Actor     state.Actor
	Intent    state.Intent
	Source    store.TimestampSource
}
