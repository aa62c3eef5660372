// Package state implements the command lifecycle state machine as a pure
// lookup table. It has no persistence and no locking concerns; callers hold
// whatever locks they need and commit whatever the table tells them to.
package state

import (
	"fmt"
	"strings"
)

// State is one of the five command lifecycle states.
type State string

const (
	// Idle is a freshly created command that has not been instructed yet.
	Idle State = "IDLE"
	// Commanded means a user instruction has arrived and work is pending.
	Commanded State = "COMMANDED"
	// Processing means the agent is actively working the instruction.
	Processing State = "PROCESSING"
	// AwaitingInput means the agent has asked the user a question.
	AwaitingInput State = "AWAITING_INPUT"
	// Complete is terminal; a new unit of work starts a new command.
	Complete State = "COMPLETE"
)

// Actor identifies who authored a turn.
type Actor string

const (
	// ActorUser is the human operator side of the exchange.
	ActorUser Actor = "USER"
	// ActorAgent is the coding-assistant side of the exchange.
	ActorAgent Actor = "AGENT"
)

// Intent classifies what a turn means for the lifecycle.
type Intent string

const (
	IntentCommand      Intent = "COMMAND"
	IntentAnswer       Intent = "ANSWER"
	IntentQuestion     Intent = "QUESTION"
	IntentCompletion   Intent = "COMPLETION"
	IntentProgress     Intent = "PROGRESS"
	IntentEndOfCommand Intent = "END_OF_COMMAND"
)

type transitionKey struct {
	state  State
	actor  Actor
	intent Intent
}

// transitions is the full truth table. Triples absent from the table reject.
// Self-transitions are enumerated explicitly: a follow-up question while
// already AWAITING_INPUT and steering input mid-run are valid events, not
// errors.
var transitions = map[transitionKey]State{
	{Idle, ActorUser, IntentCommand}: Commanded,

	{Commanded, ActorUser, IntentCommand}:       Commanded,
	{Commanded, ActorAgent, IntentProgress}:     Processing,
	{Commanded, ActorAgent, IntentQuestion}:     AwaitingInput,
	{Commanded, ActorAgent, IntentCompletion}:   Complete,
	{Commanded, ActorAgent, IntentEndOfCommand}: Complete,

	{Processing, ActorUser, IntentCommand}:       Processing,
	{Processing, ActorAgent, IntentProgress}:     Processing,
	{Processing, ActorAgent, IntentQuestion}:     AwaitingInput,
	{Processing, ActorAgent, IntentCompletion}:   Complete,
	{Processing, ActorAgent, IntentEndOfCommand}: Complete,

	{AwaitingInput, ActorUser, IntentAnswer}:        Processing,
	{AwaitingInput, ActorUser, IntentCommand}:       Processing,
	{AwaitingInput, ActorAgent, IntentQuestion}:     AwaitingInput,
	{AwaitingInput, ActorAgent, IntentProgress}:     Processing,
	{AwaitingInput, ActorAgent, IntentCompletion}:   Complete,
	{AwaitingInput, ActorAgent, IntentEndOfCommand}: Complete,
}

// IllegalTransitionError is returned for a triple absent from the table.
type IllegalTransitionError struct {
	Current State
	Actor   Actor
	Intent  Intent
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"no transition from %q for actor %q intent %q",
		e.Current,
		e.Actor,
		e.Intent,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Next returns the state that follows current when actor produces a turn
// with the given intent. It is a pure function: same inputs, same output,
// no side effects. On rejection the current state is returned unchanged
// alongside an *IllegalTransitionError.
func Next(current State, actor Actor, intent Intent) (State, error) {
	next, ok := transitions[transitionKey{current, actor, intent}]
	if !ok {
		return current, &IllegalTransitionError{Current: current, Actor: actor, Intent: intent}
	}
	return next, nil
}

// States returns the five lifecycle states in lifecycle order.
func States() []State {
	return []State{Idle, Commanded, Processing, AwaitingInput, Complete}
}

// Actors returns both turn actors.
func Actors() []Actor {
	return []Actor{ActorUser, ActorAgent}
}

// Intents returns the six turn intents.
func Intents() []Intent {
	return []Intent{
		IntentCommand,
		IntentAnswer,
		IntentQuestion,
		IntentCompletion,
		IntentProgress,
		IntentEndOfCommand,
	}
}

// ParseActor normalizes a wire-format actor value.
func ParseActor(value string) (Actor, error) {
	switch Actor(strings.ToUpper(strings.TrimSpace(value))) {
	case ActorUser:
		return ActorUser, nil
	case ActorAgent:
		return ActorAgent, nil
	default:
		return "", fmt.Errorf("unsupported actor %q", value)
	}
}

// ParseIntent normalizes a wire-format intent value.
func ParseIntent(value string) (Intent, error) {
	normalized := Intent(strings.ToUpper(strings.TrimSpace(value)))
	for _, intent := range Intents() {
		if normalized == intent {
			return intent, nil
		}
	}
	return "", fmt.Errorf("unsupported intent %q", value)
}

// ParseState normalizes a stored state value.
func ParseState(value string) (State, error) {
	normalized := State(strings.ToUpper(strings.TrimSpace(value)))
	for _, s := range States() {
		if normalized == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("unsupported state %q", value)
}
