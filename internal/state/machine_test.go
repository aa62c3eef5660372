package state

import (
	"errors"
	"testing"
)

func TestNextAcceptsEveryLegalTransition(t *testing.T) {
	cases := []struct {
		name    string
		current State
		actor   Actor
		intent  Intent
		want    State
	}{
		{"idle user command", Idle, ActorUser, IntentCommand, Commanded},
		{"commanded user steering", Commanded, ActorUser, IntentCommand, Commanded},
		{"commanded agent progress", Commanded, ActorAgent, IntentProgress, Processing},
		{"commanded agent question", Commanded, ActorAgent, IntentQuestion, AwaitingInput},
		{"commanded agent completion", Commanded, ActorAgent, IntentCompletion, Complete},
		{"commanded agent end", Commanded, ActorAgent, IntentEndOfCommand, Complete},
		{"processing user steering", Processing, ActorUser, IntentCommand, Processing},
		{"processing agent progress", Processing, ActorAgent, IntentProgress, Processing},
		{"processing agent question", Processing, ActorAgent, IntentQuestion, AwaitingInput},
		{"processing agent completion", Processing, ActorAgent, IntentCompletion, Complete},
		{"processing agent end", Processing, ActorAgent, IntentEndOfCommand, Complete},
		{"awaiting user answer", AwaitingInput, ActorUser, IntentAnswer, Processing},
		{"awaiting user command", AwaitingInput, ActorUser, IntentCommand, Processing},
		{"awaiting follow-up question", AwaitingInput, ActorAgent, IntentQuestion, AwaitingInput},
		{"awaiting agent progress", AwaitingInput, ActorAgent, IntentProgress, Processing},
		{"awaiting agent completion", AwaitingInput, ActorAgent, IntentCompletion, Complete},
		{"awaiting agent end", AwaitingInput, ActorAgent, IntentEndOfCommand, Complete},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.current, tc.actor, tc.intent)
			if err != nil {
				t.Fatalf("Next(%s, %s, %s): %v", tc.current, tc.actor, tc.intent, err)
			}
			if got != tc.want {
				t.Fatalf("Next(%s, %s, %s) = %s, want %s", tc.current, tc.actor, tc.intent, got, tc.want)
			}
		})
	}
}

func TestNextRejectsEverythingOutsideTheTable(t *testing.T) {
	legal := map[[3]string]bool{}
	for key := range transitions {
		legal[[3]string{string(key.state), string(key.actor), string(key.intent)}] = true
	}

	for _, current := range States() {
		for _, actor := range Actors() {
			for _, intent := range Intents() {
				if legal[[3]string{string(current), string(actor), string(intent)}] {
					continue
				}
				got, err := Next(current, actor, intent)
				if err == nil {
					t.Fatalf("Next(%s, %s, %s) unexpectedly legal, got %s", current, actor, intent, got)
				}
				if got != current {
					t.Fatalf("rejected Next(%s, %s, %s) returned %s, want current state back", current, actor, intent, got)
				}
				var illegal *IllegalTransitionError
				if !errors.As(err, &illegal) {
					t.Fatalf("error type = %T, want *IllegalTransitionError", err)
				}
				if !errors.Is(err, &IllegalTransitionError{}) {
					t.Fatal("errors.Is does not match IllegalTransitionError")
				}
			}
		}
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	for _, actor := range Actors() {
		for _, intent := range Intents() {
			if _, err := Next(Complete, actor, intent); err == nil {
				t.Fatalf("Next(COMPLETE, %s, %s) should reject", actor, intent)
			}
		}
	}
}

func TestParseHelpersNormalize(t *testing.T) {
	actor, err := ParseActor("  user ")
	if err != nil || actor != ActorUser {
		t.Fatalf("ParseActor = %q, %v", actor, err)
	}
	if _, err := ParseActor("system"); err == nil {
		t.Fatal("expected error for unknown actor")
	}

	intent, err := ParseIntent("end_of_command")
	if err != nil || intent != IntentEndOfCommand {
		t.Fatalf("ParseIntent = %q, %v", intent, err)
	}
	if _, err := ParseIntent(""); err == nil {
		t.Fatal("expected error for empty intent")
	}

	st, err := ParseState("awaiting_input")
	if err != nil || st != AwaitingInput {
		t.Fatalf("ParseState = %q, %v", st, err)
	}
	if _, err := ParseState("STUCK"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}
