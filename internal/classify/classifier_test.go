package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/quarterdeck/qd/internal/state"
)

func TestPatternMatcherRecognizesCommonShapes(t *testing.T) {
	cases := []struct {
		name  string
		actor state.Actor
		text  string
		want  state.Intent
	}{
		{"user text is a command", state.ActorUser, "refactor the parser", state.IntentCommand},
		{"trailing question mark", state.ActorAgent, "Should I delete the old migration files?", state.IntentQuestion},
		{"permission phrasing", state.ActorAgent, "Permission required to run git push", state.IntentQuestion},
		{"needs your input", state.ActorAgent, "This change needs your approval before I continue", state.IntentQuestion},
		{"done prefix", state.ActorAgent, "Done. All three endpoints now return JSON.", state.IntentCompletion},
		{"tests pass", state.ActorAgent, "All tests passing after the fix", state.IntentCompletion},
		{"plain progress", state.ActorAgent, "Reading internal/store/agents.go", state.IntentProgress},
	}

	matcher := PatternMatcher{}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := matcher.Classify(context.Background(), tc.actor, tc.text)
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if result.Intent != tc.want {
				t.Fatalf("intent = %s, want %s", result.Intent, tc.want)
			}
		})
	}
}

type fakeInvoker struct {
	response string
	err      error
	calls    int
}

func (f *fakeInvoker) ClassifyIntent(_ context.Context, _ state.Actor, _ string) (string, error) {
	f.calls++
	return f.response, f.err
}

func TestInferenceFallbackParsesYAML(t *testing.T) {
	invoker := &fakeInvoker{response: "intent: completion\nconfidence: 0.95\n"}
	fallback, err := NewInferenceFallback(invoker)
	if err != nil {
		t.Fatalf("new fallback: %v", err)
	}

	result, err := fallback.Classify(context.Background(), state.ActorAgent, "wrapped up")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Intent != state.IntentCompletion {
		t.Fatalf("intent = %s, want COMPLETION", result.Intent)
	}
	if result.Confidence != 0.95 {
		t.Fatalf("confidence = %v, want 0.95", result.Confidence)
	}
}

func TestInferenceFallbackRejectsBadResponses(t *testing.T) {
	cases := []struct {
		name     string
		response string
		err      error
	}{
		{"invoker error", "", errors.New("model unavailable")},
		{"empty response", "   ", nil},
		{"unknown intent", "intent: shrug\nconfidence: 0.9\n", nil},
		{"confidence out of range", "intent: progress\nconfidence: 1.5\n", nil},
		{"not yaml", "intent: [unclosed", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fallback, err := NewInferenceFallback(&fakeInvoker{response: tc.response, err: tc.err})
			if err != nil {
				t.Fatalf("new fallback: %v", err)
			}
			if _, err := fallback.Classify(context.Background(), state.ActorAgent, "text"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEngineEscalatesOnlyBelowThreshold(t *testing.T) {
	invoker := &fakeInvoker{response: "intent: completion\nconfidence: 0.9\n"}
	fallback, err := NewInferenceFallback(invoker)
	if err != nil {
		t.Fatalf("new fallback: %v", err)
	}
	engine := NewEngine(fallback, 0.8)

	// High-confidence matcher result: no escalation.
	result, err := engine.Classify(context.Background(), state.ActorAgent, "Should I continue?")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Intent != state.IntentQuestion || invoker.calls != 0 {
		t.Fatalf("intent = %s, fallback calls = %d", result.Intent, invoker.calls)
	}

	// Ambiguous agent text scores 0.5: the fallback decides.
	result, err = engine.Classify(context.Background(), state.ActorAgent, "wrapping things up now")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Intent != state.IntentCompletion || invoker.calls != 1 {
		t.Fatalf("intent = %s, fallback calls = %d", result.Intent, invoker.calls)
	}
}

func TestEngineDegradesWhenFallbackFails(t *testing.T) {
	fallback, err := NewInferenceFallback(&fakeInvoker{err: errors.New("timeout")})
	if err != nil {
		t.Fatalf("new fallback: %v", err)
	}
	engine := NewEngine(fallback, 0.8)

	result, err := engine.Classify(context.Background(), state.ActorAgent, "compiling the project")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Intent != state.IntentProgress {
		t.Fatalf("intent = %s, want matcher's PROGRESS", result.Intent)
	}
}

func TestEngineWithoutFallbackUsesMatcher(t *testing.T) {
	engine := NewEngine(nil, 0)
	result, err := engine.Classify(context.Background(), state.ActorUser, "do the thing")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Intent != state.IntentCommand {
		t.Fatalf("intent = %s, want COMMAND", result.Intent)
	}
}
