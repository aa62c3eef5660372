// Package classify derives a turn intent from free-form event text. A cheap
// pattern matcher handles the common shapes; a pluggable inference fallback
// is consulted only when the matcher's confidence falls below the configured
// threshold.
//
// Classification runs strictly upstream of turn creation and never inside
// the agent lock scope: the fallback may wait on a network call, and waiting
// on a network call while holding the agent lock would stall the entire
// ingestion path for that agent.
package classify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quarterdeck/qd/internal/state"
)

// DefaultConfidenceThreshold selects the fallback when the matcher scores
// below it.
const DefaultConfidenceThreshold = 0.8

// Result is one classification outcome.
type Result struct {
	Intent     state.Intent
	Confidence float64
}

// Classifier classifies a piece of agent-or-user text into a turn intent.
type Classifier interface {
	Classify(ctx context.Context, actor state.Actor, text string) (Result, error)
}

// PatternMatcher is the regex-first classifier.
type PatternMatcher struct{}

var (
	questionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\?\s*$`),
		regexp.MustCompile(`(?i)^(do you want|would you like|should i|may i|can i)\b`),
		regexp.MustCompile(`(?i)\b(needs? your (input|permission|approval)|waiting for (your )?input)\b`),
		regexp.MustCompile(`(?i)\bpermission (request|required|needed)\b`),
	}
	completionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(done|finished|completed)\b`),
		regexp.MustCompile(`(?i)\b(task|work|changes?) (is |are )?(now )?(done|complete|finished)\b`),
		regexp.MustCompile(`(?i)\ball (tests|checks) pass(ing|ed)?\b`),
	}
)

// Classify scores the text against the pattern tables. USER text defaults to
// COMMAND; AGENT text defaults to PROGRESS at low confidence so the caller
// can decide whether to escalate to the fallback.
func (PatternMatcher) Classify(_ context.Context, actor state.Actor, text string) (Result, error) {
	text = strings.TrimSpace(text)

	if actor == state.ActorUser {
		return Result{Intent: state.IntentCommand, Confidence: 0.9}, nil
	}

	for _, pattern := range questionPatterns {
		if pattern.MatchString(text) {
			return Result{Intent: state.IntentQuestion, Confidence: 0.9}, nil
		}
	}
	for _, pattern := range completionPatterns {
		if pattern.MatchString(text) {
			return Result{Intent: state.IntentCompletion, Confidence: 0.85}, nil
		}
	}

	return Result{Intent: state.IntentProgress, Confidence: 0.5}, nil
}

// InferenceInvoker runs one classification prompt through an external model.
// The response is YAML with intent and confidence fields.
type InferenceInvoker interface {
	ClassifyIntent(ctx context.Context, actor state.Actor, text string) (string, error)
}

// InferenceFallback classifies via an external model invoker.
type InferenceFallback struct {
	invoker InferenceInvoker
}

// NewInferenceFallback builds the model-backed classifier.
func NewInferenceFallback(invoker InferenceInvoker) (*InferenceFallback, error) {
	if invoker == nil {
		return nil, errors.New("inference invoker is required")
	}
	return &InferenceFallback{invoker: invoker}, nil
}

type inferenceYAML struct {
	Intent     string  `yaml:"intent"`
	Confidence float64 `yaml:"confidence"`
}

// Classify invokes the model and parses its YAML response.
func (f *InferenceFallback) Classify(ctx context.Context, actor state.Actor, text string) (Result, error) {
	if f == nil || f.invoker == nil {
		return Result{}, errors.New("inference fallback is not initialized")
	}

	raw, err := f.invoker.ClassifyIntent(ctx, actor, text)
	if err != nil {
		return Result{}, fmt.Errorf("invoke intent classifier: %w", err)
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Result{}, errors.New("intent classification response is empty")
	}

	var parsed inferenceYAML
	if err := yaml.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return Result{}, fmt.Errorf("parse intent classification YAML: %w", err)
	}

	intent, err := state.ParseIntent(parsed.Intent)
	if err != nil {
		return Result{}, fmt.Errorf("intent classification response: %w", err)
	}
	confidence := parsed.Confidence
	if confidence < 0 || confidence > 1 {
		return Result{}, fmt.Errorf("intent classification confidence %v out of range", confidence)
	}

	return Result{Intent: intent, Confidence: confidence}, nil
}

// Engine composes the matcher and the fallback behind one Classifier,
// selecting by confidence threshold.
type Engine struct {
	matcher   Classifier
	fallback  Classifier
	threshold float64
}

// NewEngine builds the two-stage classification engine. The fallback is
// optional; without one the matcher result is always used.
func NewEngine(fallback Classifier, threshold float64) *Engine {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConfidenceThreshold
	}
	return &Engine{
		matcher:   PatternMatcher{},
		fallback:  fallback,
		threshold: threshold,
	}
}

// Classify runs the pattern matcher first and escalates to the fallback only
// below the threshold. A failing fallback degrades to the matcher result
// rather than failing the event.
func (e *Engine) Classify(ctx context.Context, actor state.Actor, text string) (Result, error) {
	if e == nil {
		return Result{}, errors.New("classification engine is nil")
	}

	matched, err := e.matcher.Classify(ctx, actor, text)
	if err != nil {
		return Result{}, err
	}
	if matched.Confidence >= e.threshold || e.fallback == nil {
		return matched, nil
	}

	inferred, err := e.fallback.Classify(ctx, actor, text)
	if err != nil {
		return matched, nil
	}
	if inferred.Confidence < matched.Confidence {
		return matched, nil
	}
	return inferred, nil
}
