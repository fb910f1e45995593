// Package investigate implements the execution unit the session registry
// launches for every turn. The engine walks the scenario's backend queries,
// streams progress onto the session's event log, polls for cooperative
// cancellation between steps, and composes the answer with an optional model
// summarizer.
package investigate

import (
	"context"
	"fmt"
	"strings"

	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/runtime/backend"
	"github.com/inquestlabs/inquest/runtime/events"
	"github.com/inquestlabs/inquest/runtime/session"
)

type (
	// Model composes the turn's answer from the conversation thread and the
	// findings collected by the turn's steps. Implementations stream partial
	// text through emit as it is produced and return the full answer.
	Model interface {
		Summarize(ctx context.Context, thread []session.Message, findings []string, emit func(delta string)) (string, error)
	}

	// ScenarioSource resolves scenario names to their definitions.
	ScenarioSource interface {
		Scenario(name string) (config.Scenario, bool)
	}

	// Options configures an Engine. Backends and Scenarios are required;
	// Model is optional (without it the engine composes a deterministic
	// answer from the step findings).
	Options struct {
		Backends  map[backend.Kind]backend.Backend
		Scenarios ScenarioSource
		Model     Model
	}

	// Engine runs investigation turns. It is stateless across sessions and
	// safe for concurrent use; all per-investigation state lives on the
	// session.
	Engine struct {
		backends  map[backend.Kind]backend.Backend
		scenarios ScenarioSource
		model     Model
	}
)

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if len(opts.Backends) == 0 {
		return nil, fmt.Errorf("investigate: Options.Backends is required")
	}
	if opts.Scenarios == nil {
		return nil, fmt.Errorf("investigate: Options.Scenarios is required")
	}
	return &Engine{
		backends:  opts.Backends,
		scenarios: opts.Scenarios,
		model:     opts.Model,
	}, nil
}

// Run executes one turn. The first turn walks the scenario's steps before
// composing the answer; follow-up turns continue from the accumulated thread
// without re-running the steps. Run returns session.ErrCancelled when it
// observes the cancellation flag at a checkpoint.
func (e *Engine) Run(ctx context.Context, s *session.Session) error {
	sc, ok := e.scenarios.Scenario(s.Scenario())
	if !ok {
		return fmt.Errorf("unknown scenario %q", s.Scenario())
	}

	var findings []string
	if s.Summary().TurnCount == 1 {
		var err error
		findings, err = e.runSteps(ctx, s, sc)
		if err != nil {
			return err
		}
	}
	if s.CancelRequested() {
		return session.ErrCancelled
	}

	answer, err := e.compose(ctx, s, findings)
	if err != nil {
		return err
	}
	s.AppendAssistant(answer)
	return nil
}

// runSteps executes the scenario's backend queries in order, emitting
// step_start/step_complete events and checking the cancellation flag before
// each step so an in-flight downstream call is never interrupted.
func (e *Engine) runSteps(ctx context.Context, s *session.Session, sc config.Scenario) ([]string, error) {
	findings := make([]string, 0, len(sc.Steps))
	for i, step := range sc.Steps {
		if s.CancelRequested() {
			return nil, session.ErrCancelled
		}
		kind := backend.Kind(step.Backend)
		b, ok := e.backends[kind]
		if !ok {
			return nil, fmt.Errorf("step %d: no backend registered for kind %q", i+1, step.Backend)
		}
		q := backend.Query{
			Kind:      kind,
			Statement: strings.ReplaceAll(step.Query, "{input}", s.Input()),
		}
		s.Log().Append(events.TypeStepStart, events.StepStart{
			Step:    i + 1,
			Backend: step.Backend,
			Query:   q.Statement,
		})
		res, err := b.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Backend, err)
		}
		s.Log().Append(events.TypeStepComplete, events.StepComplete{
			Step:    i + 1,
			Backend: step.Backend,
			Summary: res.Summary,
			Rows:    len(res.Rows),
		})
		findings = append(findings, res.Summary)
	}
	return findings, nil
}

// compose produces the turn's answer, streaming message_delta events as text
// becomes available.
func (e *Engine) compose(ctx context.Context, s *session.Session, findings []string) (string, error) {
	emit := func(delta string) {
		s.Log().Append(events.TypeMessageDelta, events.MessageDelta{Text: delta})
	}
	if e.model != nil {
		answer, err := e.model.Summarize(ctx, s.Thread(), findings, emit)
		if err != nil {
			return "", fmt.Errorf("summarize: %w", err)
		}
		return answer, nil
	}

	var b strings.Builder
	if len(findings) == 0 {
		fmt.Fprintf(&b, "Follow-up on %q noted; no further backend queries were run.", s.Input())
		emit(b.String())
		return b.String(), nil
	}
	for i, f := range findings {
		line := fmt.Sprintf("Step %d: %s\n", i+1, f)
		b.WriteString(line)
		emit(line)
	}
	trailer := fmt.Sprintf("Investigation of %q completed with %d step(s).", s.Input(), len(findings))
	b.WriteString(trailer)
	emit(trailer)
	return b.String(), nil
}
