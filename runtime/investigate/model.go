package investigate

import (
	"context"

	"github.com/inquestlabs/inquest/runtime/backend"
	"github.com/inquestlabs/inquest/runtime/gate"
	"github.com/inquestlabs/inquest/runtime/session"
)

// GuardedModel routes summarizer calls through an admission gate so a
// rate-limited or failing model provider trips its own breaker instead of
// stalling every session. The gate is separate from the backend gate: the
// model is a distinct shared resource.
type GuardedModel struct {
	next Model
	gate *gate.Gate
}

// GuardModel wraps m with g.
func GuardModel(m Model, g *gate.Gate) *GuardedModel {
	return &GuardedModel{next: m, gate: g}
}

// Summarize admits the call through the gate and delegates. Only
// overload-class provider errors count toward the breaker.
func (g *GuardedModel) Summarize(ctx context.Context, thread []session.Message, findings []string, emit func(delta string)) (string, error) {
	slot, err := g.gate.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer slot.Release()

	answer, err := g.next.Summarize(ctx, thread, findings, emit)
	if err != nil {
		if backend.IsOverload(err) {
			slot.Fail()
		}
		return "", err
	}
	slot.Succeed()
	return answer, nil
}
