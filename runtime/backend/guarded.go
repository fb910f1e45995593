package backend

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/inquestlabs/inquest/runtime/gate"
)

// Guarded wraps a Backend so every query passes through an admission gate
// and is traced. The gate's slot is acquired before the call, the outcome is
// classified (only overload-class errors count toward the breaker), and the
// slot is released on every exit path.
type Guarded struct {
	next Backend
	gate *gate.Gate
}

// Guard wraps b with g.
func Guard(b Backend, g *gate.Gate) *Guarded {
	return &Guarded{next: b, gate: g}
}

// Kind returns the wrapped backend's variant.
func (g *Guarded) Kind() Kind { return g.next.Kind() }

// Query admits the call through the gate and delegates. When the circuit is
// open the downstream call is never attempted and the gate's OverloadedError
// is returned directly.
func (g *Guarded) Query(ctx context.Context, q Query) (Result, error) {
	slot, err := g.gate.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer slot.Release()

	tracer := otel.Tracer("github.com/inquestlabs/inquest/runtime/backend")
	ctx, span := tracer.Start(
		ctx,
		"backend.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend.kind", string(g.next.Kind())),
		),
	)
	defer span.End()

	res, err := g.next.Query(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend query")
		if IsOverload(err) {
			slot.Fail()
		}
		return Result{}, err
	}
	slot.Succeed()
	span.SetAttributes(attribute.Int("backend.rows", len(res.Rows)))
	return res, nil
}

// IsOverload reports whether err is an overload-class downstream signal
// (rate limit or server error).
func IsOverload(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Overload()
}
