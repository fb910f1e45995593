package investigate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/runtime/backend"
	"github.com/inquestlabs/inquest/runtime/gate"
)

func TestGuardedModelTripsOnProviderOverload(t *testing.T) {
	m := &stubModel{err: &backend.StatusError{Code: 429, Message: "rate limited"}}
	g := gate.New(gate.Options{TripThreshold: 2, BaseCooldown: time.Minute})
	guarded := GuardModel(m, g)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := guarded.Summarize(ctx, nil, nil, func(string) {})
		require.Error(t, err)
	}
	require.Equal(t, gate.StateOpen, g.Snapshot().State)

	// Open circuit: the provider is not called again.
	before := m.calls
	_, err := guarded.Summarize(ctx, nil, nil, func(string) {})
	var oe *gate.OverloadedError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, before, m.calls)
}

func TestGuardedModelPassesThroughAnswers(t *testing.T) {
	m := &stubModel{answer: "all clear"}
	g := gate.New(gate.Options{})
	guarded := GuardModel(m, g)

	answer, err := guarded.Summarize(context.Background(), nil, nil, func(string) {})
	require.NoError(t, err)
	require.Equal(t, "all clear", answer)
	require.Zero(t, g.Snapshot().InFlight)
}
