package csvdemo

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/runtime/backend"
)

func TestDemoServesEmbeddedDatasets(t *testing.T) {
	b, err := Demo(backend.KindMock)
	require.NoError(t, err)
	require.Equal(t, backend.KindMock, b.Kind())

	res, err := b.Query(context.Background(), backend.Query{Kind: backend.KindMock, Statement: "auth_events host-7"})
	require.NoError(t, err)
	require.Equal(t, []string{"timestamp", "host", "user", "event", "source_ip"}, res.Columns)
	require.Len(t, res.Rows, 4)
	require.Contains(t, res.Summary, "auth_events")
}

func TestFilterIsCaseInsensitiveSubstring(t *testing.T) {
	b, err := Demo(backend.KindMock)
	require.NoError(t, err)

	res, err := b.Query(context.Background(), backend.Query{Statement: "auth_events LOGIN_FAILURE"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	all, err := b.Query(context.Background(), backend.Query{Statement: "auth_events"})
	require.NoError(t, err)
	require.Len(t, all.Rows, 6)
}

func TestUnknownDatasetIsClientError(t *testing.T) {
	b, err := Demo(backend.KindMock)
	require.NoError(t, err)

	_, err = b.Query(context.Background(), backend.Query{Statement: "no_such_table host-7"})
	var se *backend.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 400, se.Code)
	require.False(t, se.Overload())
}

func TestFaultInjection(t *testing.T) {
	b, err := Demo(backend.KindMock)
	require.NoError(t, err)

	for _, tc := range []struct {
		filter string
		code   int
	}{
		{"inject:429", 429},
		{"inject:500", 500},
		{"inject:400", 400},
	} {
		_, err := b.Query(context.Background(), backend.Query{Statement: "auth_events " + tc.filter})
		var se *backend.StatusError
		require.ErrorAs(t, err, &se)
		require.Equal(t, tc.code, se.Code)
	}
}

func TestNewReadsCustomFS(t *testing.T) {
	fsys := fstest.MapFS{
		"alerts.csv": {Data: []byte("id,severity\nA-1,high\nA-2,low\n")},
	}
	b, err := New(backend.KindSearch, fsys)
	require.NoError(t, err)

	res, err := b.Query(context.Background(), backend.Query{Statement: "alerts high"})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"A-1", "high"}}, res.Rows)
}

func TestNewRejectsEmptyFS(t *testing.T) {
	_, err := New(backend.KindSearch, fstest.MapFS{})
	require.Error(t, err)
}

func TestNewRejectsMalformedCSV(t *testing.T) {
	fsys := fstest.MapFS{
		"bad.csv": {Data: []byte("a,b\n\"unterminated\n")},
	}
	_, err := New(backend.KindSearch, fsys)
	require.Error(t, err)
}
