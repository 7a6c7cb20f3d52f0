package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteMetricsStore {
	t.Helper()
	store, err := NewSQLiteMetricsStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveSnapshotMergesSameDay(t *testing.T) {
	store := newTestStore(t)

	snap := Snapshot{
		TotalQueries:    5,
		CacheHits:       2,
		ZeroResultCount: 1,
		Latency:         map[LatencyBucket]int64{BucketUnder500ms: 4, BucketUnder2s: 1},
		Organizations:   []FilterCount{{Value: "who", Count: 3}},
	}
	require.NoError(t, store.SaveSnapshot(snap))
	require.NoError(t, store.SaveSnapshot(snap))

	today := time.Now().UTC().Format("2006-01-02")
	latency, err := store.LatencyCounts(today, today)
	require.NoError(t, err)
	assert.Equal(t, int64(8), latency[BucketUnder500ms])
	assert.Equal(t, int64(2), latency[BucketUnder2s])

	orgs, err := store.TopFilters("organization", 10)
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, FilterCount{Value: "who", Count: 6}, orgs[0])
}

func TestZeroResultQueriesNewestFirstAndBounded(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveSnapshot(Snapshot{
		TotalQueries:      2,
		ZeroResultCount:   2,
		ZeroResultQueries: []string{"older", "newer"},
	}))

	queries, err := store.ZeroResultQueries(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"newer", "older"}, queries)
}

func TestTopFiltersOrdering(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveSnapshot(Snapshot{
		TotalQueries: 4,
		SurveyTypes: []FilterCount{
			{Value: "health", Count: 1},
			{Value: "nutrition", Count: 3},
		},
	}))

	types, err := store.TopFilters("survey_type", 10)
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.Equal(t, "nutrition", types[0].Value)
	assert.Equal(t, "health", types[1].Value)
}
