package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyToBucket(t *testing.T) {
	tests := []struct {
		latency time.Duration
		want    LatencyBucket
	}{
		{50 * time.Millisecond, BucketUnder100ms},
		{99 * time.Millisecond, BucketUnder100ms},
		{100 * time.Millisecond, BucketUnder500ms},
		{499 * time.Millisecond, BucketUnder500ms},
		{time.Second, BucketUnder2s},
		{5 * time.Second, BucketUnder10s},
		{30 * time.Second, BucketOver10s},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LatencyToBucket(tt.latency), "latency %s", tt.latency)
	}
}

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector()

	c.Record(QueryEvent{
		Query:         "vaccination coverage",
		Organizations: []string{"WHO"},
		Documents:     3,
		Latency:       200 * time.Millisecond,
	})
	c.Record(QueryEvent{
		Query:         "vaccination coverage",
		Organizations: []string{"who"},
		Documents:     3,
		Cached:        true,
		Latency:       5 * time.Millisecond,
	})
	c.Record(QueryEvent{
		Query:       "quantum farming",
		SurveyTypes: []string{"nutrition"},
		Documents:   0,
		Latency:     800 * time.Millisecond,
	})

	snap := c.Snapshot()

	assert.Equal(t, int64(3), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.ZeroResultCount)
	assert.Equal(t, []string{"quantum farming"}, snap.ZeroResultQueries)
	assert.Equal(t, int64(1), snap.Latency[BucketUnder100ms])
	assert.Equal(t, int64(1), snap.Latency[BucketUnder500ms])
	assert.Equal(t, int64(1), snap.Latency[BucketUnder2s])

	// Organization case is normalized.
	assert.Equal(t, []FilterCount{{Value: "who", Count: 2}}, snap.Organizations)
	assert.Equal(t, []FilterCount{{Value: "nutrition", Count: 1}}, snap.SurveyTypes)
}

func TestCollectorReset(t *testing.T) {
	c := NewCollector()
	c.Record(QueryEvent{Query: "q", Documents: 0, Latency: time.Millisecond})

	c.Reset()
	snap := c.Snapshot()

	assert.Zero(t, snap.TotalQueries)
	assert.Zero(t, snap.ZeroResultCount)
	assert.Empty(t, snap.ZeroResultQueries)
}

func TestZeroResultBufferEvictsOldest(t *testing.T) {
	c := NewCollector()
	for i := 0; i < zeroResultCapacity+10; i++ {
		c.Record(QueryEvent{Query: fmt.Sprintf("q%d", i), Documents: 0})
	}

	snap := c.Snapshot()
	assert.Len(t, snap.ZeroResultQueries, zeroResultCapacity)
	assert.Equal(t, "q10", snap.ZeroResultQueries[0], "oldest surviving entry")
	assert.Equal(t, fmt.Sprintf("q%d", zeroResultCapacity+9),
		snap.ZeroResultQueries[len(snap.ZeroResultQueries)-1])
}

func TestFilterCountOrdering(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 3; i++ {
		c.Record(QueryEvent{Query: "q", Documents: 1, Organizations: []string{"unicef"}})
	}
	c.Record(QueryEvent{Query: "q", Documents: 1, Organizations: []string{"who"}})

	snap := c.Snapshot()
	assert.Equal(t, "unicef", snap.Organizations[0].Value)
	assert.Equal(t, int64(3), snap.Organizations[0].Count)
	assert.Equal(t, "who", snap.Organizations[1].Value)
}
