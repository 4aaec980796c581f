package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyPercentiles(t *testing.T) {
	r := NewLatencyRecorder(100)
	for i := 1; i <= 100; i++ {
		r.Record(OpCommit, time.Duration(i)*time.Millisecond)
	}
	snap := r.Snapshot(false)
	s, ok := snap[OpCommit]
	require.True(t, ok)
	assert.Equal(t, uint64(100), s.Count)
	assert.Equal(t, 50*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 100*time.Millisecond, s.Max)
}

func TestLatencyRingOverwritesOldest(t *testing.T) {
	r := NewLatencyRecorder(4)
	for _, ms := range []int{100, 100, 100, 100, 1, 1, 1, 1} {
		r.Record(OpMine, time.Duration(ms)*time.Millisecond)
	}
	s := r.Snapshot(true)[OpMine]
	assert.Equal(t, uint64(8), s.Count)
	assert.Equal(t, time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max, "max survives ring wrap")

	assert.Empty(t, r.Snapshot(false), "reset drops samples")
}

func TestNilStatsIsNoop(t *testing.T) {
	var s *Stats
	s.Inc(CountMined)
	s.Observe(OpMine, time.Second)
	assert.Zero(t, s.Get(CountMined))
	assert.Empty(t, s.Snapshot().Counters)
}

func TestCountersAndQueues(t *testing.T) {
	s := New()
	s.Inc(CountConfirmed)
	s.Add(CountRecovered, 3)
	snap := s.Snapshot(NewQueueStat("triggers", 4, 16))
	assert.Equal(t, uint64(1), snap.Counters[CountConfirmed])
	assert.Equal(t, uint64(3), snap.Counters[CountRecovered])
	require.Len(t, snap.Queues, 1)
	assert.InDelta(t, 0.25, snap.Queues[0].Usage, 1e-9)
}
