// Package stats keeps in-process counters and latency percentiles for the
// mining loop.
package stats

import (
	"sync"
	"time"
)

// 操作名（延迟）
const (
	OpMine      = "mine"
	OpCommit    = "commit"
	OpReconcile = "reconcile"
	OpFlush     = "backlog_flush"
)

// 计数器名
const (
	CountMined       = "proofs_mined"
	CountConfirmed   = "proofs_confirmed"
	CountRejected    = "proofs_rejected"
	CountAmbiguous   = "proofs_ambiguous"
	CountCommitError = "commit_errors"
	CountBacklogged  = "proofs_backlogged"
	CountRecovered   = "proofs_recovered"
	CountTriggers    = "triggers"
)

// Stats 计数器 + 延迟记录器
type Stats struct {
	mu       sync.RWMutex
	counters map[string]uint64
	started  time.Time

	Latency *LatencyRecorder
}

func New() *Stats {
	return &Stats{
		counters: make(map[string]uint64),
		started:  time.Now(),
		Latency:  NewLatencyRecorder(0),
	}
}

// Inc adds one to name. A nil *Stats is a no-op so components can run
// without metrics.
func (s *Stats) Inc(name string) { s.Add(name, 1) }

func (s *Stats) Add(name string, n uint64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.counters[name] += n
	s.mu.Unlock()
}

func (s *Stats) Get(name string) uint64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[name]
}

// Observe records one latency sample.
func (s *Stats) Observe(op string, d time.Duration) {
	if s == nil {
		return
	}
	s.Latency.Record(op, d)
}

// Snapshot 导出当前统计
type Snapshot struct {
	Uptime   time.Duration             `json:"uptime"`
	Counters map[string]uint64         `json:"counters"`
	Latency  map[string]LatencySummary `json:"latency"`
	Queues   []QueueStat               `json:"queues,omitempty"`
}

func (s *Stats) Snapshot(queues ...QueueStat) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	counters := make(map[string]uint64, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	s.mu.RUnlock()
	return Snapshot{
		Uptime:   time.Since(s.started),
		Counters: counters,
		Latency:  s.Latency.Snapshot(false),
		Queues:   queues,
	}
}
