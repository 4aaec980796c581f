package stats

import (
	"sort"
	"sync"
	"time"
)

// LatencySummary 单个操作的延迟分位统计
type LatencySummary struct {
	Count uint64        `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// ring 固定容量的样本环形缓冲区（纳秒）
type ring struct {
	samples []int64
	next    int
	filled  bool
	count   uint64
	max     int64
}

func (r *ring) add(ns int64) {
	r.samples[r.next] = ns
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
	r.count++
	if ns > r.max {
		r.max = ns
	}
}

func (r *ring) sorted() []int64 {
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	out := append([]int64(nil), r.samples[:n]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *ring) clear() {
	r.next, r.filled, r.count, r.max = 0, false, 0, 0
}

// LatencyRecorder keeps the most recent samples per operation name.
type LatencyRecorder struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring
}

func NewLatencyRecorder(capacity int) *LatencyRecorder {
	if capacity <= 0 {
		capacity = 512
	}
	return &LatencyRecorder{capacity: capacity, rings: make(map[string]*ring)}
}

func (r *LatencyRecorder) Record(name string, d time.Duration) {
	if r == nil || name == "" {
		return
	}
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rg, ok := r.rings[name]
	if !ok {
		rg = &ring{samples: make([]int64, r.capacity)}
		r.rings[name] = rg
	}
	rg.add(d.Nanoseconds())
}

// Since records the time elapsed from start; meant for defer.
func (r *LatencyRecorder) Since(name string, start time.Time) {
	r.Record(name, time.Since(start))
}

// Snapshot 返回每个操作的分位数；reset=true 时清空样本
func (r *LatencyRecorder) Snapshot(reset bool) map[string]LatencySummary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]LatencySummary, len(r.rings))
	for name, rg := range r.rings {
		values := rg.sorted()
		if len(values) > 0 {
			out[name] = LatencySummary{
				Count: rg.count,
				P50:   time.Duration(percentile(values, 0.50)),
				P95:   time.Duration(percentile(values, 0.95)),
				P99:   time.Duration(percentile(values, 0.99)),
				Max:   time.Duration(rg.max),
			}
		}
		if reset {
			rg.clear()
		}
	}
	return out
}

func percentile(sorted []int64, p float64) int64 {
	switch {
	case len(sorted) == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[len(sorted)-1]
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
