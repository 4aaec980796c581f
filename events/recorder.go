package events

import (
	"sync"
	"time"

	"tower/interfaces"
	"tower/types"
)

// Recorder is an EventSink that keeps every event and lets callers wait for
// a number of them. The app uses it for its recent-events view.
type Recorder struct {
	mu     sync.Mutex
	events []interfaces.Event
	limit  int
	notify chan struct{}
}

// NewRecorder keeps at most limit events (0 = unbounded), dropping the oldest.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit, notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(event interfaces.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) Events() []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.Event(nil), r.events...)
}

// OfType filters the recorded events.
func (r *Recorder) OfType(typ types.EventType) []interfaces.Event {
	var out []interfaces.Event
	for _, e := range r.Events() {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until at least n events are recorded or timeout passes.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return false
		}
	}
}
