package miner

import (
	"context"
	"errors"
	"sync"

	"tower/events"
	"tower/interfaces"
	"tower/logs"
	"tower/stats"
	"tower/types"

	"github.com/google/uuid"
)

var (
	ErrNotRunning     = errors.New("tower listener is not running")
	ErrAlreadyRunning = errors.New("tower listener is already running")
	ErrQueueFull      = errors.New("tower trigger queue is full")
	ErrStopped        = errors.New("tower listener stopped before the attempt ran")
)

type trigger struct {
	id string
}

// Listener 触发监听：单个 worker 顺序消费触发队列
// Every accepted trigger gets exactly one tower-event or tower-error.
type Listener struct {
	orch      *Orchestrator
	sink      interfaces.EventSink
	autoFlush bool
	queueSize int
	logger    logs.Logger

	mu      sync.Mutex
	running bool
	queue   chan trigger
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

func NewListener(orch *Orchestrator, sink interfaces.EventSink, queueSize int, autoFlush bool, logger logs.Logger) *Listener {
	if logger == nil {
		logger = logs.Default()
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Listener{orch: orch, sink: sink, autoFlush: autoFlush, queueSize: queueSize, logger: logger}
}

// Start launches the worker. Cancelling ctx aborts the in-flight attempt;
// Stop lets it finish.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.queue = make(chan trigger, l.queueSize)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.cancel = cancel
	go l.loop(ctx, l.queue, l.stop, l.done)
	l.logger.Info("[Listener] started for %s", l.orch.Account)
	return nil
}

func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Trigger queues one mining attempt and returns its id.
func (l *Listener) Trigger() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return "", ErrNotRunning
	}
	t := trigger{id: uuid.NewString()}
	select {
	case l.queue <- t:
		l.orch.Stats.Inc(stats.CountTriggers)
		return t.id, nil
	default:
		return "", ErrQueueFull
	}
}

// Stop waits for the in-flight attempt and answers every queued trigger with
// an error event.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stop)
	done, cancel := l.done, l.cancel
	l.mu.Unlock()

	<-done
	cancel()
	l.logger.Info("[Listener] stopped for %s", l.orch.Account)
}

// QueueStat reports trigger queue usage.
func (l *Listener) QueueStat() stats.QueueStat {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queue == nil {
		return stats.NewQueueStat("tower_triggers", 0, l.queueSize)
	}
	return stats.NewQueueStat("tower_triggers", len(l.queue), cap(l.queue))
}

func (l *Listener) loop(ctx context.Context, queue chan trigger, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			l.drain(queue)
			return
		case t := <-queue:
			select {
			case <-stop:
				l.reject(t)
				l.drain(queue)
				return
			default:
			}
			l.run(ctx, t)
		}
	}
}

func (l *Listener) drain(queue chan trigger) {
	for {
		select {
		case t := <-queue:
			l.reject(t)
		default:
			return
		}
	}
}

func (l *Listener) reject(t trigger) {
	events.Emit(l.sink, types.EventTowerError, &types.ErrorEvent{
		AttemptID: t.id,
		Err:       types.NewTowerError(types.CategoryMisc, ErrStopped, ""),
	})
}

func (l *Listener) run(ctx context.Context, t trigger) {
	if l.autoFlush && l.orch.Backlog.Len() > 0 {
		if _, err := l.orch.FlushBacklog(ctx); err != nil {
			l.logger.Warn("[Listener] backlog flush before %s: %v", t.id, err)
		}
	}
	rec, err := l.orch.ProduceAndCommit(ctx)
	if err != nil {
		l.logger.Warn("[Listener] attempt %s: %v", t.id, err)
		events.Emit(l.sink, types.EventTowerError, &types.ErrorEvent{AttemptID: t.id, Err: types.AsTowerError(err)})
		return
	}
	events.Emit(l.sink, types.EventTowerProof, &types.ProofEvent{AttemptID: t.id, Proof: rec})
}
