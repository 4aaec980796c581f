package miner

import (
	"context"
	"testing"
	"time"

	"tower/chain"
	"tower/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcomeEvents(h *harness) map[string]types.EventType {
	out := map[string]types.EventType{}
	for _, e := range h.rec.Events() {
		switch d := e.Data().(type) {
		case *types.ProofEvent:
			out[d.AttemptID] = e.Type()
		case *types.ErrorEvent:
			if e.Type() == types.EventTowerError {
				out[d.AttemptID] = e.Type()
			}
		}
	}
	return out
}

func TestListenerOneEventPerTrigger(t *testing.T) {
	h := newHarness(t)
	l := NewListener(h.orch, h.rec, 8, true, nil)
	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := l.Trigger()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.True(t, h.rec.WaitFor(3, 5*time.Second))

	got := outcomeEvents(h)
	for _, id := range ids {
		assert.Equal(t, types.EventTowerProof, got[id], id)
	}
	proofs := h.rec.OfType(types.EventTowerProof)
	require.Len(t, proofs, 3)
	assert.Equal(t, uint64(2), proofs[2].Data().(*types.ProofEvent).Proof.Height)
}

func TestListenerStopAnswersQueuedTriggers(t *testing.T) {
	h := newHarness(t)
	h.miner.Delay = 30 * time.Millisecond
	l := NewListener(h.orch, h.rec, 8, false, nil)
	require.NoError(t, l.Start(context.Background()))

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := l.Trigger()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	l.Stop()

	got := outcomeEvents(h)
	require.Len(t, got, 4)
	errs := 0
	for _, id := range ids {
		if got[id] == types.EventTowerError {
			errs++
		}
	}
	assert.GreaterOrEqual(t, errs, 1, "queued triggers are answered with errors")
	assert.Equal(t, 4, len(h.rec.OfType(types.EventTowerProof))+len(h.rec.OfType(types.EventTowerError)))

	_, err := l.Trigger()
	require.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, l.Running())
}

func TestListenerQueueFull(t *testing.T) {
	h := newHarness(t)
	l := NewListener(h.orch, h.rec, 1, false, nil)
	require.NoError(t, l.Start(context.Background()))

	// hold the account so the worker parks on the first trigger
	release, err := h.orch.Guard.Acquire(context.Background(), acct)
	require.NoError(t, err)

	_, err = l.Trigger()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.QueueStat().Len == 0 }, time.Second, time.Millisecond)
	_, err = l.Trigger()
	require.NoError(t, err)
	_, err = l.Trigger()
	require.ErrorIs(t, err, ErrQueueFull)
	assert.InDelta(t, 1.0, l.QueueStat().Usage, 1e-9)

	release()
	l.Stop()
	assert.Len(t, outcomeEvents(h), 2)
	require.NoError(t, l.Start(context.Background()))
	require.ErrorIs(t, l.Start(context.Background()), ErrAlreadyRunning)
	l.Stop()
}

func TestListenerAutoFlushesBacklog(t *testing.T) {
	h := newHarness(t)
	h.gw.InjectFault(chain.FaultUnreachable)
	_, err := h.orch.ProduceAndCommit(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, h.backlog.Len())

	l := NewListener(h.orch, h.rec, 4, true, nil)
	require.NoError(t, l.Start(context.Background()))
	id, err := l.Trigger()
	require.NoError(t, err)
	require.True(t, h.rec.WaitFor(2, 5*time.Second))
	l.Stop()

	assert.Len(t, h.rec.OfType(types.EventBacklogSuccess), 1)
	assert.Equal(t, types.EventTowerProof, outcomeEvents(h)[id])
	assert.Zero(t, h.backlog.Len())
	assert.Equal(t, uint64(1), h.onchainHeight(t))
}
