package miner

import (
	"context"
	"errors"
	"testing"
	"time"

	"tower/backlog"
	"tower/chain"
	"tower/commit"
	"tower/events"
	"tower/proofs"
	"tower/reconcile"
	"tower/stats"
	"tower/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acct = "0x5eed"

type harness struct {
	gw      *chain.SimulatedGateway
	miner   *chain.SimulatedMiner
	store   *proofs.Store
	backlog *backlog.Manager
	rec     *events.Recorder
	stats   *stats.Stats
	orch    *Orchestrator
	commit  *commit.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	h := &harness{
		gw:    chain.NewSimulatedGateway(),
		miner: chain.NewSimulatedMiner(acct, 100, 512),
		rec:   events.NewRecorder(0),
		stats: stats.New(),
	}
	h.store, err = proofs.NewStore(t.TempDir(), 8, nil)
	require.NoError(t, err)
	h.backlog, err = backlog.New(acct, nil, 0, nil)
	require.NoError(t, err)
	h.commit = commit.NewEngine(h.gw, &types.TxParams{Account: acct, SigningKey: key, UserTxTimeout: time.Minute}, nil, h.stats)
	h.orch = New(Deps{
		Account:   acct,
		Miner:     h.miner,
		Committer: h.commit,
		Gateway:   h.gw,
		Store:     h.store,
		History:   reconcile.NewEngine(h.gw, h.store, acct, reconcile.DefaultOptions(), nil, h.stats),
		Backlog:   h.backlog,
		Sink:      h.rec,
		Stats:     h.stats,
	})
	return h
}

func (h *harness) onchainHeight(t *testing.T) uint64 {
	t.Helper()
	s, err := h.gw.GetMinerState(context.Background(), acct)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s.VerifiedTowerHeight
}

func asMiningError(t *testing.T, err error) *MiningError {
	t.Helper()
	var me *MiningError
	require.ErrorAs(t, err, &me)
	return me
}

func TestProduceAndCommitKeepsChain(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		rec, err := h.orch.ProduceAndCommit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Height)
	}
	breaks, err := h.store.VerifyChain()
	require.NoError(t, err)
	assert.Empty(t, breaks)
	assert.Equal(t, uint64(4), h.onchainHeight(t))
	assert.Equal(t, uint64(5), h.orch.Status().SessionProofs)
	assert.Equal(t, uint64(5), h.stats.Get(stats.CountMined))
}

func TestRejectedIsNeitherStoredNorBacklogged(t *testing.T) {
	h := newHarness(t)
	// another machine already landed genesis with a different proof
	foreign, err := chain.NewSimulatedMiner("elsewhere", 100, 512).MineNext(context.Background(), nil)
	require.NoError(t, err)
	out, err := h.commit.Commit(context.Background(), foreign)
	require.NoError(t, err)
	require.True(t, out.IsConfirmed())

	_, err = h.orch.ProduceAndCommit(context.Background())
	me := asMiningError(t, err)
	require.NotNil(t, me.Outcome)
	assert.Equal(t, types.OutcomeRejected, me.Outcome.Kind)
	assert.False(t, me.Backlogged)
	assert.Zero(t, h.backlog.Len())
	_, ok := h.store.LatestHeight()
	assert.False(t, ok)

	te := types.AsTowerError(err)
	assert.Equal(t, types.CategoryRejected, te.Category)
	require.NotNil(t, te.Height)
	assert.Equal(t, uint64(0), *te.Height)
}

func TestCommitErrorBacklogsAndDefersNextProof(t *testing.T) {
	h := newHarness(t)
	h.gw.InjectFault(chain.FaultUnreachable)

	_, err := h.orch.ProduceAndCommit(context.Background())
	me := asMiningError(t, err)
	assert.True(t, me.Backlogged)
	assert.Equal(t, types.CategoryCommit, types.AsTowerError(err).Category)
	require.Equal(t, 1, h.backlog.Len())

	// the next proof chains on the backlogged one but is not submitted
	_, err = h.orch.ProduceAndCommit(context.Background())
	me = asMiningError(t, err)
	assert.True(t, me.Deferred)
	require.Equal(t, 2, h.backlog.Len())
	assert.Equal(t, uint64(1), h.backlog.Latest().Height())

	report, err := h.orch.FlushBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, report.Committed)
	assert.Zero(t, h.backlog.Len())
	assert.Equal(t, uint64(1), h.onchainHeight(t))
	heights, err := h.store.List()
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, heights)
	assert.Len(t, h.rec.OfType(types.EventBacklogSuccess), 1)

	rec, err := h.orch.ProduceAndCommit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Height)
}

func TestAmbiguousThatLandedIsPromoted(t *testing.T) {
	h := newHarness(t)
	h.gw.InjectFault(chain.FaultTimeoutLanded)

	_, err := h.orch.ProduceAndCommit(context.Background())
	me := asMiningError(t, err)
	require.NotNil(t, me.Outcome)
	assert.Equal(t, types.OutcomeAmbiguous, me.Outcome.Kind)
	assert.True(t, me.Backlogged)
	assert.Equal(t, types.CategoryAmbiguous, types.AsTowerError(err).Category)
	assert.Equal(t, types.BacklogAmbiguous, h.backlog.Head().State)

	submits := h.gw.Submits()
	promoted, err := h.orch.VerifyAmbiguous(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, promoted)
	assert.Zero(t, h.backlog.Len())
	assert.Equal(t, submits, h.gw.Submits(), "no resubmission")

	rec, err := h.orch.ProduceAndCommit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Height)
}

func TestAmbiguousThatWasLostIsReplayed(t *testing.T) {
	h := newHarness(t)
	h.gw.InjectFault(chain.FaultTimeoutLost)
	_, err := h.orch.ProduceAndCommit(context.Background())
	require.Error(t, err)

	promoted, err := h.orch.VerifyAmbiguous(context.Background())
	require.NoError(t, err)
	assert.Empty(t, promoted)
	require.Equal(t, 1, h.backlog.Len())

	report, err := h.orch.FlushBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, report.Committed)
	assert.Equal(t, uint64(0), h.onchainHeight(t))
}

func TestFlushHaltEmitsBacklogError(t *testing.T) {
	h := newHarness(t)
	h.gw.InjectFault(chain.FaultUnreachable)
	_, err := h.orch.ProduceAndCommit(context.Background())
	require.Error(t, err)

	h.gw.SetDown(true)
	report, err := h.orch.FlushBacklog(context.Background())
	require.NoError(t, err)
	require.True(t, report.Halted())
	assert.Equal(t, 1, report.Remaining)

	evs := h.rec.OfType(types.EventBacklogError)
	require.Len(t, evs, 1)
	ev := evs[0].Data().(*types.ErrorEvent)
	require.NotNil(t, ev.Err.Height)
	assert.Equal(t, uint64(0), *ev.Err.Height)
}

func TestRejectedBacklogHeadBlocksMining(t *testing.T) {
	h := newHarness(t)
	// chain holds a different genesis; our backlogged genesis can never land
	other := chain.NewSimulatedMiner("elsewhere", 100, 512)
	foreign, err := other.MineNext(context.Background(), nil)
	require.NoError(t, err)
	_, err = h.commit.Commit(context.Background(), foreign)
	require.NoError(t, err)

	mine, err := h.miner.MineNext(context.Background(), nil)
	require.NoError(t, err)
	_, err = h.backlog.Add(&types.BacklogEntry{Record: mine, State: types.BacklogAmbiguous})
	require.NoError(t, err)

	report, err := h.orch.FlushBacklog(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Outcome)
	assert.Equal(t, types.OutcomeRejected, report.Outcome.Kind)
	assert.True(t, h.backlog.Blocked())

	_, err = h.orch.ProduceAndCommit(context.Background())
	require.ErrorIs(t, err, backlog.ErrBlocked)
	assert.Equal(t, 1, h.miner.Mined(), "no new proof mined while blocked")

	_, err = h.backlog.DiscardFrom(0)
	require.NoError(t, err)
	assert.False(t, h.backlog.Blocked())
}

func TestBacklogEntryBelowTipIsCheckedAgainstHistory(t *testing.T) {
	h := newHarness(t)
	// another machine on this account landed heights 0..2 at another difficulty
	other := chain.NewSimulatedMiner("elsewhere", 200, 512)
	var prev *types.ProofRecord
	var foreign []*types.ProofRecord
	for i := 0; i < 3; i++ {
		rec, err := other.MineNext(context.Background(), prev)
		require.NoError(t, err)
		out, err := h.commit.Commit(context.Background(), rec)
		require.NoError(t, err)
		require.True(t, out.IsConfirmed())
		foreign = append(foreign, rec)
		prev = rec
	}

	// this machine's own height 1 never landed
	_, err := h.store.PutIfAbsent(foreign[0])
	require.NoError(t, err)
	mine, err := h.miner.MineNext(context.Background(), foreign[0])
	require.NoError(t, err)
	require.NotEqual(t, foreign[1].Proof, mine.Proof)
	_, err = h.backlog.Add(&types.BacklogEntry{Record: mine, State: types.BacklogAmbiguous})
	require.NoError(t, err)

	promoted, err := h.orch.VerifyAmbiguous(context.Background())
	require.NoError(t, err)
	assert.Empty(t, promoted)
	_, err = h.store.Get(1)
	require.ErrorIs(t, err, proofs.ErrNotFound)
	require.Equal(t, 1, h.backlog.Len())
	assert.Equal(t, types.BacklogRejected, h.backlog.Head().State)
	assert.True(t, h.backlog.Blocked())

	submits := h.gw.Submits()
	_, err = h.orch.FlushBacklog(context.Background())
	require.ErrorIs(t, err, backlog.ErrBlocked)
	assert.Equal(t, submits, h.gw.Submits())
}

func TestBacklogEntryBelowTipThatLandedIsPromoted(t *testing.T) {
	h := newHarness(t)
	h.gw.InjectFault(chain.FaultTimeoutLanded)
	_, err := h.orch.ProduceAndCommit(context.Background())
	me := asMiningError(t, err)
	require.True(t, me.Backlogged)

	// the same account lands height 1 from elsewhere, burying our height 0
	zero := h.backlog.Head().Record
	one, err := h.miner.MineNext(context.Background(), zero)
	require.NoError(t, err)
	out, err := h.commit.Commit(context.Background(), one)
	require.NoError(t, err)
	require.True(t, out.IsConfirmed())

	submits := h.gw.Submits()
	promoted, err := h.orch.VerifyAmbiguous(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, promoted)
	assert.Zero(t, h.backlog.Len())
	assert.Equal(t, submits, h.gw.Submits())

	got, err := h.store.Get(0)
	require.NoError(t, err)
	assert.Equal(t, zero.Proof, got.Proof)
}

func TestReplayWithoutHistoryDoesNotConfirmBuriedHeight(t *testing.T) {
	h := newHarness(t)
	h.orch.History = nil
	for i := 0; i < 2; i++ {
		_, err := h.orch.ProduceAndCommit(context.Background())
		require.NoError(t, err)
	}
	rec, err := h.store.Get(0)
	require.NoError(t, err)
	require.NoError(t, h.store.Reset())

	out, err := h.orch.Replay(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAmbiguous, out.Kind)
	_, ok := h.store.LatestHeight()
	assert.False(t, ok)
}

func TestMineErrorHasHeight(t *testing.T) {
	h := newHarness(t)
	h.miner.FailNext(errors.New("vdf crashed"))
	_, err := h.orch.ProduceAndCommit(context.Background())
	te := types.AsTowerError(err)
	assert.Equal(t, types.CategoryMine, te.Category)
	require.NotNil(t, te.Height)
	assert.Equal(t, uint64(0), *te.Height)
	assert.Contains(t, h.orch.Status().LastError, "vdf crashed")
}

func TestMiningHonoursContext(t *testing.T) {
	h := newHarness(t)
	h.miner.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.orch.ProduceAndCommit(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.gw.Submits())
}

// stubbornMiner ignores ctx and returns only when released.
type stubbornMiner struct {
	running chan struct{}
	release chan struct{}
}

func (m *stubbornMiner) MineNext(ctx context.Context, prev *types.ProofRecord) (*types.ProofRecord, error) {
	close(m.running)
	<-m.release
	return nil, errors.New("finished late")
}

func TestCancelledMiningHoldsGuardUntilMinerReturns(t *testing.T) {
	h := newHarness(t)
	m := &stubbornMiner{running: make(chan struct{}), release: make(chan struct{})}
	h.orch.Miner = m

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.orch.ProduceAndCommit(ctx)
		errc <- err
	}()
	<-m.running
	cancel()

	select {
	case <-errc:
		t.Fatal("returned while the miner was still running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, h.orch.Guard.Busy(acct))

	close(m.release)
	require.ErrorIs(t, <-errc, context.Canceled)
	assert.False(t, h.orch.Guard.Busy(acct))
}

func TestGuardSerializesAccount(t *testing.T) {
	g := NewAccountGuard()
	release, err := g.Acquire(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, g.Busy("a"))

	_, ok := g.TryAcquire("a")
	assert.False(t, ok)
	other, ok := g.TryAcquire("b")
	require.True(t, ok)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.False(t, g.Busy("a"))
	again, err := g.Acquire(context.Background(), "a")
	require.NoError(t, err)
	again()
}
