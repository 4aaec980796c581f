// Package miner drives one account's tower: mine the next proof, commit it,
// and keep the backlog and the local store consistent with the chain.
package miner

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tower/backlog"
	"tower/commit"
	"tower/events"
	"tower/interfaces"
	"tower/logs"
	"tower/proofs"
	"tower/stats"
	"tower/types"
	"tower/utils"
)

// History looks up the proofs the chain accepted at heights below its tip.
type History interface {
	CommittedProofs(ctx context.Context, state *types.TowerState, from uint64) (map[uint64][]byte, error)
}

// Deps 编排器依赖
type Deps struct {
	Account   string
	Miner     interfaces.ProofMiner
	Committer interfaces.Committer
	Gateway   interfaces.ChainGateway
	Store     interfaces.ProofStore
	History   History // nil: backlog entries below the chain tip stay unverified
	Backlog   *backlog.Manager
	Guard     *AccountGuard
	Sink      interfaces.EventSink
	Logger    logs.Logger
	Stats     *stats.Stats
}

// Status is the orchestrator's view for the status command.
type Status struct {
	InProgress    bool       `json:"in_progress"`
	SessionProofs uint64     `json:"session_proofs"`
	LastAttempt   *time.Time `json:"last_attempt,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type Orchestrator struct {
	Deps

	inProgress    atomic.Bool
	sessionProofs atomic.Uint64

	mu          sync.Mutex
	lastAttempt time.Time
	lastErr     error
}

func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = logs.Default()
	}
	if d.Guard == nil {
		d.Guard = NewAccountGuard()
	}
	return &Orchestrator{Deps: d}
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{InProgress: o.inProgress.Load(), SessionProofs: o.sessionProofs.Load()}
	if !o.lastAttempt.IsZero() {
		t := o.lastAttempt
		s.LastAttempt = &t
	}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
	}
	return s
}

func (o *Orchestrator) finish(err error) {
	o.mu.Lock()
	o.lastAttempt = time.Now()
	o.lastErr = err
	o.mu.Unlock()
}

// ProduceAndCommit runs exactly one mining attempt and at most one
// submission. On failure the error is a *MiningError.
func (o *Orchestrator) ProduceAndCommit(ctx context.Context) (rec *types.ProofRecord, err error) {
	release, err := o.Guard.Acquire(ctx, o.Account)
	if err != nil {
		return nil, &MiningError{Stage: StageGuard, Err: err}
	}
	defer release()
	o.inProgress.Store(true)
	defer o.inProgress.Store(false)
	defer func() { o.finish(err) }()

	if o.Backlog.Len() > 0 {
		if _, verr := o.verifyLocked(ctx); verr != nil {
			o.Logger.Warn("[Miner] could not verify backlog against chain: %v", verr)
		}
	}
	if o.Backlog.Blocked() {
		head := o.Backlog.Head()
		return nil, &MiningError{Stage: StageBacklog, Height: heightPtr(head.Height()), Err: backlog.ErrBlocked}
	}

	tip, err := o.tip()
	if err != nil {
		return nil, &MiningError{Stage: StageTip, Err: err}
	}

	rec, err = o.mine(ctx, tip)
	if err != nil {
		next := uint64(0)
		if tip != nil {
			next = tip.Height + 1
		}
		return nil, &MiningError{Stage: StageMine, Height: heightPtr(next), Err: err}
	}
	h := rec.Height
	o.Logger.Info("[Miner] mined height %d", h)

	// Older proofs are still unconfirmed: submitting this one would be
	// rejected for ordering, so it waits its turn.
	if o.Backlog.Len() > 0 {
		if err := o.enqueue(rec, types.BacklogPending, "queued behind backlog"); err != nil {
			return nil, &MiningError{Stage: StageBacklog, Height: &h, Err: err}
		}
		return nil, &MiningError{Stage: StageBacklog, Height: &h, Backlogged: true, Deferred: true}
	}

	outcome, err := o.Committer.Commit(ctx, rec)
	if err != nil {
		var ce *commit.Error
		if !errors.As(err, &ce) {
			return nil, &MiningError{Stage: StageCommit, Height: &h, Err: err}
		}
		if berr := o.enqueue(rec, types.BacklogPending, err.Error()); berr != nil {
			o.Logger.Error("[Miner] height %d lost: %v (backlog: %v)", h, err, berr)
			return nil, &MiningError{Stage: StageCommit, Height: &h, Err: err}
		}
		return nil, &MiningError{Stage: StageCommit, Height: &h, Err: err, Backlogged: true}
	}

	switch outcome.Kind {
	case types.OutcomeConfirmed:
		if err := o.persist(rec); err != nil {
			return nil, &MiningError{Stage: StageStore, Height: &h, Outcome: &outcome, Err: err}
		}
		return rec, nil
	case types.OutcomeAmbiguous:
		mErr := &MiningError{Stage: StageCommit, Height: &h, Outcome: &outcome}
		if err := o.enqueue(rec, types.BacklogAmbiguous, outcome.Reason); err != nil {
			mErr.Err = err
			return nil, mErr
		}
		mErr.Backlogged = true
		return nil, mErr
	default:
		// the chain refused this record; a fresh proof is needed
		return nil, &MiningError{Stage: StageCommit, Height: &h, Outcome: &outcome}
	}
}

// tip is the record to mine on: the highest of the local store and the
// backlog, nil for genesis.
func (o *Orchestrator) tip() (*types.ProofRecord, error) {
	var tip *types.ProofRecord
	latest, err := o.Store.Latest()
	switch {
	case err == nil:
		tip = latest
	case errors.Is(err, proofs.ErrNotFound):
	default:
		return nil, err
	}
	if queued := o.Backlog.Latest(); queued != nil && (tip == nil || queued.Height() > tip.Height) {
		tip = queued.Record
	}
	return tip, nil
}

// mine runs the VDF off the caller's goroutine. On cancellation it waits for
// MineNext to return, so the guard is never released under a running miner;
// a ProofMiner that ignores ctx therefore delays cancellation.
func (o *Orchestrator) mine(ctx context.Context, prev *types.ProofRecord) (*types.ProofRecord, error) {
	type result struct {
		rec *types.ProofRecord
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		rec, err := o.Miner.MineNext(ctx, prev)
		done <- result{rec, err}
	}()
	select {
	case r := <-done:
		o.Stats.Observe(stats.OpMine, time.Since(start))
		if r.err == nil {
			o.Stats.Inc(stats.CountMined)
		}
		return r.rec, r.err
	case <-ctx.Done():
		<-done
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) enqueue(rec *types.ProofRecord, state types.BacklogState, reason string) error {
	now := time.Now()
	_, err := o.Backlog.Add(&types.BacklogEntry{
		Record:      rec,
		LastFailure: reason,
		State:       state,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err == nil {
		o.Stats.Inc(stats.CountBacklogged)
		o.Logger.Warn("[Miner] height %d backlogged (%s): %s", rec.Height, state, reason)
	}
	return err
}

func (o *Orchestrator) persist(rec *types.ProofRecord) error {
	if _, err := o.Store.PutIfAbsent(rec); err != nil {
		return err
	}
	o.sessionProofs.Add(1)
	return nil
}

// Replay is the commit function handed to backlog.Flush. A record the chain
// already holds is reported Confirmed without resubmitting it.
func (o *Orchestrator) Replay(ctx context.Context, rec *types.ProofRecord) (types.CommitOutcome, error) {
	state, err := o.Gateway.GetMinerState(ctx, o.Account)
	if err == nil && state != nil && state.VerifiedTowerHeight >= rec.Height {
		outcome, ok := o.landed(ctx, state, []*types.ProofRecord{rec})[rec.Height]
		if !ok {
			return types.Ambiguous(rec.Height, "height is on chain but its proof could not be read back"), nil
		}
		if outcome.IsConfirmed() {
			if err := o.persist(rec); err != nil {
				return types.CommitOutcome{}, err
			}
		}
		return outcome, nil
	}
	outcome, err := o.Committer.Commit(ctx, rec)
	if err != nil {
		return outcome, err
	}
	if outcome.IsConfirmed() {
		if err := o.persist(rec); err != nil {
			return types.CommitOutcome{}, err
		}
	}
	return outcome, nil
}

// landed judges records at or below the on-chain height. The tip is checked
// against previous_proof_hash, older heights against the proof committed in
// the account history. Heights that cannot be checked are absent from the
// result.
func (o *Orchestrator) landed(ctx context.Context, state *types.TowerState, recs []*types.ProofRecord) map[uint64]types.CommitOutcome {
	out := make(map[uint64]types.CommitOutcome, len(recs))
	onchain := state.VerifiedTowerHeight
	var below []*types.ProofRecord
	for _, rec := range recs {
		switch {
		case rec.Height > onchain:
		case rec.Height < onchain:
			below = append(below, rec)
		case len(state.PreviousProofHash) == 0:
			out[rec.Height] = types.Confirmed(rec.Height, "")
		case bytes.Equal(utils.ProofHash(rec.Proof), state.PreviousProofHash):
			out[rec.Height] = types.Confirmed(rec.Height, "")
		default:
			out[rec.Height] = types.Rejected(rec.Height, "a different proof holds this height on chain")
		}
	}
	if len(below) == 0 {
		return out
	}
	if o.History == nil {
		o.Logger.Warn("[Miner] no history lookup, %d backlogged heights below chain tip stay unverified", len(below))
		return out
	}
	from := below[0].Height
	for _, rec := range below {
		if rec.Height < from {
			from = rec.Height
		}
	}
	committed, err := o.History.CommittedProofs(ctx, state, from)
	if err != nil {
		o.Logger.Warn("[Miner] reading committed proofs from %d: %v", from, err)
		return out
	}
	for _, rec := range below {
		proof, ok := committed[rec.Height]
		switch {
		case !ok:
			o.Logger.Warn("[Miner] height %d: committed proof not readable", rec.Height)
		case bytes.Equal(proof, rec.Proof):
			out[rec.Height] = types.Confirmed(rec.Height, "")
		default:
			out[rec.Height] = types.Rejected(rec.Height, "a different proof holds this height on chain")
		}
	}
	return out
}

// VerifyAmbiguous re-queries the chain and promotes backlog entries the chain
// already holds into the proof store.
func (o *Orchestrator) VerifyAmbiguous(ctx context.Context) ([]uint64, error) {
	release, err := o.Guard.Acquire(ctx, o.Account)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.verifyLocked(ctx)
}

// verifyLocked promotes entries whose proof the chain holds. An entry below
// the tip whose height holds a different proof is marked rejected; at the tip
// the mismatch is left for Replay to report.
func (o *Orchestrator) verifyLocked(ctx context.Context) ([]uint64, error) {
	if o.Backlog.Len() == 0 {
		return nil, nil
	}
	state, err := o.Gateway.GetMinerState(ctx, o.Account)
	if err != nil || state == nil {
		return nil, err
	}
	var settled []*types.ProofRecord
	for _, e := range o.Backlog.Entries() {
		if e.Height() > state.VerifiedTowerHeight {
			break
		}
		settled = append(settled, e.Record)
	}
	outcomes := o.landed(ctx, state, settled)

	var promoted []uint64
	for _, rec := range settled {
		h := rec.Height
		outcome, ok := outcomes[h]
		switch {
		case !ok:
			continue
		case !outcome.IsConfirmed():
			o.Logger.Warn("[Miner] backlog height %d: %s", h, outcome.Reason)
			if h < state.VerifiedTowerHeight {
				if err := o.Backlog.MarkRejected(h, outcome.Reason); err != nil {
					return promoted, err
				}
			}
			continue
		}
		if err := o.persist(rec); err != nil {
			return promoted, err
		}
		if _, err := o.Backlog.Remove(h); err != nil {
			return promoted, err
		}
		promoted = append(promoted, h)
	}
	if len(promoted) > 0 {
		o.Logger.Info("[Miner] %d backlogged proofs already on chain: %v", len(promoted), promoted)
	}
	return promoted, nil
}

// FlushBacklog replays the backlog under the account guard and emits a
// backlog-success or backlog-error event.
func (o *Orchestrator) FlushBacklog(ctx context.Context) (*backlog.FlushReport, error) {
	release, err := o.Guard.Acquire(ctx, o.Account)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := o.verifyLocked(ctx); err != nil {
		o.Logger.Warn("[Miner] could not verify backlog against chain: %v", err)
	}
	start := time.Now()
	report, err := o.Backlog.Flush(ctx, o.Replay)
	o.Stats.Observe(stats.OpFlush, time.Since(start))

	switch {
	case err != nil:
		te := types.AsTowerError(err)
		if report != nil && report.HaltedAt != nil {
			te.WithHeight(*report.HaltedAt)
		}
		events.Emit(o.Sink, types.EventBacklogError, &types.ErrorEvent{Err: te})
	case report.Halted():
		te := types.NewTowerError(types.CategoryBacklog, nil, report.HaltReason).WithHeight(*report.HaltedAt)
		if report.Outcome != nil {
			switch report.Outcome.Kind {
			case types.OutcomeRejected:
				te.Category = types.CategoryRejected
			case types.OutcomeAmbiguous:
				te.Category = types.CategoryAmbiguous
			}
		}
		events.Emit(o.Sink, types.EventBacklogError, &types.ErrorEvent{Err: te})
	default:
		events.Emit(o.Sink, types.EventBacklogSuccess, report)
	}
	return report, err
}
