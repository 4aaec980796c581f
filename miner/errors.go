package miner

import (
	"errors"
	"fmt"

	"tower/types"
)

// Stages a mining attempt can fail in.
const (
	StageGuard   = "guard"
	StageVerify  = "verify"
	StageBacklog = "backlog"
	StageTip     = "tip"
	StageMine    = "mine"
	StageCommit  = "commit"
	StageStore   = "store"
)

// MiningError 单次挖矿尝试的结果（非成功）
// Outcome is set when the chain answered; Backlogged reports that the proof
// was kept for a later flush, Deferred that it was queued without being
// submitted because older proofs are still outstanding.
type MiningError struct {
	Stage      string
	Height     *uint64
	Outcome    *types.CommitOutcome
	Err        error
	Backlogged bool
	Deferred   bool
}

func (e *MiningError) Error() string {
	msg := e.Stage
	if e.Height != nil {
		msg += fmt.Sprintf(" height %d", *e.Height)
	}
	switch {
	case e.Outcome != nil:
		msg += ": " + e.Outcome.String()
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	}
	if e.Deferred {
		msg += " (queued behind backlog)"
	} else if e.Backlogged {
		msg += " (backlogged)"
	}
	return msg
}

func (e *MiningError) Unwrap() error { return e.Err }

func (e *MiningError) FailedHeight() (uint64, bool) {
	if e.Height == nil {
		return 0, false
	}
	return *e.Height, true
}

func (e *MiningError) Category() types.ErrorCategory {
	if e.Outcome != nil {
		switch e.Outcome.Kind {
		case types.OutcomeRejected:
			return types.CategoryRejected
		case types.OutcomeAmbiguous:
			return types.CategoryAmbiguous
		}
	}
	if e.Deferred {
		return types.CategoryBacklog
	}
	var c types.Categorizer
	if e.Err != nil && errors.As(e.Err, &c) {
		return c.Category()
	}
	switch e.Stage {
	case StageMine:
		return types.CategoryMine
	case StageCommit:
		return types.CategoryCommit
	case StageBacklog:
		return types.CategoryBacklog
	}
	return types.CategoryMisc
}

func heightPtr(h uint64) *uint64 { return &h }
