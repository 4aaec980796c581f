// Package commit turns a proof record into a signed minerstate_commit
// transaction and classifies what the chain did with it.
package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tower/interfaces"
	"tower/logs"
	"tower/stats"
	"tower/types"
)

// Error is a transport failure: the submission may never have reached the
// network, so the record stays eligible for the backlog.
type Error struct {
	Height uint64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("commit height %d: %v", e.Height, e.Err)
}

func (e *Error) Unwrap() error                 { return e.Err }
func (e *Error) Category() types.ErrorCategory { return types.CategoryCommit }
func (e *Error) FailedHeight() (uint64, bool)  { return e.Height, true }

// Engine 提交引擎：构造、签名、提交、分类
type Engine struct {
	gateway interfaces.ChainGateway
	params  *types.TxParams
	logger  logs.Logger
	stats   *stats.Stats
	now     func() time.Time
}

func NewEngine(gateway interfaces.ChainGateway, params *types.TxParams, logger logs.Logger, st *stats.Stats) *Engine {
	if logger == nil {
		logger = logs.Default()
	}
	return &Engine{gateway: gateway, params: params, logger: logger, stats: st, now: time.Now}
}

// Account is the signing account, empty when no params are configured.
func (e *Engine) Account() string {
	if e.params == nil {
		return ""
	}
	return e.params.Account
}

// BuildTx assembles and signs the commit transaction for record.
func (e *Engine) BuildTx(record *types.ProofRecord) (*types.Transaction, error) {
	if e.params == nil || e.params.SigningKey == nil {
		return nil, types.NewTowerError(types.CategoryConfig, ErrNoSigner, "").WithHeight(record.Height)
	}
	tx := &types.Transaction{
		Sender:   e.params.Account,
		Function: types.FunctionMinerstateCommit,
		Height:   record.Height,
		Args: types.CommitArgs{
			Preimage:   record.Preimage,
			Proof:      record.Proof,
			Difficulty: record.Difficulty,
			Security:   record.Security,
		},
		MaxGasUnits:    e.params.MaxGasUnitForTx,
		GasUnitPrice:   e.params.CoinPricePerUnit,
		ExpirationUnix: e.now().Add(e.params.UserTxTimeout).Unix(),
	}
	if err := Sign(tx, e.params.SigningKey); err != nil {
		return nil, types.NewTowerError(types.CategoryConfig, err, "").WithHeight(record.Height)
	}
	return tx, nil
}

// Commit submits record once. The returned error is either a *Error
// (transport) or a config error; everything the chain answered is an outcome.
func (e *Engine) Commit(ctx context.Context, record *types.ProofRecord) (types.CommitOutcome, error) {
	outcome, _, err := e.submit(ctx, record)
	return outcome, err
}

// DebugSubmit is Commit with the raw gateway result exposed.
func (e *Engine) DebugSubmit(ctx context.Context, record *types.ProofRecord) (*types.TxResult, types.CommitOutcome, error) {
	e.logger.Debug("[Commit] debug submit %s", record)
	outcome, result, err := e.submit(ctx, record)
	if err == nil {
		e.logger.Debug("[Commit] debug submit result %+v -> %s", result, outcome)
	}
	return result, outcome, err
}

func (e *Engine) submit(ctx context.Context, record *types.ProofRecord) (types.CommitOutcome, *types.TxResult, error) {
	if record == nil {
		return types.CommitOutcome{}, nil, errors.New("nil proof record")
	}
	tx, err := e.BuildTx(record)
	if err != nil {
		return types.CommitOutcome{}, nil, err
	}

	if e.params.UserTxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.params.UserTxTimeout)
		defer cancel()
	}

	start := e.now()
	result, err := e.gateway.SubmitTx(ctx, e.params, tx)
	e.stats.Observe(stats.OpCommit, time.Since(start))
	if err != nil {
		if errors.Is(err, types.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			e.stats.Inc(stats.CountAmbiguous)
			e.logger.Warn("[Commit] height %d: no execution status: %v", record.Height, err)
			return types.Ambiguous(record.Height, err.Error()), nil, nil
		}
		e.stats.Inc(stats.CountCommitError)
		e.logger.Warn("[Commit] height %d: submit failed: %v", record.Height, err)
		return types.CommitOutcome{}, nil, &Error{Height: record.Height, Err: err}
	}

	outcome := Classify(record.Height, result, e.gateway.EvalTxStatus(result))
	switch outcome.Kind {
	case types.OutcomeConfirmed:
		e.stats.Inc(stats.CountConfirmed)
		e.logger.Info("[Commit] height %d confirmed in tx %s", record.Height, result.Hash)
	case types.OutcomeRejected:
		e.stats.Inc(stats.CountRejected)
		e.logger.Error("[Commit] height %d rejected: %s", record.Height, outcome.Reason)
	default:
		e.stats.Inc(stats.CountAmbiguous)
		e.logger.Warn("[Commit] height %d ambiguous: %s", record.Height, outcome.Reason)
	}
	return outcome, result, nil
}

// Classify maps the gateway's status evaluation to an outcome. Only an
// explicit refusal is Rejected; anything unexplained is Ambiguous.
func Classify(height uint64, result *types.TxResult, evalErr error) types.CommitOutcome {
	hash := ""
	if result != nil {
		hash = result.Hash
	}
	if evalErr == nil {
		return types.Confirmed(height, hash)
	}
	var se *types.StatusError
	if errors.As(evalErr, &se) && se.Kind.Definitive() {
		o := types.Rejected(height, se.Error())
		o.TxHash = hash
		return o
	}
	o := types.Ambiguous(height, evalErr.Error())
	o.TxHash = hash
	return o
}
