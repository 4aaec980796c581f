// Package reconcile rebuilds missing local proof records from the account's
// confirmed minerstate_commit transactions.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"tower/interfaces"
	"tower/logs"
	"tower/payload"
	"tower/stats"
	"tower/types"
	"tower/utils"
)

var (
	// ErrRangeTooLarge: the gap does not fit in one history page. Truncating
	// would leave unverifiable holes, so nothing is fetched or written.
	ErrRangeTooLarge = errors.New("reconcile range exceeds page size")
	ErrNoTowerState  = errors.New("account has no tower state on chain")
	// ErrTipMismatch: the recovered tip does not hash to the on-chain
	// previous_proof_hash; nothing is written.
	ErrTipMismatch = errors.New("recovered tip does not match chain")
)

// Error 对账失败（整个操作可重跑）
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string                 { return fmt.Sprintf("reconcile %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error                 { return e.Err }
func (e *Error) Category() types.ErrorCategory { return types.CategoryReconcile }

// ParseError is a per-transaction decode failure; the batch continues.
type ParseError struct {
	TxHash  string `json:"tx_hash"`
	Version uint64 `json:"version"`
	Height  uint64 `json:"height"`
	Err     error  `json:"-"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tx %s (height %d): %v", e.TxHash, e.Height, e.Err)
}

func (e *ParseError) Unwrap() error                 { return e.Err }
func (e *ParseError) Category() types.ErrorCategory { return types.CategoryParse }
func (e *ParseError) FailedHeight() (uint64, bool)  { return e.Height, true }

// SkippedTx is a transaction in range that is not a confirmed proof commit.
type SkippedTx struct {
	Hash     string `json:"hash"`
	Version  uint64 `json:"version"`
	Function string `json:"function"`
	Status   string `json:"status"`
}

// Report 一次对账的结果
type Report struct {
	LocalHeight   *uint64               `json:"local_height,omitempty"`
	OnchainHeight uint64                `json:"onchain_height"`
	Records       []*types.ProofRecord  `json:"records"`
	Existing      []uint64              `json:"existing,omitempty"`
	Skipped       []SkippedTx           `json:"skipped,omitempty"`
	ParseErrors   []*ParseError         `json:"parse_errors,omitempty"`
	// Unfilled are gap heights still missing locally after this run.
	Unfilled []uint64 `json:"unfilled,omitempty"`
	// Unlinked are recovered heights whose predecessor was not available to
	// link against (parse failure or unreadable local file).
	Unlinked []uint64 `json:"unlinked,omitempty"`
}

// Heights of the records written by this run.
func (r *Report) Heights() []uint64 {
	out := make([]uint64, 0, len(r.Records))
	for _, rec := range r.Records {
		out = append(out, rec.Height)
	}
	return out
}

// Options 对账参数
type Options struct {
	PageSize      uint64 // 1000
	IncludeEvents bool
	// Payloads carry no timing or VDF parameters; recovered records get these.
	AssumedElapsedSecs uint64 // 2000
	Difficulty         uint64 // 120000000
	Security           uint64 // 512
	VerifyTip          bool
	Layouts            payload.Table
}

func DefaultOptions() Options {
	return Options{
		PageSize:           1000,
		AssumedElapsedSecs: 2000,
		Difficulty:         120000000,
		Security:           512,
		VerifyTip:          true,
		Layouts:            payload.DefaultTable,
	}
}

type Engine struct {
	gateway interfaces.ChainGateway
	store   interfaces.ProofStore
	account string
	opts    Options
	logger  logs.Logger
	stats   *stats.Stats
}

func NewEngine(gateway interfaces.ChainGateway, store interfaces.ProofStore, account string, opts Options, logger logs.Logger, st *stats.Stats) *Engine {
	if logger == nil {
		logger = logs.Default()
	}
	if opts.PageSize == 0 {
		opts.PageSize = 1000
	}
	if opts.Layouts == (payload.Table{}) {
		opts.Layouts = payload.DefaultTable
	}
	return &Engine{gateway: gateway, store: store, account: account, opts: opts, logger: logger, stats: st}
}

// candidate is a selected commit tx with the height it proves.
type candidate struct {
	tx     *types.RawTransaction
	height uint64
}

// Reconcile heals the gap between the local tower and the chain. The
// returned report is non-nil whenever the chain could be queried, including
// on partial failure.
func (e *Engine) Reconcile(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { e.stats.Observe(stats.OpReconcile, time.Since(start)) }()

	state, err := e.gateway.GetMinerState(ctx, e.account)
	if err != nil {
		return nil, &Error{Op: "get_miner_state", Err: err}
	}
	if state == nil {
		return nil, &Error{Op: "get_miner_state", Err: ErrNoTowerState}
	}
	onchain := state.VerifiedTowerHeight
	report := &Report{OnchainHeight: onchain}

	localMax, hasLocal := e.store.LatestHeight()
	if hasLocal {
		report.LocalHeight = &localMax
		if localMax >= onchain {
			e.logger.Debug("[Reconcile] local %d >= chain %d, nothing to do", localMax, onchain)
			return report, nil
		}
	}

	var rangeStart, floor uint64
	if hasLocal {
		rangeStart, floor = localMax, localMax+1
	}
	if span := onchain - rangeStart + 1; span > e.opts.PageSize {
		return nil, &Error{Op: "range", Err: fmt.Errorf("[%d, %d] is %d heights, page size %d: %w",
			rangeStart, onchain, span, e.opts.PageSize, ErrRangeTooLarge)}
	}
	gap := onchain - floor + 1

	txs, err := e.gateway.GetTxnByAccountRange(ctx, e.account, rangeStart, e.opts.PageSize, e.opts.IncludeEvents)
	if err != nil {
		return nil, &Error{Op: "get_txn_by_account_range", Err: err}
	}

	picked, skipped := selectCommits(txs, onchain, gap)
	report.Skipped = skipped
	if len(picked) == 0 {
		e.logger.Warn("[Reconcile] no proof commits in [%d, %d] (%d txs skipped)", rangeStart, onchain, len(report.Skipped))
		report.Unfilled = heightRange(floor, onchain)
		return report, nil
	}

	recovered := e.decode(picked, report)

	if e.opts.VerifyTip && len(recovered) > 0 && len(state.PreviousProofHash) > 0 {
		tip := recovered[len(recovered)-1]
		if tip.Height == onchain && !bytes.Equal(utils.ProofHash(tip.Proof), state.PreviousProofHash) {
			return report, &Error{Op: "verify", Err: fmt.Errorf("height %d: %w", onchain, ErrTipMismatch)}
		}
	}

	done := make(map[uint64]bool, len(recovered))
	for _, rec := range recovered {
		written, err := e.store.PutIfAbsent(rec)
		if err != nil {
			report.Unfilled = unfilled(floor, onchain, done)
			return report, &Error{Op: "persist", Err: fmt.Errorf("height %d: %w", rec.Height, err)}
		}
		done[rec.Height] = true
		if written {
			report.Records = append(report.Records, rec)
		} else {
			report.Existing = append(report.Existing, rec.Height)
		}
	}
	report.Unfilled = unfilled(floor, onchain, done)
	e.stats.Add(stats.CountRecovered, uint64(len(report.Records)))

	e.logger.Info("[Reconcile] chain %d, local %s: wrote %d, existing %d, skipped %d, parse errors %d, unlinked %d, unfilled %d",
		onchain, localString(report.LocalHeight), len(report.Records), len(report.Existing),
		len(report.Skipped), len(report.ParseErrors), len(report.Unlinked), len(report.Unfilled))
	return report, nil
}

// selectCommits walks txs newest first. The newest commit proves the
// on-chain height, so heights count down from there; the walk stops once gap
// commits are found.
func selectCommits(txs []*types.RawTransaction, onchain, gap uint64) ([]candidate, []SkippedTx) {
	var (
		picked  []candidate
		skipped []SkippedTx
	)
	for i := len(txs) - 1; i >= 0 && uint64(len(picked)) < gap; i-- {
		tx := txs[i]
		if !tx.VMStatus.IsExecuted() || tx.FunctionName != types.FunctionMinerstateCommit {
			skipped = append(skipped, SkippedTx{
				Hash: tx.Hash, Version: tx.Version, Function: tx.FunctionName, Status: tx.VMStatus.Type,
			})
			continue
		}
		picked = append(picked, candidate{tx: tx, height: onchain - uint64(len(picked))})
	}
	return picked, skipped
}

// CommittedProofs returns the proof bytes the chain accepted for every height
// in [from, state.VerifiedTowerHeight], read from the account's history.
// Heights whose payload cannot be decoded are absent from the map.
func (e *Engine) CommittedProofs(ctx context.Context, state *types.TowerState, from uint64) (map[uint64][]byte, error) {
	if state == nil {
		return nil, &Error{Op: "committed_proofs", Err: ErrNoTowerState}
	}
	onchain := state.VerifiedTowerHeight
	if from > onchain {
		return map[uint64][]byte{}, nil
	}
	gap := onchain - from + 1
	if gap > e.opts.PageSize {
		return nil, &Error{Op: "committed_proofs", Err: fmt.Errorf("[%d, %d] is %d heights, page size %d: %w",
			from, onchain, gap, e.opts.PageSize, ErrRangeTooLarge)}
	}
	txs, err := e.gateway.GetTxnByAccountRange(ctx, e.account, from, e.opts.PageSize, e.opts.IncludeEvents)
	if err != nil {
		return nil, &Error{Op: "get_txn_by_account_range", Err: err}
	}
	picked, _ := selectCommits(txs, onchain, gap)
	out := make(map[uint64][]byte, len(picked))
	for _, c := range picked {
		fields, err := e.opts.Layouts.For(c.height).Decode(c.tx.Bytes)
		if err != nil {
			e.logger.Warn("[Reconcile] height %d: %v", c.height, err)
			continue
		}
		out[c.height] = fields.Proof
	}
	return out, nil
}

// decode turns picked (newest first) into records, oldest first. A parse
// failure drops only its own height. A record whose predecessor is missing
// or unreadable takes its previous hash from the commit preimage, which the
// chain only accepts when it extends the tower; such heights are listed in
// report.Unlinked.
func (e *Engine) decode(picked []candidate, report *Report) []*types.ProofRecord {
	var (
		out  []*types.ProofRecord
		prev *types.ProofRecord
	)
	for i := len(picked) - 1; i >= 0; i-- {
		c := picked[i]
		layout := e.opts.Layouts.For(c.height)
		fields, err := layout.Decode(c.tx.Bytes)
		if err != nil {
			pe := &ParseError{TxHash: c.tx.Hash, Version: c.tx.Version, Height: c.height, Err: err}
			report.ParseErrors = append(report.ParseErrors, pe)
			e.logger.Warn("[Reconcile] %v", pe)
			continue
		}
		rec := &types.ProofRecord{
			Height:      c.height,
			Preimage:    fields.Preimage,
			Proof:       fields.Proof,
			ElapsedSecs: e.opts.AssumedElapsedSecs,
			Difficulty:  e.opts.Difficulty,
			Security:    e.opts.Security,
		}
		switch {
		case c.height == 0:
			rec.PreviousProofHash = append([]byte(nil), utils.GenesisHash...)
		case prev != nil && prev.Height == c.height-1:
			rec.PreviousProofHash = utils.ProofHash(prev.Proof)
		case prev == nil && len(report.ParseErrors) == 0:
			below, err := e.store.Get(c.height - 1)
			if err == nil {
				rec.PreviousProofHash = utils.ProofHash(below.Proof)
				break
			}
			e.logger.Warn("[Reconcile] height %d: local predecessor unreadable: %v", c.height, err)
			e.unlinked(rec, report)
		default:
			// 前一个高度解析失败
			e.unlinked(rec, report)
		}
		out = append(out, rec)
		prev = rec
	}
	return out
}

// unlinked fills PreviousProofHash from the preimage when it has hash length,
// and leaves it empty otherwise.
func (e *Engine) unlinked(rec *types.ProofRecord, report *Report) {
	if len(rec.Preimage) == utils.HashLen {
		rec.PreviousProofHash = append([]byte(nil), rec.Preimage...)
	}
	report.Unlinked = append(report.Unlinked, rec.Height)
}

func heightRange(from, to uint64) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, h)
	}
	return out
}

func unfilled(from, to uint64, done map[uint64]bool) []uint64 {
	var out []uint64
	for h := from; h <= to; h++ {
		if !done[h] {
			out = append(out, h)
		}
	}
	return out
}

func localString(h *uint64) string {
	if h == nil {
		return "none"
	}
	return fmt.Sprint(*h)
}
