// Package chain provides in-memory stand-ins for the chain RPC client and
// the VDF prover, used by tests and by offline runs of the CLI.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"tower/commit"
	"tower/payload"
	"tower/types"
	"tower/utils"
)

// Fault is a failure injected into the next SubmitTx call.
type Fault int

const (
	FaultNone Fault = iota
	// FaultUnreachable: the tx never reaches the chain.
	FaultUnreachable
	// FaultMalformed: the rpc exchange is garbled; the tx is not applied.
	FaultMalformed
	// FaultTimeoutLanded: the tx executes but the client times out waiting.
	FaultTimeoutLanded
	// FaultTimeoutLost: the client times out and the tx never executes.
	FaultTimeoutLost
	// FaultPending: the node answers with a pending status; not applied.
	FaultPending
	// FaultAbort: the VM aborts the tx.
	FaultAbort
)

type account struct {
	state   *types.TowerState
	history []*types.RawTransaction
}

// SimulatedGateway 模拟链：内存中的塔状态与交易历史
// It enforces height ordering and preimage linkage and verifies signatures.
type SimulatedGateway struct {
	mu       sync.Mutex
	accounts map[string]*account
	version  uint64
	faults   []Fault
	layouts  payload.Table
	submits  int
	down     bool
}

func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{
		accounts: make(map[string]*account),
		layouts:  payload.DefaultTable,
	}
}

// InjectFault queues faults consumed one per SubmitTx call.
func (g *SimulatedGateway) InjectFault(faults ...Fault) {
	g.mu.Lock()
	g.faults = append(g.faults, faults...)
	g.mu.Unlock()
}

// SetDown makes every call fail with ErrUnreachable until cleared.
func (g *SimulatedGateway) SetDown(down bool) {
	g.mu.Lock()
	g.down = down
	g.mu.Unlock()
}

// Submits counts SubmitTx calls that got past connectivity checks.
func (g *SimulatedGateway) Submits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits
}

func (g *SimulatedGateway) acct(name string) *account {
	a, ok := g.accounts[name]
	if !ok {
		a = &account{}
		g.accounts[name] = a
	}
	return a
}

func (g *SimulatedGateway) GetMinerState(ctx context.Context, name string) (*types.TowerState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return nil, fmt.Errorf("get_miner_state: %w", types.ErrUnreachable)
	}
	a, ok := g.accounts[name]
	if !ok || a.state == nil {
		return nil, nil
	}
	cp := *a.state
	cp.PreviousProofHash = append([]byte(nil), a.state.PreviousProofHash...)
	return &cp, nil
}

// GetTxnByAccountRange returns history entries with sequence number >= start,
// oldest first, at most limit of them.
func (g *SimulatedGateway) GetTxnByAccountRange(ctx context.Context, name string, start, limit uint64, _ bool) ([]*types.RawTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return nil, fmt.Errorf("get_txn_by_account_range: %w", types.ErrUnreachable)
	}
	a, ok := g.accounts[name]
	if !ok {
		return nil, nil
	}
	var out []*types.RawTransaction
	for _, tx := range a.history {
		if tx.SequenceNumber < start {
			continue
		}
		if uint64(len(out)) >= limit {
			break
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (g *SimulatedGateway) popFault() Fault {
	if len(g.faults) == 0 {
		return FaultNone
	}
	f := g.faults[0]
	g.faults = g.faults[1:]
	return f
}

func (g *SimulatedGateway) SubmitTx(ctx context.Context, params *types.TxParams, tx *types.Transaction) (*types.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return nil, fmt.Errorf("submit: %w", types.ErrUnreachable)
	}
	fault := g.popFault()
	switch fault {
	case FaultUnreachable:
		return nil, fmt.Errorf("submit: %w", types.ErrUnreachable)
	case FaultMalformed:
		return nil, fmt.Errorf("submit: %w", types.ErrMalformed)
	case FaultTimeoutLost:
		return nil, fmt.Errorf("submit: %w", types.ErrTimeout)
	}
	g.submits++

	if err := commit.Verify(tx); err != nil {
		return g.record(tx, types.VMStatus{Type: types.VMStatusMiscError, Detail: string(types.StatusInvalidProof) + ": " + err.Error()}), nil
	}
	switch fault {
	case FaultPending:
		return &types.TxResult{Hash: txHash(tx), VMStatus: types.VMStatus{Type: types.VMStatusPending}}, nil
	case FaultAbort:
		return g.record(tx, types.VMStatus{Type: types.VMStatusMoveAbort, Detail: "injected abort"}), nil
	}

	status := g.check(tx)
	result := g.record(tx, status)
	if fault == FaultTimeoutLanded {
		return nil, fmt.Errorf("submit %s: %w", result.Hash, types.ErrTimeout)
	}
	return result, nil
}

// check validates height ordering and preimage linkage, applying the proof
// when it is acceptable.
func (g *SimulatedGateway) check(tx *types.Transaction) types.VMStatus {
	a := g.acct(tx.Sender)
	want := uint64(0)
	if a.state != nil {
		want = a.state.VerifiedTowerHeight + 1
	}
	if tx.Height != want {
		return types.VMStatus{Type: types.VMStatusMoveAbort,
			Detail: fmt.Sprintf("%s: height %d, expected %d", types.StatusStaleProof, tx.Height, want)}
	}
	if a.state != nil && !bytes.Equal(tx.Args.Preimage, a.state.PreviousProofHash) {
		return types.VMStatus{Type: types.VMStatusMoveAbort,
			Detail: fmt.Sprintf("%s: preimage does not extend tower", types.StatusInvalidProof)}
	}
	if a.state == nil {
		a.state = &types.TowerState{}
	}
	a.state.VerifiedTowerHeight = tx.Height
	a.state.PreviousProofHash = utils.ProofHash(tx.Args.Proof)
	a.state.CountProofsInEpoch++
	return types.VMStatus{Type: types.VMStatusExecuted}
}

// record appends tx to the sender's history with its payload bytes.
func (g *SimulatedGateway) record(tx *types.Transaction, status types.VMStatus) *types.TxResult {
	a := g.acct(tx.Sender)
	g.version++
	raw := &types.RawTransaction{
		Version:        g.version,
		Hash:           txHash(tx),
		SequenceNumber: uint64(len(a.history)),
		VMStatus:       status,
		FunctionName:   tx.Function,
		Bytes:          g.encode(tx),
	}
	a.history = append(a.history, raw)
	return &types.TxResult{Hash: raw.Hash, Version: raw.Version, VMStatus: status}
}

func (g *SimulatedGateway) encode(tx *types.Transaction) string {
	s, err := g.layouts.For(tx.Height).Encode([]byte(tx.Sender), tx.Args.Preimage, tx.Args.Proof)
	if err != nil {
		// wrong-sized args still land in history, just not decodable
		return hex.EncodeToString(tx.SigningBytes())
	}
	return s
}

// AppendForeignTx adds a non-proof transaction to the account history, e.g.
// a transfer that consumes a sequence number.
func (g *SimulatedGateway) AppendForeignTx(name, function string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.acct(name)
	g.version++
	a.history = append(a.history, &types.RawTransaction{
		Version:        g.version,
		Hash:           fmt.Sprintf("%064x", g.version),
		SequenceNumber: uint64(len(a.history)),
		VMStatus:       types.VMStatus{Type: types.VMStatusExecuted},
		FunctionName:   function,
		Bytes:          "00",
	})
}

// TruncatePayload cuts the payload of the history entry at seq to n hex chars.
func (g *SimulatedGateway) TruncatePayload(name string, seq uint64, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.acct(name)
	if seq < uint64(len(a.history)) && n < len(a.history[seq].Bytes) {
		a.history[seq].Bytes = a.history[seq].Bytes[:n]
	}
}

// EvalTxStatus maps the VM status to a StatusError. Move aborts carry their
// kind as a "kind: detail" prefix.
func (g *SimulatedGateway) EvalTxStatus(result *types.TxResult) error {
	if result == nil {
		return &types.StatusError{Kind: types.StatusUnknown, Detail: "no result"}
	}
	switch result.VMStatus.Type {
	case types.VMStatusExecuted:
		return nil
	case types.VMStatusPending:
		return &types.StatusError{Kind: types.StatusPending}
	case types.VMStatusMoveAbort, types.VMStatusMiscError:
		kind, detail := types.StatusVMAbort, result.VMStatus.Detail
		if k, rest, ok := strings.Cut(detail, ": "); ok {
			switch types.StatusKind(k) {
			case types.StatusStaleProof, types.StatusInvalidProof, types.StatusSequenceNumber:
				kind, detail = types.StatusKind(k), rest
			}
		}
		return &types.StatusError{Kind: kind, Detail: detail}
	}
	return &types.StatusError{Kind: types.StatusUnknown, Detail: result.VMStatus.Type}
}

func txHash(tx *types.Transaction) string {
	return hex.EncodeToString(tx.Digest())
}
