package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"
)

// FunctionMinerstateCommit is the script function that commits one tower proof.
const FunctionMinerstateCommit = "minerstate_commit"

// VM status types as reported by the transaction history endpoint.
const (
	VMStatusExecuted     = "executed"
	VMStatusOutOfGas     = "out_of_gas"
	VMStatusMoveAbort    = "move_abort"
	VMStatusExecFailure  = "execution_failure"
	VMStatusMiscError    = "miscellaneous_error"
	VMStatusPending      = "pending"
	VMStatusUnrecognized = "unknown"
)

// Transport errors a ChainGateway wraps so callers can tell "could not ask the
// chain" apart from "the chain said no".
var (
	ErrUnreachable = errors.New("upstream unreachable")
	ErrMalformed   = errors.New("malformed rpc exchange")
	ErrTimeout     = errors.New("timed out waiting for transaction")
)

type VMStatus struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

func (s VMStatus) IsExecuted() bool { return s.Type == VMStatusExecuted }

// RawTransaction 账户历史中的一笔交易
type RawTransaction struct {
	Version        uint64   `json:"version"`
	Hash           string   `json:"hash"`
	SequenceNumber uint64   `json:"sequence_number"`
	VMStatus       VMStatus `json:"vm_status"`
	FunctionName   string   `json:"function_name"`
	// Bytes is the hex encoded raw transaction payload.
	Bytes string `json:"bytes"`
}

// CommitArgs are the script arguments of minerstate_commit.
type CommitArgs struct {
	Preimage   []byte
	Proof      []byte
	Difficulty uint64
	Security   uint64
}

// Transaction is a signed proof submission.
type Transaction struct {
	Sender         string
	Function       string
	Height         uint64
	Args           CommitArgs
	MaxGasUnits    uint64
	GasUnitPrice   uint64
	ExpirationUnix int64
	PublicKey      []byte
	Signature      []byte
}

// SigningBytes is the canonical encoding the signature covers.
func (tx *Transaction) SigningBytes() []byte {
	buf := make([]byte, 0, 64+len(tx.Args.Preimage)+len(tx.Args.Proof))
	buf = appendField(buf, []byte(tx.Sender))
	buf = appendField(buf, []byte(tx.Function))
	buf = binary.BigEndian.AppendUint64(buf, tx.Height)
	buf = appendField(buf, tx.Args.Preimage)
	buf = appendField(buf, tx.Args.Proof)
	buf = binary.BigEndian.AppendUint64(buf, tx.Args.Difficulty)
	buf = binary.BigEndian.AppendUint64(buf, tx.Args.Security)
	buf = binary.BigEndian.AppendUint64(buf, tx.MaxGasUnits)
	buf = binary.BigEndian.AppendUint64(buf, tx.GasUnitPrice)
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.ExpirationUnix))
	return buf
}

// Digest 交易签名摘要
func (tx *Transaction) Digest() []byte {
	return chainhash.HashB(tx.SigningBytes())
}

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

// TxResult is what the gateway returns after submitting.
type TxResult struct {
	Hash     string   `json:"hash"`
	Version  uint64   `json:"version"`
	VMStatus VMStatus `json:"vm_status"`
}

// StatusKind classifies why a submitted transaction did not execute.
type StatusKind string

const (
	StatusSequenceNumber StatusKind = "sequence_number"
	StatusStaleProof     StatusKind = "stale_proof"
	StatusVMAbort        StatusKind = "vm_abort"
	StatusInvalidProof   StatusKind = "invalid_proof"
	StatusPending        StatusKind = "pending"
	StatusUnknown        StatusKind = "unknown"
)

// Definitive reports whether the chain explicitly refused the transaction.
func (k StatusKind) Definitive() bool {
	switch k {
	case StatusSequenceNumber, StatusStaleProof, StatusVMAbort, StatusInvalidProof:
		return true
	}
	return false
}

// StatusError is returned by ChainGateway.EvalTxStatus.
type StatusError struct {
	Kind   StatusKind
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// TxParams 提交交易所需的账户与 gas 参数
type TxParams struct {
	Account          string
	SigningKey       *btcec.PrivateKey
	MaxGasUnitForTx  uint64
	CoinPricePerUnit uint64
	UserTxTimeout    time.Duration
}

// coinScale is the number of micro units per whole coin.
var coinScale = decimal.New(1, 6)

// MaxFee is the worst-case fee of one transaction in whole coins.
func (p *TxParams) MaxFee() decimal.Decimal {
	units := decimal.RequireFromString(strconv.FormatUint(p.MaxGasUnitForTx, 10))
	price := decimal.RequireFromString(strconv.FormatUint(p.CoinPricePerUnit, 10))
	return units.Mul(price).Div(coinScale)
}
