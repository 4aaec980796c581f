package interfaces

import (
	"context"
	"tower/types"
)

// ChainGateway 链上客户端的抽象（外部协作者）
// Implementations must be safe for concurrent read-only calls.
type ChainGateway interface {
	// GetMinerState returns nil, nil when the account has no tower yet.
	GetMinerState(ctx context.Context, account string) (*types.TowerState, error)
	GetTxnByAccountRange(ctx context.Context, account string, start, limit uint64, includeEvents bool) ([]*types.RawTransaction, error)
	// SubmitTx wraps types.ErrUnreachable / types.ErrMalformed when the
	// transaction never reached the network and types.ErrTimeout when it was
	// sent but no execution status came back.
	SubmitTx(ctx context.Context, params *types.TxParams, tx *types.Transaction) (*types.TxResult, error)
	// EvalTxStatus returns nil for an executed transaction, otherwise a
	// *types.StatusError.
	EvalTxStatus(result *types.TxResult) error
}

// ProofMiner computes the next VDF proof. Blocking and CPU-bound.
type ProofMiner interface {
	// MineNext mines on top of prev; prev == nil means the genesis proof.
	MineNext(ctx context.Context, prev *types.ProofRecord) (*types.ProofRecord, error)
}

type Event interface {
	Type() types.EventType
	Data() interface{}
}

type EventHandler func(event Event)

// EventSink receives mining outcome notifications.
type EventSink interface {
	Publish(event Event)
}

type EventBus interface {
	EventSink
	Subscribe(topic types.EventType, handler EventHandler)
	PublishAsync(event Event)
}
