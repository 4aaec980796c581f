package interfaces

import (
	"context"
	"tower/types"
)

// ProofStore 本地证明记录存储
type ProofStore interface {
	LatestHeight() (uint64, bool)
	Latest() (*types.ProofRecord, error)
	Get(height uint64) (*types.ProofRecord, error)
	// PutIfAbsent never overwrites; it reports false if the height exists.
	PutIfAbsent(record *types.ProofRecord) (bool, error)
	List() ([]uint64, error)
}

// CommitFunc submits one proof and reports the chain's verdict.
type CommitFunc func(ctx context.Context, record *types.ProofRecord) (types.CommitOutcome, error)

// Committer is the CommitEngine contract.
type Committer interface {
	Commit(ctx context.Context, record *types.ProofRecord) (types.CommitOutcome, error)
}
