package types

import (
	"fmt"
	"time"
)

// BacklogState 积压条目的状态
type BacklogState uint8

const (
	// BacklogPending: the submission never reached the chain (commit error).
	BacklogPending BacklogState = iota
	// BacklogAmbiguous: the chain may or may not have executed it.
	BacklogAmbiguous
	// BacklogRejected: the chain refused it; the record must not be resubmitted.
	BacklogRejected
)

func (s BacklogState) String() string {
	switch s {
	case BacklogPending:
		return "pending"
	case BacklogAmbiguous:
		return "ambiguous"
	case BacklogRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s BacklogState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BacklogEntry is a mined proof whose confirmation is still outstanding.
type BacklogEntry struct {
	Record      *ProofRecord `json:"record"`
	Attempts    uint32       `json:"attempts"`
	LastFailure string       `json:"last_failure,omitempty"`
	State       BacklogState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (e *BacklogEntry) Height() uint64 {
	if e == nil || e.Record == nil {
		return 0
	}
	return e.Record.Height
}
