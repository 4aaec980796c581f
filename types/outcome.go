package types

import "fmt"

type OutcomeKind uint8

const (
	OutcomeConfirmed OutcomeKind = iota
	OutcomeRejected
	OutcomeAmbiguous
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAmbiguous:
		return "ambiguous"
	}
	return fmt.Sprintf("outcome(%d)", uint8(k))
}

// CommitOutcome 链对一次提交的裁决
// Ambiguous means the network accepted the transaction but its execution
// status is unknown; it is never treated as confirmed.
type CommitOutcome struct {
	Kind   OutcomeKind `json:"kind"`
	Height uint64      `json:"height"`
	Reason string      `json:"reason,omitempty"`
	TxHash string      `json:"tx_hash,omitempty"`
}

func Confirmed(height uint64, txHash string) CommitOutcome {
	return CommitOutcome{Kind: OutcomeConfirmed, Height: height, TxHash: txHash}
}

func Rejected(height uint64, reason string) CommitOutcome {
	return CommitOutcome{Kind: OutcomeRejected, Height: height, Reason: reason}
}

func Ambiguous(height uint64, reason string) CommitOutcome {
	return CommitOutcome{Kind: OutcomeAmbiguous, Height: height, Reason: reason}
}

func (o CommitOutcome) IsConfirmed() bool { return o.Kind == OutcomeConfirmed }

func (o CommitOutcome) String() string {
	if o.Reason == "" {
		return fmt.Sprintf("%s(%d)", o.Kind, o.Height)
	}
	return fmt.Sprintf("%s(%d): %s", o.Kind, o.Height, o.Reason)
}
