package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ProofRecord 一个塔高度上的 VDF 证明
type ProofRecord struct {
	Height            uint64
	PreviousProofHash []byte
	Preimage          []byte
	Proof             []byte
	ElapsedSecs       uint64
	Difficulty        uint64
	Security          uint64
}

// proofJSON is the on-disk shape of proof_<height>.json.
type proofJSON struct {
	Height            uint64 `json:"height"`
	ElapsedSecs       uint64 `json:"elapsed_secs"`
	Preimage          string `json:"preimage"`
	Proof             string `json:"proof"`
	Difficulty        uint64 `json:"difficulty"`
	Security          uint64 `json:"security"`
	PreviousProofHash string `json:"previous_proof_hash,omitempty"`
}

func (r ProofRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(proofJSON{
		Height:            r.Height,
		ElapsedSecs:       r.ElapsedSecs,
		Preimage:          hex.EncodeToString(r.Preimage),
		Proof:             hex.EncodeToString(r.Proof),
		Difficulty:        r.Difficulty,
		Security:          r.Security,
		PreviousProofHash: hex.EncodeToString(r.PreviousProofHash),
	})
}

func (r *ProofRecord) UnmarshalJSON(data []byte) error {
	var raw proofJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	preimage, err := hex.DecodeString(raw.Preimage)
	if err != nil {
		return fmt.Errorf("preimage: %w", err)
	}
	proof, err := hex.DecodeString(raw.Proof)
	if err != nil {
		return fmt.Errorf("proof: %w", err)
	}
	var prev []byte
	if raw.PreviousProofHash != "" {
		if prev, err = hex.DecodeString(raw.PreviousProofHash); err != nil {
			return fmt.Errorf("previous_proof_hash: %w", err)
		}
	}
	*r = ProofRecord{
		Height:            raw.Height,
		PreviousProofHash: prev,
		Preimage:          preimage,
		Proof:             proof,
		ElapsedSecs:       raw.ElapsedSecs,
		Difficulty:        raw.Difficulty,
		Security:          raw.Security,
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate cached records.
func (r *ProofRecord) Clone() *ProofRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.PreviousProofHash = append([]byte(nil), r.PreviousProofHash...)
	cp.Preimage = append([]byte(nil), r.Preimage...)
	cp.Proof = append([]byte(nil), r.Proof...)
	return &cp
}

func (r *ProofRecord) String() string {
	if r == nil {
		return "<nil proof>"
	}
	return fmt.Sprintf("proof{height=%d difficulty=%d security=%d elapsed=%ds}",
		r.Height, r.Difficulty, r.Security, r.ElapsedSecs)
}

// TowerState 链上矿工状态（只读）
type TowerState struct {
	PreviousProofHash                   []byte `json:"previous_proof_hash"`
	VerifiedTowerHeight                 uint64 `json:"verified_tower_height"`
	LatestEpochMining                   uint64 `json:"latest_epoch_mining"`
	CountProofsInEpoch                  uint64 `json:"count_proofs_in_epoch"`
	EpochsValidatingAndMining           uint64 `json:"epochs_validating_and_mining"`
	ContiguousEpochsValidatingAndMining uint64 `json:"contiguous_epochs_validating_and_mining"`
	EpochsSinceLastAccountCreation      uint64 `json:"epochs_since_last_account_creation"`
}
