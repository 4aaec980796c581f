package chain

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"tower/payload"
	"tower/types"
	"tower/utils"

	"golang.org/x/crypto/sha3"
)

// SimulatedMiner 确定性的假 VDF：用 SHAKE256 展开 preimage
// Proof sizes match the payload layouts so the simulated chain can encode
// them and reconciliation can decode them back.
type SimulatedMiner struct {
	Account    string
	Difficulty uint64
	Security   uint64
	// Delay is slept (ctx-aware) before each proof.
	Delay time.Duration

	mu    sync.Mutex
	fail  error
	mined int
}

func NewSimulatedMiner(account string, difficulty, security uint64) *SimulatedMiner {
	return &SimulatedMiner{Account: account, Difficulty: difficulty, Security: security}
}

// FailNext makes the next MineNext call return err.
func (m *SimulatedMiner) FailNext(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *SimulatedMiner) Mined() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mined
}

func (m *SimulatedMiner) MineNext(ctx context.Context, prev *types.ProofRecord) (*types.ProofRecord, error) {
	m.mu.Lock()
	fail := m.fail
	m.fail = nil
	m.mu.Unlock()
	if fail != nil {
		return nil, fail
	}

	start := time.Now()
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := &types.ProofRecord{Difficulty: m.Difficulty, Security: m.Security}
	if prev == nil {
		rec.Height = 0
		rec.PreviousProofHash = append([]byte(nil), utils.GenesisHash...)
		rec.Preimage = expand(payload.GenesisV1.Preimage.ByteLen(), []byte("genesis"), []byte(m.Account))
	} else {
		rec.Height = prev.Height + 1
		rec.PreviousProofHash = utils.ProofHash(prev.Proof)
		rec.Preimage = append([]byte(nil), rec.PreviousProofHash...)
	}
	var param [16]byte
	binary.BigEndian.PutUint64(param[:8], m.Difficulty)
	binary.BigEndian.PutUint64(param[8:], m.Security)
	rec.Proof = expand(payload.CommitV1.Proof.ByteLen(), rec.Preimage, param[:])
	rec.ElapsedSecs = uint64(time.Since(start).Seconds())

	m.mu.Lock()
	m.mined++
	m.mu.Unlock()
	return rec, nil
}

func expand(n int, parts ...[]byte) []byte {
	h := sha3.NewShake256()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	out := make([]byte, n)
	_, _ = h.Read(out)
	return out
}
