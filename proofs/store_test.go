package proofs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"tower/logs"
	"tower/types"
	"tower/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "vdf_proofs"), 4, logs.Default())
	require.NoError(t, err)
	return s
}

func record(height uint64, prev *types.ProofRecord) *types.ProofRecord {
	rec := &types.ProofRecord{
		Height:      height,
		Preimage:    []byte{byte(height), 0xaa},
		Proof:       []byte{byte(height), 0xbb, 0xcc},
		ElapsedSecs: 30,
		Difficulty:  120000000,
		Security:    512,
	}
	if prev == nil {
		rec.PreviousProofHash = utils.GenesisHash
	} else {
		rec.PreviousProofHash = utils.ProofHash(prev.Proof)
	}
	return rec
}

func TestEmptyStore(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.LatestHeight()
	assert.False(t, ok)
	_, err := s.Latest()
	require.ErrorIs(t, err, ErrNotFound)
	heights, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, heights)
}

func TestPutIfAbsentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	first := record(0, nil)

	wrote, err := s.PutIfAbsent(first)
	require.NoError(t, err)
	assert.True(t, wrote)

	other := record(0, nil)
	other.Proof = []byte("different proof")
	wrote, err = s.PutIfAbsent(other)
	require.NoError(t, err)
	assert.False(t, wrote, "existing height must never be overwritten")

	got, err := s.Get(0)
	require.NoError(t, err)
	assert.Equal(t, first.Proof, got.Proof)

	// a fresh store over the same dir still refuses
	reopened, err := NewStore(s.Dir(), 4, nil)
	require.NoError(t, err)
	wrote, err = reopened.PutIfAbsent(other)
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestConcurrentPutSameHeight(t *testing.T) {
	s := newTestStore(t)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wrote int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record(3, nil)
			rec.Proof = []byte{byte(i)}
			ok, err := s.PutIfAbsent(rec)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wrote++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wrote)
}

func TestFileLayout(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutIfAbsent(record(212, nil))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.Dir(), "proof_212.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"height":212`)
	assert.Contains(t, string(data), `"difficulty":120000000`)
	assert.Contains(t, string(data), `"security":512`)
	assert.Contains(t, string(data), `"proof":"d4bbcc"`)
}

func TestListLatestAndMissing(t *testing.T) {
	s := newTestStore(t)
	var prev *types.ProofRecord
	for _, h := range []uint64{0, 1, 2, 5} {
		rec := record(h, prev)
		_, err := s.PutIfAbsent(rec)
		require.NoError(t, err)
		prev = rec
	}
	// a file dropped in by another tool is picked up by List
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "proof_7.json"), []byte(`{"height":7}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0644))

	heights, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2, 5, 7}, heights)

	latest, ok := s.LatestHeight()
	require.True(t, ok)
	assert.Equal(t, uint64(7), latest)
	assert.Equal(t, []uint64{3, 4, 6, 8}, s.MissingHeights(8))

	paths, err := s.Paths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "proof_0.json"), paths[0])
}

func TestCorruptRecordDoesNotHideOthers(t *testing.T) {
	s := newTestStore(t)
	r0 := record(0, nil)
	r1 := record(1, r0)
	_, err := s.PutIfAbsent(r0)
	require.NoError(t, err)
	_, err = s.PutIfAbsent(r1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(2), []byte("{not json"), 0644))
	require.NoError(t, os.WriteFile(s.Path(3), []byte(`{"height":9}`), 0644))

	fresh, err := NewStore(s.Dir(), 4, nil)
	require.NoError(t, err)

	_, err = fresh.Get(2)
	require.ErrorIs(t, err, ErrCorrupt)
	_, err = fresh.Get(3)
	require.ErrorIs(t, err, ErrCorrupt)

	records, bad, err := fresh.Records()
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, []uint64{2, 3}, bad)
}

func TestVerifyChain(t *testing.T) {
	s := newTestStore(t)
	r0 := record(0, nil)
	r1 := record(1, r0)
	r2 := record(2, r1)
	r2.PreviousProofHash = utils.ProofHash([]byte("wrong"))
	for _, r := range []*types.ProofRecord{r0, r1, r2} {
		_, err := s.PutIfAbsent(r)
		require.NoError(t, err)
	}

	breaks, err := s.VerifyChain()
	require.NoError(t, err)
	require.Len(t, breaks, 1)
	assert.Equal(t, uint64(2), breaks[0].Height)
}

func TestGetReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutIfAbsent(record(0, nil))
	require.NoError(t, err)

	got, err := s.Get(0)
	require.NoError(t, err)
	got.Proof[0] = 0xff

	again, err := s.Get(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), again.Proof[0])
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutIfAbsent(record(0, nil))
	require.NoError(t, err)
	require.NoError(t, s.Reset())

	_, ok := s.LatestHeight()
	assert.False(t, ok)
	_, err = s.Get(0)
	require.ErrorIs(t, err, ErrNotFound)
}
