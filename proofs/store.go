// Package proofs keeps the local tower: one proof_<height>.json per height.
package proofs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"tower/logs"
	"tower/types"
	"tower/utils"

	"github.com/RoaringBitmap/roaring/roaring64"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrNotFound = errors.New("proof not found")
	ErrCorrupt  = errors.New("proof file corrupt")
)

var fileRe = regexp.MustCompile(`^proof_(\d+)\.json$`)

// FileName 例：proof_212.json
func FileName(height uint64) string {
	return fmt.Sprintf("proof_%d.json", height)
}

// Store is single-writer per account; the mutex only guards the in-memory
// index and cache against concurrent readers.
type Store struct {
	dir    string
	mu     sync.RWMutex
	index  *roaring64.Bitmap
	cache  *lru.Cache[uint64, *types.ProofRecord]
	logger logs.Logger
}

// NewStore opens (and creates) dir and indexes the proof files in it.
func NewStore(dir string, cacheSize int, logger logs.Logger) (*Store, error) {
	if logger == nil {
		logger = logs.Default()
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create block dir: %w", err)
	}
	cache, err := lru.New[uint64, *types.ProofRecord](cacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir, cache: cache, logger: logger, index: roaring64.New()}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

// Path 某个高度的证明文件路径
func (s *Store) Path(height uint64) string {
	return filepath.Join(s.dir, FileName(height))
}

// Refresh rescans the directory so files written by other tools are seen.
func (s *Store) Refresh() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read block dir: %w", err)
	}
	index := roaring64.New()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		h, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			s.logger.Warn("[ProofStore] skipping %s: %v", e.Name(), err)
			continue
		}
		index.Add(h)
	}
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// List returns the heights present, ascending.
func (s *Store) List() ([]uint64, error) {
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.ToArray(), nil
}

// Paths lists the proof files, ascending by height.
func (s *Store) Paths() ([]string, error) {
	heights, err := s.List()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(heights))
	for _, h := range heights {
		paths = append(paths, s.Path(h))
	}
	return paths, nil
}

// LatestHeight 本地最高高度；没有任何证明时返回 false
func (s *Store) LatestHeight() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index.IsEmpty() {
		return 0, false
	}
	return s.index.Maximum(), true
}

// Latest returns the record at LatestHeight, or ErrNotFound.
func (s *Store) Latest() (*types.ProofRecord, error) {
	h, ok := s.LatestHeight()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(h)
}

// Get reads one record. A corrupt file yields ErrCorrupt for that height only.
func (s *Store) Get(height uint64) (*types.ProofRecord, error) {
	if rec, ok := s.cache.Get(height); ok {
		return rec.Clone(), nil
	}
	data, err := os.ReadFile(s.Path(height))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("height %d: %w", height, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec types.ProofRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("height %d: %w: %v", height, ErrCorrupt, err)
	}
	if rec.Height != height {
		return nil, fmt.Errorf("height %d: %w: file says height %d", height, ErrCorrupt, rec.Height)
	}
	s.cache.Add(height, rec.Clone())
	return &rec, nil
}

// PutIfAbsent writes record unless its height already exists. The file is
// written to a temp name and hard-linked into place, so a height is either
// absent or complete, and an existing file is never replaced.
func (s *Store) PutIfAbsent(record *types.ProofRecord) (bool, error) {
	if record == nil {
		return false, errors.New("nil proof record")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index.Contains(record.Height) {
		return false, nil
	}
	tmp, err := os.CreateTemp(s.dir, ".proof_*.tmp")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Link(tmpName, s.Path(record.Height)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.index.Add(record.Height)
			return false, nil
		}
		return false, fmt.Errorf("link proof %d: %w", record.Height, err)
	}
	s.index.Add(record.Height)
	s.cache.Add(record.Height, record.Clone())
	s.logger.Verbose("[ProofStore] wrote %s", FileName(record.Height))
	return true, nil
}

// MissingHeights lists heights in [0, upTo] with no file.
func (s *Store) MissingHeights(upTo uint64) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := roaring64.New()
	want.AddRange(0, upTo+1)
	want.AndNot(s.index)
	return want.ToArray()
}

// Records loads every readable record; unreadable heights are returned
// separately instead of failing the whole read.
func (s *Store) Records() ([]*types.ProofRecord, []uint64, error) {
	heights, err := s.List()
	if err != nil {
		return nil, nil, err
	}
	var (
		records []*types.ProofRecord
		bad     []uint64
	)
	for _, h := range heights {
		rec, err := s.Get(h)
		if err != nil {
			s.logger.Warn("[ProofStore] %v", err)
			bad = append(bad, h)
			continue
		}
		records = append(records, rec)
	}
	return records, bad, nil
}

// ChainBreak is a pair of consecutive heights whose hashes do not link.
type ChainBreak struct {
	Height uint64 `json:"height"`
	Reason string `json:"reason"`
}

// VerifyChain checks record[h].PreviousProofHash against record[h-1].Proof
// for every consecutive pair present locally. Records without a stored
// previous hash are skipped.
func (s *Store) VerifyChain() ([]ChainBreak, error) {
	records, bad, err := s.Records()
	if err != nil {
		return nil, err
	}
	var breaks []ChainBreak
	for _, h := range bad {
		breaks = append(breaks, ChainBreak{Height: h, Reason: "unreadable"})
	}
	for i, rec := range records {
		if len(rec.PreviousProofHash) == 0 {
			continue
		}
		if rec.Height == 0 {
			if !bytes.Equal(rec.PreviousProofHash, utils.GenesisHash) {
				breaks = append(breaks, ChainBreak{Height: 0, Reason: "genesis previous hash is not the genesis value"})
			}
			continue
		}
		if i == 0 || records[i-1].Height != rec.Height-1 {
			continue
		}
		if !utils.LinksTo(rec.PreviousProofHash, records[i-1].Proof) {
			breaks = append(breaks, ChainBreak{Height: rec.Height, Reason: "previous_proof_hash does not match proof at height-1"})
		}
	}
	return breaks, nil
}

// Reset removes every proof file. Only used by an explicit user reset.
func (s *Store) Reset() error {
	heights, err := s.List()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range heights {
		if err := os.Remove(s.Path(h)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	s.index.Clear()
	s.cache.Purge()
	s.logger.Warn("[ProofStore] reset: removed %d proofs from %s", len(heights), s.dir)
	return nil
}
