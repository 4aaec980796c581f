// Package backlog holds mined proofs whose confirmation is outstanding and
// replays them strictly in height order.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tower/db"
	"tower/interfaces"
	"tower/logs"
	"tower/types"
)

var (
	// ErrBlocked: the lowest entry was definitively rejected by the chain and
	// must be discarded before anything above it can be submitted.
	ErrBlocked = errors.New("backlog blocked by a rejected proof")
	ErrFull    = errors.New("backlog is full")
)

// Error wraps backlog failures for the host application.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string                 { return fmt.Sprintf("backlog %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error                 { return e.Err }
func (e *Error) Category() types.ErrorCategory { return types.CategoryBacklog }

// FlushReport describes one Flush call.
type FlushReport struct {
	Committed  []uint64             `json:"committed"`
	HaltedAt   *uint64              `json:"halted_at,omitempty"`
	HaltReason string               `json:"halt_reason,omitempty"`
	Outcome    *types.CommitOutcome `json:"outcome,omitempty"`
	Remaining  int                  `json:"remaining"`
}

func (r *FlushReport) Halted() bool { return r.HaltedAt != nil }

func (r *FlushReport) halt(height uint64, reason string) {
	r.HaltedAt = &height
	r.HaltReason = reason
}

// Manager 积压队列，按高度升序
type Manager struct {
	mu      sync.Mutex
	flushMu sync.Mutex

	account    string
	store      *db.Manager // nil keeps the backlog in memory only
	entries    []*types.BacklogEntry
	maxEntries int
	logger     logs.Logger
	now        func() time.Time
}

// New loads any persisted entries for account.
func New(account string, store *db.Manager, maxEntries int, logger logs.Logger) (*Manager, error) {
	if logger == nil {
		logger = logs.Default()
	}
	m := &Manager{
		account:    account,
		store:      store,
		maxEntries: maxEntries,
		logger:     logger,
		now:        time.Now,
	}
	if store == nil {
		return m, nil
	}
	err := store.ScanPrefix(db.KeyBacklogPrefix(account), func(key string, value []byte) error {
		entry, err := unmarshalEntry(value)
		if err != nil {
			// a damaged entry should not hide the rest of the backlog
			logger.Error("[Backlog] skipping %s: %v", key, err)
			return nil
		}
		m.entries = append(m.entries, entry)
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "load", Err: err}
	}
	m.sortLocked()
	if len(m.entries) > 0 {
		logger.Info("[Backlog] loaded %d pending proofs for %s (heights %d..%d)",
			len(m.entries), account, m.entries[0].Height(), m.entries[len(m.entries)-1].Height())
	}
	return m, nil
}

func (m *Manager) sortLocked() {
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].Height() < m.entries[j].Height() })
}

func (m *Manager) indexLocked(height uint64) int {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Height() >= height })
	if i < len(m.entries) && m.entries[i].Height() == height {
		return i
	}
	return -1
}

func (m *Manager) persistLocked(entry *types.BacklogEntry) error {
	if m.store == nil {
		return nil
	}
	return m.store.Set(db.KeyBacklog(m.account, entry.Height()), marshalEntry(entry))
}

func (m *Manager) deleteLocked(heights ...uint64) error {
	if m.store == nil || len(heights) == 0 {
		return nil
	}
	batch := make([]db.WriteTask, 0, len(heights))
	for _, h := range heights {
		batch = append(batch, db.WriteTask{Key: []byte(db.KeyBacklog(m.account, h)), Op: db.OpDelete})
	}
	return m.store.ApplyBatch(batch)
}

// Add appends an entry. A height already present is a no-op (false, nil).
func (m *Manager) Add(entry *types.BacklogEntry) (bool, error) {
	if entry == nil || entry.Record == nil {
		return false, &Error{Op: "add", Err: errors.New("nil entry")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.indexLocked(entry.Height()) >= 0 {
		m.logger.Debug("[Backlog] height %d already queued", entry.Height())
		return false, nil
	}
	if m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		return false, &Error{Op: "add", Err: ErrFull}
	}
	cp := *entry
	cp.Record = entry.Record.Clone()
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if err := m.persistLocked(&cp); err != nil {
		return false, &Error{Op: "add", Err: err}
	}
	m.entries = append(m.entries, &cp)
	m.sortLocked()
	m.logger.Info("[Backlog] queued height %d (%s): %s", cp.Height(), cp.State, cp.LastFailure)
	return true, nil
}

func cloneEntry(e *types.BacklogEntry) *types.BacklogEntry {
	cp := *e
	cp.Record = e.Record.Clone()
	return &cp
}

// Entries returns copies, oldest first.
func (m *Manager) Entries() []*types.BacklogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.BacklogEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, cloneEntry(e))
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Head is the lowest queued entry, or nil.
func (m *Manager) Head() *types.BacklogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return cloneEntry(m.entries[0])
}

// Latest is the highest queued entry, or nil.
func (m *Manager) Latest() *types.BacklogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return cloneEntry(m.entries[len(m.entries)-1])
}

// Blocked reports whether the head was rejected on chain.
func (m *Manager) Blocked() bool {
	head := m.Head()
	return head != nil && head.State == types.BacklogRejected
}

// Remove drops one height; used when a queued proof turns out to be on chain.
func (m *Manager) Remove(height uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(height)
	if i < 0 {
		return false, nil
	}
	if err := m.deleteLocked(height); err != nil {
		return false, &Error{Op: "remove", Err: err}
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return true, nil
}

// DiscardFrom drops height and every entry above it; those proofs chain on
// the discarded one and can never be accepted.
func (m *Manager) DiscardFrom(height uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Height() >= height })
	if i == len(m.entries) {
		return 0, nil
	}
	dropped := make([]uint64, 0, len(m.entries)-i)
	for _, e := range m.entries[i:] {
		dropped = append(dropped, e.Height())
	}
	if err := m.deleteLocked(dropped...); err != nil {
		return 0, &Error{Op: "discard", Err: err}
	}
	m.entries = m.entries[:i]
	m.logger.Warn("[Backlog] discarded %d proofs from height %d", len(dropped), height)
	return len(dropped), nil
}

// MarkRejected records that the chain holds a different proof at height.
// The entry then blocks Flush until DiscardFrom drops it.
func (m *Manager) MarkRejected(height uint64, reason string) error {
	if err := m.recordFailure(height, types.BacklogRejected, reason); err != nil {
		return &Error{Op: "mark_rejected", Err: err}
	}
	m.logger.Warn("[Backlog] height %d rejected: %s", height, reason)
	return nil
}

func (m *Manager) recordFailure(height uint64, state types.BacklogState, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(height)
	if i < 0 {
		return nil
	}
	e := m.entries[i]
	e.Attempts++
	e.State = state
	e.LastFailure = reason
	e.UpdatedAt = m.now()
	return m.persistLocked(e)
}

// Flush replays entries in ascending height order and halts at the first
// failure: that entry and everything after it stay queued. A halt is
// reported in the FlushReport; the returned error is reserved for storage
// failures, cancellation and ErrBlocked.
func (m *Manager) Flush(ctx context.Context, commit interfaces.CommitFunc) (*FlushReport, error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	report := &FlushReport{}
	defer func() { report.Remaining = m.Len() }()

	for {
		head := m.Head()
		if head == nil {
			return report, nil
		}
		h := head.Height()
		if head.State == types.BacklogRejected {
			report.halt(h, "rejected on chain: "+head.LastFailure)
			return report, &Error{Op: "flush", Err: fmt.Errorf("height %d: %w", h, ErrBlocked)}
		}
		if err := ctx.Err(); err != nil {
			report.halt(h, err.Error())
			return report, &Error{Op: "flush", Err: err}
		}

		m.logger.Verbose("[Backlog] replaying height %d (attempt %d)", h, head.Attempts+1)
		outcome, err := commit(ctx, head.Record)
		if err != nil {
			report.halt(h, err.Error())
			if perr := m.recordFailure(h, types.BacklogPending, err.Error()); perr != nil {
				return report, &Error{Op: "flush", Err: perr}
			}
			m.logger.Warn("[Backlog] halted at height %d: %v", h, err)
			return report, nil
		}
		switch outcome.Kind {
		case types.OutcomeConfirmed:
			if _, err := m.Remove(h); err != nil {
				return report, err
			}
			report.Committed = append(report.Committed, h)
			m.logger.Info("[Backlog] height %d confirmed", h)
		case types.OutcomeRejected, types.OutcomeAmbiguous:
			state := types.BacklogAmbiguous
			if outcome.Kind == types.OutcomeRejected {
				state = types.BacklogRejected
			}
			o := outcome
			report.Outcome = &o
			report.halt(h, outcome.String())
			if perr := m.recordFailure(h, state, outcome.Reason); perr != nil {
				return report, &Error{Op: "flush", Err: perr}
			}
			m.logger.Warn("[Backlog] halted at height %d: %s", h, outcome)
			return report, nil
		default:
			return report, &Error{Op: "flush", Err: fmt.Errorf("unknown outcome %v", outcome.Kind)}
		}
	}
}
