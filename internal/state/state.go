// Package state tracks the consensus-facing snapshot of chain progress:
// height, best block, current difficulty bits, and a rolling history used
// for rollback when a commit fails partway through.
package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sedly-project/sedly/pkg/types"
)

// State errors.
var (
	ErrNoHistory    = errors.New("no history available for rollback")
	ErrInvalidState = errors.New("invalid consensus state")
)

// defaultMaxHistory bounds how many past snapshots Manager retains.
const defaultMaxHistory = 100

// Snapshot is an immutable view of consensus state at a point in time.
type Snapshot struct {
	Height            uint64     `json:"height"`
	BestBlockHash     types.Hash `json:"best_block_hash"`
	DifficultyBits    uint32     `json:"difficulty_bits"`
	TotalTransactions uint64     `json:"total_transactions"`
	AppHash           types.Hash `json:"app_hash"`
}

// Manager owns the live consensus state and a bounded history of prior
// snapshots, guarded by a single mutex (state transitions are infrequent
// and always serialized by block processing, so a plain Mutex suffices).
type Manager struct {
	mu         sync.Mutex
	current    Snapshot
	history    []Snapshot
	maxHistory int
}

// NewManager creates a Manager seeded with the given initial snapshot
// (typically the genesis block's height/hash/bits).
func NewManager(initial Snapshot) *Manager {
	return &Manager{
		current:    initial,
		maxHistory: defaultMaxHistory,
	}
}

// Current returns a copy of the current snapshot.
func (m *Manager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update saves the current snapshot to history and applies fn to a working
// copy. If fn returns an error, the snapshot is left unchanged.
func (m *Manager) Update(fn func(*Snapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current
	if err := fn(&next); err != nil {
		return err
	}

	m.history = append(m.history, m.current)
	if len(m.history) > m.maxHistory {
		m.history = m.history[1:]
	}
	m.current = next
	return nil
}

// Rollback restores the most recently saved snapshot from history.
func (m *Manager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return ErrNoHistory
	}
	last := len(m.history) - 1
	m.current = m.history[last]
	m.history = m.history[:last]
	return nil
}

// AtHeight searches history (and the current snapshot) for a snapshot
// matching the given height. Returns false if not retained.
func (m *Manager) AtHeight(height uint64) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Height == height {
		return m.current, true
	}
	for _, s := range m.history {
		if s.Height == height {
			return s, true
		}
	}
	return Snapshot{}, false
}

// AdvanceBlock moves the snapshot forward by one block: bumps height,
// records the new best block hash and transaction count, optionally
// updates the difficulty bits, and recomputes AppHash as
// sha256(blockHash || height) — a simple application-state digest that
// lets a reader verify the state manager's view matches the chain tip
// without re-deriving consensus state from the full UTXO set.
func (m *Manager) AdvanceBlock(blockHash types.Hash, txCount uint64, newBits uint32) error {
	return m.Update(func(s *Snapshot) error {
		s.Height++
		s.BestBlockHash = blockHash
		s.TotalTransactions += txCount
		if newBits != 0 {
			s.DifficultyBits = newBits
		}

		h := sha256.New()
		h.Write(blockHash[:])
		var heightBuf [8]byte
		binary.BigEndian.PutUint64(heightBuf[:], s.Height)
		h.Write(heightBuf[:])
		copy(s.AppHash[:], h.Sum(nil))
		return nil
	})
}

// Validate checks basic snapshot consistency: a non-genesis height must
// carry a non-zero best-block hash, and difficulty bits must be set.
func (m *Manager) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return validateSnapshot(m.current)
}

func validateSnapshot(s Snapshot) error {
	if s.Height > 0 && s.BestBlockHash.IsZero() {
		return fmt.Errorf("%w: non-genesis height %d has zero best block hash", ErrInvalidState, s.Height)
	}
	if s.DifficultyBits == 0 {
		return fmt.Errorf("%w: difficulty bits must be nonzero", ErrInvalidState)
	}
	return nil
}

// Export serializes the current snapshot for backup or migration to another
// node. It carries no history: a restored manager starts with an empty
// rollback window, the same as a freshly booted one.
func (m *Manager) Export() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(m.current)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Import replaces the current snapshot with one previously produced by
// Export, after validating it for internal consistency. History is
// discarded: Import is a restore point, not a merge. Export(Import(data))
// reproduces the same bytes (the inverse also holds: Import(Export()) is a
// no-op on a manager's current snapshot).
func (m *Manager) Import(data []byte) error {
	var next Snapshot
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := validateSnapshot(next); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = next
	m.history = nil
	return nil
}

// Statistics summarizes the manager's state for operator/monitoring use.
type Statistics struct {
	CurrentHeight     uint64
	TotalTransactions uint64
	HistoryDepth      int
	CurrentBits       uint32
}

// Stats returns a snapshot of manager statistics.
func (m *Manager) Stats() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Statistics{
		CurrentHeight:     m.current.Height,
		TotalTransactions: m.current.TotalTransactions,
		HistoryDepth:      len(m.history),
		CurrentBits:       m.current.DifficultyBits,
	}
}
