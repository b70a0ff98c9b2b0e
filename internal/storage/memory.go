package storage

import (
	"errors"
	"strings"
	"sync"
)

// MemoryDB implements DB using an in-memory map. Used by tests and by
// components that don't need persistence across restarts.
type MemoryDB struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, errors.New("key not found")
	}
	return v, nil
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach iterates over all keys with the given prefix.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := string(prefix)
	for k, v := range m.data {
		if strings.HasPrefix(k, p) {
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
	}
	return nil
}

// memoryBatch buffers writes under the DB's lock and applies them only
// once the caller's function returns successfully, so a failed batch
// never partially mutates the map.
type memoryBatch struct {
	db      *MemoryDB
	sets    map[string][]byte
	deletes map[string]bool
}

func newMemoryBatch(db *MemoryDB) *memoryBatch {
	return &memoryBatch{
		db:      db,
		sets:    make(map[string][]byte),
		deletes: make(map[string]bool),
	}
}

func (b *memoryBatch) Set(key, value []byte) error {
	k := string(key)
	delete(b.deletes, k)
	b.sets[k] = append([]byte(nil), value...)
	return nil
}

func (b *memoryBatch) Delete(key []byte) error {
	k := string(key)
	delete(b.sets, k)
	b.deletes[k] = true
	return nil
}

// Get reads through the staged batch first, then the underlying map
// directly — the caller is assumed to hold the DB's lock already (true
// for any Batch reached via Atomically).
func (b *memoryBatch) Get(key []byte) ([]byte, error) {
	k := string(key)
	if b.deletes[k] {
		return nil, errors.New("key not found")
	}
	if v, ok := b.sets[k]; ok {
		return v, nil
	}
	if v, ok := b.db.data[k]; ok {
		return v, nil
	}
	return nil, errors.New("key not found")
}

// Atomically runs fn against a staged batch and applies it to the map
// only if fn succeeds.
func (m *MemoryDB) Atomically(fn func(Batch) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := newMemoryBatch(m)
	if err := fn(b); err != nil {
		return err
	}
	for k := range b.deletes {
		delete(m.data, k)
	}
	for k, v := range b.sets {
		m.data[k] = v
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}
