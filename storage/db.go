package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for keys that were never written or were
// deleted.
var ErrNotFound = errors.New("storage: key not found")

// Database is the flat key-value store the state manager commits into.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Close()
}

// Backend kinds accepted by Open.
const (
	KindMemory  = "mem"
	KindLevelDB = "leveldb"
	KindBolt    = "bolt"
)

// Open returns the backend named by kind. Persistent backends live under
// dir, each in its own file or subdirectory so both can share a data dir.
func Open(kind, dir string) (Database, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || kind == KindMemory {
		return NewMemDB(), nil
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage: %s requires a data directory", kind)
	}
	switch kind {
	case KindLevelDB:
		return NewLevelDB(filepath.Join(dir, "leveldb"))
	case KindBolt:
		return NewBoltDB(filepath.Join(dir, "isolend.db"))
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", kind)
	}
}

// MemDB keeps everything in a map. Values are copied on the way in and out.
type MemDB struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{entries: make(map[string][]byte)}
}

func (m *MemDB) Put(key []byte, value []byte) error {
	m.mu.Lock()
	m.entries[string(key)] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if value, ok := m.entries[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	return nil, ErrNotFound
}

func (m *MemDB) Delete(key []byte) error {
	m.mu.Lock()
	delete(m.entries, string(key))
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored keys.
func (m *MemDB) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemDB) Close() {}
