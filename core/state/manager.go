package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"isolend/core/events"
	"isolend/core/types"
	"isolend/storage"
)

// Manager is the protocol's single source of persistent state. Writes land in
// a journaled overlay on top of the backing database; Atomic scopes commit the
// overlay (and publish the events buffered alongside it) only when the
// outermost scope succeeds, so a failed operation leaves no trace.
//
// A Manager serialises nothing on its own. Callers drive it from a single
// goroutine per transaction.
type Manager struct {
	db      storage.Database
	emitter events.Emitter

	dirty   map[string]overlayEntry
	journal []journalEntry
	pending []*types.Event
	depth   int
}

type overlayEntry struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    overlayEntry
	touched bool
}

// Snapshot identifies a point in the journal that can be restored.
type Snapshot struct {
	journal int
	events  int
}

var errEmptyKey = errors.New("kv: key must not be empty")

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Manager{db: db, emitter: events.NoopEmitter{}, dirty: make(map[string]overlayEntry)}
}

// SetEmitter configures where committed events are published.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if m == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) read(hashed []byte) ([]byte, error) {
	if entry, ok := m.dirty[string(hashed)]; ok {
		if entry.deleted {
			return nil, nil
		}
		return entry.value, nil
	}
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) write(hashed []byte, entry overlayEntry) {
	key := string(hashed)
	prev, touched := m.dirty[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, touched: touched})
	m.dirty[key] = entry
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.write(kvKey(key), overlayEntry{value: encoded})
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, errEmptyKey
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key from state.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	m.write(kvKey(key), overlayEntry{deleted: true})
	return nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	var list [][]byte
	if _, err := m.KVGet(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.KVPut(key, list)
}

// KVRemove drops value from the list stored under key.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	var list [][]byte
	ok, err := m.KVGet(key, &list)
	if err != nil || !ok {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == 0 {
		return m.KVDelete(key)
	}
	return m.KVPut(key, filtered)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	ok, err := m.KVGet(key, out)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	return nil
}

// Emit buffers an event until the enclosing transaction commits.
func (m *Manager) Emit(evt *types.Event) {
	if m == nil || evt == nil {
		return
	}
	m.pending = append(m.pending, evt)
}

// Snapshot captures the current journal position.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{journal: len(m.journal), events: len(m.pending)}
}

// RevertToSnapshot undoes every write and drops every event recorded after
// the snapshot was taken.
func (m *Manager) RevertToSnapshot(snap Snapshot) {
	for i := len(m.journal) - 1; i >= snap.journal; i-- {
		entry := m.journal[i]
		if entry.touched {
			m.dirty[entry.key] = entry.prev
		} else {
			delete(m.dirty, entry.key)
		}
	}
	m.journal = m.journal[:snap.journal]
	if snap.events < len(m.pending) {
		m.pending = m.pending[:snap.events]
	}
}

// Atomic runs fn as a transaction. A returned error (or panic) rolls back
// everything fn wrote. Nested scopes join the outer transaction; the outermost
// successful scope flushes to the database and publishes buffered events.
func (m *Manager) Atomic(fn func() error) (err error) {
	snap := m.Snapshot()
	m.depth++
	defer func() {
		m.depth--
		if r := recover(); r != nil {
			m.RevertToSnapshot(snap)
			panic(r)
		}
		if err != nil {
			m.RevertToSnapshot(snap)
			return
		}
		if m.depth == 0 {
			err = m.Commit()
		}
	}()
	return fn()
}

// InTransaction reports whether an Atomic scope is active.
func (m *Manager) InTransaction() bool { return m.depth > 0 }

// Commit flushes the overlay to the database and publishes pending events.
func (m *Manager) Commit() error {
	for key, entry := range m.dirty {
		var err error
		if entry.deleted {
			err = m.db.Delete([]byte(key))
		} else {
			err = m.db.Put([]byte(key), entry.value)
		}
		if err != nil {
			return fmt.Errorf("state: commit: %w", err)
		}
	}
	m.dirty = make(map[string]overlayEntry)
	m.journal = m.journal[:0]
	published := m.pending
	m.pending = nil
	for _, evt := range published {
		m.emitter.Emit(evt)
	}
	return nil
}
