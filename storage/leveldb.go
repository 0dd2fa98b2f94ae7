package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDB persists the ledger in a goleveldb directory.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens the directory at path, creating it when missing. Writes
// are synced so a committed transaction survives a crash.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

var syncWrites = &opt.WriteOptions{Sync: true}

func (l *LevelDB) Put(key []byte, value []byte) error {
	return l.db.Put(key, value, syncWrites)
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Delete ignores missing keys.
func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, syncWrites)
}

func (l *LevelDB) Close() {
	_ = l.db.Close()
}
