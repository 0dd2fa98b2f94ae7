package state

import (
	"errors"
	"math/big"
	"testing"

	"isolend/core/events"
	"isolend/core/types"
	"isolend/storage"
)

func TestKVReadWrite(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	if err := mgr.KVPut([]byte("lending/ledger"), big.NewInt(150)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got := new(big.Int)
	ok, err := mgr.KVGet([]byte("lending/ledger"), got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected value %s", got)
	}
	if db.Len() != 0 {
		t.Fatalf("uncommitted write reached the database")
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reloaded := NewManager(db)
	fresh := new(big.Int)
	if ok, err := reloaded.KVGet([]byte("lending/ledger"), fresh); err != nil || !ok {
		t.Fatalf("reload: ok=%v err=%v", ok, err)
	}
	if fresh.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected reloaded value %s", fresh)
	}
}

func TestKVDeleteAndLists(t *testing.T) {
	mgr := NewManager(nil)
	key := []byte("pool/markets")
	for _, v := range [][]byte{{1}, {2}, {1}} {
		if err := mgr.KVAppend(key, v); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	var list [][]byte
	if err := mgr.KVGetList(key, &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected deduplicated list, got %d entries", len(list))
	}
	if err := mgr.KVRemove(key, []byte{1}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := mgr.KVRemove(key, []byte{2}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := mgr.KVGet(key, nil); ok {
		t.Fatalf("expected emptied list to be deleted")
	}
	var empty [][]byte
	if err := mgr.KVGetList(key, &empty); err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected initialised empty list, got %v %v", empty, err)
	}
}

func TestAtomicRollsBackWritesAndEvents(t *testing.T) {
	recorder := &events.Recorder{}
	mgr := NewManager(nil)
	mgr.SetEmitter(recorder)

	if err := mgr.KVPut([]byte("a"), uint64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	boom := errors.New("boom")
	err := mgr.Atomic(func() error {
		if err := mgr.KVPut([]byte("a"), uint64(2)); err != nil {
			return err
		}
		mgr.Emit(&types.Event{Type: "test.write"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var got uint64
	if _, err := mgr.KVGet([]byte("a"), &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected rollback to restore 1, got %d", got)
	}
	if len(recorder.Events()) != 0 {
		t.Fatalf("rolled back event was published")
	}
}

func TestNestedAtomicCommitsOnce(t *testing.T) {
	recorder := &events.Recorder{}
	db := storage.NewMemDB()
	mgr := NewManager(db)
	mgr.SetEmitter(recorder)

	err := mgr.Atomic(func() error {
		_ = mgr.KVPut([]byte("outer"), uint64(1))
		mgr.Emit(&types.Event{Type: "test.outer"})
		inner := mgr.Atomic(func() error {
			_ = mgr.KVPut([]byte("inner"), uint64(2))
			mgr.Emit(&types.Event{Type: "test.inner"})
			return errors.New("inner failed")
		})
		if inner == nil {
			t.Fatalf("expected inner error")
		}
		if len(recorder.Events()) != 0 {
			t.Fatalf("events published before outer commit")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if ok, _ := mgr.KVGet([]byte("inner"), nil); ok {
		t.Fatalf("inner write survived its own rollback")
	}
	if ok, _ := mgr.KVGet([]byte("outer"), nil); !ok {
		t.Fatalf("outer write missing")
	}
	published := recorder.Events()
	if len(published) != 1 || published[0].EventType() != "test.outer" {
		t.Fatalf("unexpected published events %+v", published)
	}
	if db.Len() != 1 {
		t.Fatalf("expected one flushed key, got %d", db.Len())
	}
}

func TestAtomicRevertsOnPanic(t *testing.T) {
	mgr := NewManager(nil)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = mgr.Atomic(func() error {
			_ = mgr.KVPut([]byte("k"), uint64(9))
			panic("callback exploded")
		})
	}()
	if ok, _ := mgr.KVGet([]byte("k"), nil); ok {
		t.Fatalf("write survived panic")
	}
	if mgr.InTransaction() {
		t.Fatalf("depth leaked after panic")
	}
}
