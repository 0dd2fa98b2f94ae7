package indexer

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"isolend/core/state"
	"isolend/core/types"
	"isolend/native/bank"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordsEventsInOrder(t *testing.T) {
	store := openTestStore(t)
	store.Emit(&types.Event{Type: "lending.mint", Attributes: map[string]string{"pool": "main", "amount": "10"}})
	store.Emit(&types.Event{Type: "auction.bid", Attributes: map[string]string{"pool": "main", "amount": "950"}})
	store.Emit(&types.Event{Type: "lending.borrow", Attributes: map[string]string{"pool": "other"}})
	require.NoError(t, store.Err())

	rows, err := store.List(Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		require.Equal(t, uint64(i+1), row.Sequence)
	}

	lending, err := store.List(Filter{Module: "lending", Pool: "main"})
	require.NoError(t, err)
	require.Len(t, lending, 1)
	attrs, err := lending[0].Decode()
	require.NoError(t, err)
	require.Equal(t, "10", attrs["amount"])

	counts, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, int64(1), counts["auction.bid"])
}

func TestStoreFollowsStateCommits(t *testing.T) {
	store := openTestStore(t)
	st := state.NewManager(nil)
	st.SetEmitter(store)
	ledger := bank.NewLedger(st)
	token := common.HexToAddress("0x0000000000000000000000000000000000001dc0")

	err := st.Atomic(func() error {
		st.Emit(&types.Event{Type: "lending.mint", Attributes: map[string]string{"pool": "main"}})
		return errors.New("boom")
	})
	require.Error(t, err)
	require.NoError(t, st.Atomic(func() error {
		st.Emit(&types.Event{Type: "lending.redeem", Attributes: map[string]string{"pool": "main"}})
		return ledger.Mint(token, token, big.NewInt(1))
	}))

	rows, err := store.List(Filter{Type: "lending.mint"})
	require.NoError(t, err)
	require.Empty(t, rows, "rolled back events must not be indexed")
	rows, err = store.List(Filter{Type: "lending.redeem"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "")
	require.ErrorIs(t, err, ErrUnsupportedDriver)
}
