package swap

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func getTestBboltStore(t *testing.T) *bboltStore {
	t.Helper()
	swapDb, err := bbolt.Open(filepath.Join(t.TempDir(), "swaps"), 0700, nil)
	require.NoError(t, err)
	t.Cleanup(func() { swapDb.Close() })

	store, err := NewBboltStore(swapDb)
	require.NoError(t, err)
	return store
}

func Test_BboltStore(t *testing.T) {
	storeTest(t, getTestBboltStore(t))
}

func Test_InMemStore(t *testing.T) {
	storeTest(t, newInMemStore())
}

func storeTest(t *testing.T, store Store) {
	_, hash := getTestPreimage()

	swap := newIncomingSwapFSM(nil)
	swap.Data.PaymentHash = hash
	swap.Current = State_Incoming_Validate
	swap.Data.SetState(swap.Current)

	require.NoError(t, store.Create(swap))
	assert.Equal(t, ErrAlreadyExists, store.Create(swap))

	// A second swap for the same payment hash and direction must be
	// rejected while the first one is active.
	dup := newIncomingSwapFSM(nil)
	dup.Data.PaymentHash = hash
	dup.Current = State_Incoming_Validate
	assert.Equal(t, ErrAlreadyExists, store.Create(dup))

	got, err := store.GetById(swap.Id)
	require.NoError(t, err)
	assert.Equal(t, swap.Id, got.Id)
	assert.Equal(t, hash, got.Data.PaymentHash)

	got, err = store.GetByKey(SWAPDIR_IN, hash)
	require.NoError(t, err)
	assert.Equal(t, swap.Id, got.Id)

	_, err = store.GetById("deadbeef")
	assert.Equal(t, ErrDoesNotExist, err)

	// An update against a state that is no longer the stored one loses.
	swap.Previous = swap.Current
	swap.Current = State_Incoming_FundFederation
	swap.Data.SetState(swap.Current)
	assert.Equal(t, ErrStaleState, store.UpdatePrev(swap, State_Incoming_SettleHtlc))
	require.NoError(t, store.UpdatePrev(swap, State_Incoming_Validate))

	active, err := store.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	// A terminal swap keeps its uniqueness slot while the node could still
	// replay an htlc for the hash, so a lookup resolves against the
	// archived record and a second swap is still rejected.
	swap.Previous = swap.Current
	swap.Current = State_Incoming_Canceled
	swap.Data.SetState(swap.Current)
	require.NoError(t, store.UpdatePrev(swap, State_Incoming_FundFederation))

	got, err = store.GetByKey(SWAPDIR_IN, hash)
	require.NoError(t, err)
	assert.Equal(t, swap.Id, got.Id)
	assert.Equal(t, ErrAlreadyExists, store.Create(dup))

	active, err = store.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, 0)

	all, err := store.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Once the deadline window passed the slot is free for a new swap
	// with the same payment hash.
	swap.Data.NextDeadline = time.Now().Unix() - 1
	require.NoError(t, store.UpdatePrev(swap, State_Incoming_Canceled))

	_, err = store.GetByKey(SWAPDIR_IN, hash)
	assert.Equal(t, ErrDoesNotExist, err)
	require.NoError(t, store.Create(dup))
}

func Test_BboltStoreRoundtrip(t *testing.T) {
	store := getTestBboltStore(t)
	_, hash := getTestPreimage()

	swap := newIncomingSwapFSM(nil)
	swap.Data.PaymentHash = hash
	swap.Data.FederationId = "fed1"
	swap.Data.AmountMsat = 100000
	swap.Data.ContractId = "contract1"
	swap.Data.NextDeadline = 1700000000
	swap.Current = State_Incoming_AwaitPreimage
	swap.Data.SetState(swap.Current)

	require.NoError(t, store.Create(swap))

	got, err := store.GetById(swap.Id)
	require.NoError(t, err)
	assert.Equal(t, State_Incoming_AwaitPreimage, got.Current)
	assert.Equal(t, SWAPDIR_IN, got.Direction)
	assert.Equal(t, "fed1", got.Data.FederationId)
	assert.Equal(t, "contract1", got.Data.ContractId)
	assert.Equal(t, int64(1700000000), got.Data.NextDeadline)
	assert.Equal(t, swap.SwapId.String(), got.SwapId.String())
}
