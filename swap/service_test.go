package swap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// barrierStore delays lookups so that two events for the same payment hash
// both see an empty registry before either one creates a swap.
type barrierStore struct {
	Store
	mu      sync.Mutex
	lookups int
	both    chan struct{}
}

func newBarrierStore(inner Store) *barrierStore {
	return &barrierStore{Store: inner, both: make(chan struct{})}
}

func (b *barrierStore) GetByKey(dir SwapDirection, key string) (*SwapStateMachine, error) {
	b.mu.Lock()
	b.lookups++
	if b.lookups == 2 {
		close(b.both)
	}
	b.mu.Unlock()
	<-b.both
	return b.Store.GetByKey(dir, key)
}

func Test_HtlcUnknownChannel(t *testing.T) {
	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	services := getTestServices(lc, fed)

	service := NewSwapService(context.Background(), services, map[string]string{"999x1x1": "fed1"})

	_, hash := getTestPreimage()
	err := service.OnHtlcIntercepted(&InterceptedHtlc{
		PaymentHash:  hash,
		AmountMsat:   100000,
		CltvExpiry:   300,
		OutgoingScid: "111x1x1",
	})
	assert.Error(t, err)
}

func Test_HtlcReplayResolvedFromRegistry(t *testing.T) {
	// The node replays a held htlc after a restart. The payment hash is
	// owned by a stored swap that already knows the preimage, the replay
	// must settle against it instead of starting a second swap.
	preimage, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	services := getTestServices(lc, fed)

	stored := newIncomingSwapFSM(services)
	stored.Data.PaymentHash = hash
	stored.Data.Preimage = preimage
	stored.Current = State_Incoming_SettleHtlc
	stored.Data.SetState(stored.Current)
	require.NoError(t, services.swapStore.Create(stored))

	service := NewSwapService(context.Background(), services, map[string]string{"999x1x1": "fed1"})
	err := service.OnHtlcIntercepted(&InterceptedHtlc{
		PaymentHash:  hash,
		AmountMsat:   100000,
		CltvExpiry:   300,
		OutgoingScid: "999x1x1",
	})
	require.NoError(t, err)

	assert.Equal(t, preimage, lc.settled[hash])
	all, err := services.swapStore.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 0, fed.fundCalls)
}

func Test_ConcurrentHtlcsSingleSwap(t *testing.T) {
	// Two htlcs for the same payment hash arrive at the same time. Only
	// one swap may exist and the federation must be funded exactly once,
	// the loser of the registry race resolves against the winner.
	preimage, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	fed.contractId = "contract1"
	fed.preimage = preimage
	services := getTestServices(lc, fed)
	services.swapStore = newBarrierStore(services.swapStore)

	service := NewSwapService(context.Background(), services, map[string]string{"999x1x1": "fed1"})

	htlc := &InterceptedHtlc{
		PaymentHash:  hash,
		AmountMsat:   100000,
		CltvExpiry:   300,
		OutgoingScid: "999x1x1",
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = service.OnHtlcIntercepted(htlc)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, fed.fundCalls)

	all, err := services.swapStore.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, State_Incoming_Settled, all[0].Current)
	assert.Equal(t, preimage, lc.settled[hash])
}

func Test_HtlcReplayAfterSwapFinished(t *testing.T) {
	// The node replays an htlc for a swap that already settled. The replay
	// must resolve against the archived swap instead of funding the
	// federation a second time.
	preimage, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	fed.contractId = "contract1"
	fed.preimage = preimage
	services := getTestServices(lc, fed)

	service := NewSwapService(context.Background(), services, map[string]string{"999x1x1": "fed1"})

	htlc := &InterceptedHtlc{
		PaymentHash:  hash,
		AmountMsat:   100000,
		CltvExpiry:   300,
		OutgoingScid: "999x1x1",
	}
	require.NoError(t, service.OnHtlcIntercepted(htlc))
	require.NoError(t, service.OnHtlcIntercepted(htlc))

	assert.Equal(t, 1, fed.fundCalls)
	all, err := services.swapStore.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, preimage, lc.settled[hash])
}

func Test_PayContractIdempotent(t *testing.T) {
	_, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	services := getTestServices(lc, fed)

	stored := newOutgoingSwapFSM(services)
	stored.Data.ContractId = "contract1"
	stored.Data.PaymentHash = hash
	stored.Current = State_Outgoing_PayInvoice
	stored.Data.SetState(stored.Current)
	require.NoError(t, services.swapStore.Create(stored))

	service := NewSwapService(context.Background(), services, nil)
	data, err := service.OnPayContract("fed1", "contract1")
	require.NoError(t, err)

	// The existing swap is returned, no second one is started.
	assert.Equal(t, stored.Data.Id.String(), data.Id.String())
	all, err := services.swapStore.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func Test_RecoveryFailsClosedWhenHtlcGone(t *testing.T) {
	// An incoming swap that did not fund the federation yet and whose
	// htlc is no longer held cannot succeed anymore.
	_, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	services := getTestServices(lc, fed)

	stored := newIncomingSwapFSM(services)
	stored.Data.PaymentHash = hash
	stored.Current = State_Incoming_FundFederation
	stored.Data.SetState(stored.Current)
	require.NoError(t, services.swapStore.Create(stored))

	service := NewSwapService(context.Background(), services, map[string]string{"999x1x1": "fed1"})
	require.NoError(t, service.RecoverSwaps())

	require.Eventually(t, func() bool {
		swap, err := services.swapStore.GetById(stored.Id)
		return err == nil && swap.Current == State_Incoming_Canceled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, fed.fundCalls)
}

func Test_RecoveryResumesFundedSwap(t *testing.T) {
	// A funded incoming swap with its htlc still held picks up where it
	// left off and settles.
	preimage, hash := getTestPreimage()

	lc := newDummyLightning(100)
	lc.heldHtlcs = []string{hash}
	fed := newDummyFederation("fed1")
	fed.preimage = preimage
	services := getTestServices(lc, fed)

	stored := newIncomingSwapFSM(services)
	stored.Data.PaymentHash = hash
	stored.Data.FederationId = "fed1"
	stored.Data.ContractId = "contract1"
	stored.Data.NextDeadline = time.Now().Add(time.Hour).Unix()
	stored.Current = State_Incoming_AwaitPreimage
	stored.Data.SetState(stored.Current)
	require.NoError(t, services.swapStore.Create(stored))

	service := NewSwapService(context.Background(), services, map[string]string{"999x1x1": "fed1"})
	require.NoError(t, service.RecoverSwaps())

	require.Eventually(t, func() bool {
		swap, err := services.swapStore.GetById(stored.Id)
		return err == nil && swap.Current == State_Incoming_Settled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, preimage, lc.settled[hash])
}

func Test_ParkedPaymentRepolled(t *testing.T) {
	// A swap parked on an unresolved payment has no timeout edge. The
	// timer must re-run its action periodically so the swap resolves once
	// the node knows the outcome.
	preimage, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	services := getTestServices(lc, fed)
	toDummy := services.toService.(*timeOutDummy)
	lc.queryResults = []queryResult{
		{res: &PaymentResponse{Status: PaymentStatusSucceeded, Preimage: preimage}},
	}

	stored := newOutgoingSwapFSM(services)
	stored.Data.FederationId = "fed1"
	stored.Data.ContractId = "contract1"
	stored.Data.PaymentHash = hash
	stored.Data.NextDeadline = time.Now().Add(time.Hour).Unix()
	stored.Current = State_Outgoing_PaymentUnknown
	stored.Data.SetState(stored.Current)
	require.NoError(t, services.swapStore.Create(stored))

	service := NewSwapService(context.Background(), services, nil)
	service.watchDeadline(stored)
	require.Len(t, toDummy.calls, 1)
	assert.Equal(t, swapRepollInterval, toDummy.calls[0])

	toDummy.fireLast()

	got, err := services.swapStore.GetById(stored.Id)
	require.NoError(t, err)
	assert.Equal(t, State_Outgoing_Settled, got.Current)
	assert.Equal(t, preimage, fed.claimed["contract1"])
}

func Test_PollPayContracts(t *testing.T) {
	// Clients fund a pay request directly on the federation and rely on
	// the gateway to notice it. The poll starts a swap per contract and a
	// later round finds the existing swap instead of paying again.
	lc, fed, services, preimage := getOutgoingTestSetup(t)
	fed.pendingPay = []string{"contract1"}

	service := NewSwapService(context.Background(), services, nil)
	service.pollPayContracts()

	require.Eventually(t, func() bool {
		swap, err := services.swapStore.GetByKey(SWAPDIR_OUT, "contract1")
		return err == nil && swap.Current == State_Outgoing_Settled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, preimage, fed.claimed["contract1"])

	service.pollPayContracts()
	assert.Equal(t, 1, lc.payCalls)
}

func Test_RegisterWithFederations(t *testing.T) {
	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	services := getTestServices(lc, fed)

	service := NewSwapService(context.Background(), services, map[string]string{"999x1x1": "fed1"})
	require.NoError(t, service.RegisterWithFederations(time.Hour))

	require.Len(t, fed.registered, 1)
	reg := fed.registered[0]
	assert.Equal(t, "fed1", reg.FederationId)
	assert.Equal(t, "02abcdef", reg.NodePubkey)
	require.Len(t, reg.RouteHints, 1)
	assert.Equal(t, "999x1x1", reg.RouteHints[0].Scid)
	assert.Greater(t, reg.ValidUntil, time.Now().Unix())
}

func Test_HasActiveSwaps(t *testing.T) {
	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	services := getTestServices(lc, fed)

	service := NewSwapService(context.Background(), services, nil)

	has, err := service.HasActiveSwaps()
	require.NoError(t, err)
	assert.False(t, has)

	stored := newIncomingSwapFSM(services)
	stored.Data.PaymentHash = "00"
	stored.Current = State_Incoming_FundFederation
	require.NoError(t, services.swapStore.Create(stored))

	has, err = service.HasActiveSwaps()
	require.NoError(t, err)
	assert.True(t, has)
}
