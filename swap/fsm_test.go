package swap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RetryBackoffBounded(t *testing.T) {
	assert.Equal(t, time.Second, retryBackoff(0))
	assert.Equal(t, time.Second, retryBackoff(1))
	assert.Equal(t, 2*time.Second, retryBackoff(2))
	assert.Equal(t, 30*time.Second, retryBackoff(10))
	// Large attempt counts must not overflow into a negative duration.
	assert.Equal(t, 30*time.Second, retryBackoff(63))
}

func Test_FsmRejectsUnknownEvent(t *testing.T) {
	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	services := getTestServices(lc, fed)

	swap := newIncomingSwapFSM(services)
	_, err := swap.SendEvent(Event_OnPaymentSucceeded, nil)
	assert.Equal(t, ErrEventRejected, err)
}

func Test_FsmDuplicateEventLoses(t *testing.T) {
	preimage, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	fed.contractId = "contract1"
	fed.preimage = preimage
	services := getTestServices(lc, fed)

	swap := newIncomingSwapFSM(services)
	htlcCtx := &CreateIncomingSwapContext{
		FederationId: "fed1",
		Htlc: &InterceptedHtlc{
			PaymentHash: hash,
			AmountMsat:  100000,
			CltvExpiry:  300,
		},
	}
	done, err := swap.SendEvent(Event_OnHtlcIntercepted, htlcCtx)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, State_Incoming_Settled, swap.Current)

	// A duplicate delivery of the same event finds the swap in a state
	// that cannot handle it.
	_, err = swap.SendEvent(Event_OnHtlcIntercepted, htlcCtx)
	assert.Equal(t, ErrEventRejected, err)

	// The settled record survived untouched.
	stored, err := services.swapStore.GetById(swap.Id)
	require.NoError(t, err)
	assert.Equal(t, State_Incoming_Settled, stored.Current)
}

func Test_FsmPersistsEveryTransition(t *testing.T) {
	// Every transition must be durable before the state's action runs,
	// the stored state may never lag behind the machine.
	preimage, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	fed.contractId = "contract1"
	fed.preimage = preimage
	services := getTestServices(lc, fed)

	swap := newIncomingSwapFSM(services)
	done, err := swap.SendEvent(Event_OnHtlcIntercepted, &CreateIncomingSwapContext{
		FederationId: "fed1",
		Htlc: &InterceptedHtlc{
			PaymentHash: hash,
			AmountMsat:  100000,
			CltvExpiry:  300,
		},
	})
	require.NoError(t, err)
	require.True(t, done)

	stored, err := services.swapStore.GetById(swap.Id)
	require.NoError(t, err)
	assert.Equal(t, swap.Current, stored.Current)
	assert.Equal(t, swap.Current, stored.Data.GetCurrentState())
}
