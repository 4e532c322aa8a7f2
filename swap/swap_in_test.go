package swap

import (
	"testing"

	"github.com/fedimint/lngateway/federation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_IncomingSwapValid(t *testing.T) {
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
			PaymentHash:     hash,
			AmountMsat:      100000,
			CltvExpiry:      300,
			IncomingChannel: "123x1x1",
			OutgoingScid:    "999x1x1",
		},
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Incoming_Settled, swap.Current)

	// fee = 1000 base + 100000 * 10000ppm = 2000 msat
	assert.Equal(t, uint64(2000), swap.Data.FeeMsat)
	assert.Equal(t, uint64(98000), fed.fundedMsat)
	assert.Equal(t, hash, fed.fundedHash)

	// The htlc was settled with the decrypted preimage.
	assert.Equal(t, preimage, lc.settled[hash])
	assert.False(t, lc.canceled[hash])
}

func Test_IncomingSwapExpiryTooSoon(t *testing.T) {
	_, hash := getTestPreimage()

	// Height 100 with the default margin of 24 blocks requires an expiry
	// above 124.
	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")

	services := getTestServices(lc, fed)
	swap := newIncomingSwapFSM(services)

	done, err := swap.SendEvent(Event_OnHtlcIntercepted, &CreateIncomingSwapContext{
		FederationId: "fed1",
		Htlc: &InterceptedHtlc{
			PaymentHash: hash,
			AmountMsat:  100000,
			CltvExpiry:  110,
		},
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Incoming_Canceled, swap.Current)

	// No funds were committed.
	assert.Equal(t, 0, fed.fundCalls)
	assert.True(t, lc.canceled[hash])
	assert.NotEmpty(t, swap.Data.GetCancelMessage())
}

func Test_IncomingSwapAmountBelowFee(t *testing.T) {
	_, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")

	services := getTestServices(lc, fed)
	swap := newIncomingSwapFSM(services)

	done, err := swap.SendEvent(Event_OnHtlcIntercepted, &CreateIncomingSwapContext{
		FederationId: "fed1",
		Htlc: &InterceptedHtlc{
			PaymentHash: hash,
			AmountMsat:  900,
			CltvExpiry:  300,
		},
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Incoming_Canceled, swap.Current)
	assert.Equal(t, 0, fed.fundCalls)
	assert.True(t, lc.canceled[hash])
}

func Test_IncomingSwapFederationRejects(t *testing.T) {
	_, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	fed.fundErr = federation.ErrConsensusRejected

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
	assert.True(t, done)
	assert.Equal(t, State_Incoming_Canceled, swap.Current)
	assert.True(t, lc.canceled[hash])
	assert.Empty(t, lc.settled[hash])
}

func Test_IncomingSwapFederationNotAllowed(t *testing.T) {
	_, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")

	services := getTestServices(lc, fed)
	p := getTestPolicy()
	p.AcceptAllFederations = false
	services.policy = p

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
	assert.True(t, done)
	assert.Equal(t, State_Incoming_Canceled, swap.Current)
	assert.Equal(t, 0, fed.fundCalls)
}

func Test_IncomingSwapPreimageMismatch(t *testing.T) {
	// The federation hands out a preimage that does not match the payment
	// hash. The swap must not settle and takes the refund path.
	wrongPreimage, _ := getTestPreimage()
	_, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	fed.contractId = "contract1"
	fed.preimage = wrongPreimage

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
	assert.True(t, done)
	assert.Equal(t, State_Incoming_Expired, swap.Current)
	assert.True(t, fed.refunded["contract1"])
	assert.Empty(t, lc.settled[hash])
	assert.True(t, lc.canceled[hash])
}

func Test_IncomingSwapRefundSwitchesToSettle(t *testing.T) {
	// A timed out swap tries to refund, but the guardians already
	// decrypted the preimage. The swap must settle instead of giving the
	// contract up.
	preimage, hash := getTestPreimage()

	lc := newDummyLightning(100)
	fed := newDummyFederation("fed1")
	fed.contractId = "contract1"
	fed.preimage = preimage
	fed.refundErr = federation.ErrConsensusRejected

	services := getTestServices(lc, fed)
	swap := newIncomingSwapFSM(services)
	swap.Data.PaymentHash = hash
	swap.Data.ContractId = "contract1"
	swap.Data.FederationId = "fed1"
	swap.Current = State_Incoming_AwaitPreimage
	require.NoError(t, services.swapStore.Create(swap))

	done, err := swap.SendEvent(Event_OnTimeout, nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Incoming_Settled, swap.Current)
	assert.Equal(t, preimage, lc.settled[hash])
}
