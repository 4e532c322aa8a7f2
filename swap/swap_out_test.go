package swap

import (
	"testing"

	"github.com/fedimint/lngateway/federation"
	"github.com/fedimint/lngateway/lightning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getOutgoingTestSetup(t *testing.T) (*dummyLightning, *dummyFederation, *SwapServices, string) {
	t.Helper()
	preimage, hash := getTestPreimage()

	lc := newDummyLightning(100)
	lc.invoices["invoice1"] = &lightning.Invoice{
		PaymentHash: hash,
		AmountMsat:  100000,
	}
	lc.payResult = &PaymentResponse{
		Status:   PaymentStatusSucceeded,
		Preimage: preimage,
	}

	fed := newDummyFederation("fed1")
	fed.outgoing = &federation.OutgoingContract{
		ContractId:     "contract1",
		FederationId:   "fed1",
		PaymentHash:    hash,
		Invoice:        "invoice1",
		AmountMsat:     103000,
		TimelockHeight: 300,
	}

	return lc, fed, getTestServices(lc, fed), preimage
}

func Test_OutgoingSwapValid(t *testing.T) {
	lc, fed, services, preimage := getOutgoingTestSetup(t)

	swap := newOutgoingSwapFSM(services)
	done, err := swap.SendEvent(Event_OnPayContract, &CreateOutgoingSwapContext{
		FederationId: "fed1",
		ContractId:   "contract1",
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Outgoing_Settled, swap.Current)

	assert.Equal(t, 1, lc.payCalls)
	assert.Equal(t, preimage, fed.claimed["contract1"])
	assert.False(t, fed.refunded["contract1"])

	// fee margin = contract amount - invoice amount, it also bounds the
	// routing fee of the payment.
	assert.Equal(t, uint64(3000), swap.Data.FeeMsat)
	assert.Equal(t, uint64(3000), lc.payMaxFeeMsat)
}

func Test_OutgoingSwapPaymentFails(t *testing.T) {
	lc, fed, services, _ := getOutgoingTestSetup(t)
	lc.payResult = &PaymentResponse{
		Status:        PaymentStatusFailed,
		FailureReason: "no route",
	}

	swap := newOutgoingSwapFSM(services)
	done, err := swap.SendEvent(Event_OnPayContract, &CreateOutgoingSwapContext{
		FederationId: "fed1",
		ContractId:   "contract1",
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Outgoing_Refunded, swap.Current)

	assert.True(t, fed.refunded["contract1"])
	assert.Empty(t, fed.claimed["contract1"])
	assert.Equal(t, "no route", swap.Data.GetCancelMessage())
}

func Test_OutgoingSwapPaymentPending(t *testing.T) {
	// The payment neither succeeds nor fails within the attempt. The
	// swap must not refund while the outcome is unknown and must claim
	// once the payment settles.
	lc, fed, services, preimage := getOutgoingTestSetup(t)
	lc.payResult = &PaymentResponse{Status: PaymentStatusPending}
	lc.queryResults = []queryResult{
		{err: ErrPaymentNotFound}, // pre-pay check
		{res: &PaymentResponse{Status: PaymentStatusPending}},
		{res: &PaymentResponse{Status: PaymentStatusPending}},
		{res: &PaymentResponse{Status: PaymentStatusSucceeded, Preimage: preimage}},
	}

	swap := newOutgoingSwapFSM(services)
	done, err := swap.SendEvent(Event_OnPayContract, &CreateOutgoingSwapContext{
		FederationId: "fed1",
		ContractId:   "contract1",
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Outgoing_Settled, swap.Current)

	assert.Equal(t, preimage, fed.claimed["contract1"])
	assert.False(t, fed.refunded["contract1"])
}

func Test_OutgoingSwapPendingAttemptNeverLeft(t *testing.T) {
	// The pay call errored out, but the node has no record of an
	// attempt. The collateral can be refunded safely.
	lc, fed, services, _ := getOutgoingTestSetup(t)
	lc.payResult = &PaymentResponse{Status: PaymentStatusPending}
	lc.queryResults = []queryResult{
		{err: ErrPaymentNotFound}, // pre-pay check
		{err: ErrPaymentNotFound}, // resolve: no attempt on record
	}

	swap := newOutgoingSwapFSM(services)
	done, err := swap.SendEvent(Event_OnPayContract, &CreateOutgoingSwapContext{
		FederationId: "fed1",
		ContractId:   "contract1",
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Outgoing_Refunded, swap.Current)
	assert.True(t, fed.refunded["contract1"])
}

func Test_OutgoingSwapContractUnderfunded(t *testing.T) {
	lc, fed, services, _ := getOutgoingTestSetup(t)
	// 100000 invoice + 2000 fee > 101000 contract amount
	fed.outgoing.AmountMsat = 101000

	swap := newOutgoingSwapFSM(services)
	done, err := swap.SendEvent(Event_OnPayContract, &CreateOutgoingSwapContext{
		FederationId: "fed1",
		ContractId:   "contract1",
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Outgoing_Rejected, swap.Current)

	assert.Equal(t, 0, lc.payCalls)
	assert.False(t, fed.refunded["contract1"])
	assert.NotEmpty(t, swap.Data.GetCancelMessage())
}

func Test_OutgoingSwapHashMismatch(t *testing.T) {
	lc, fed, services, _ := getOutgoingTestSetup(t)
	_, otherHash := getTestPreimage()
	fed.outgoing.PaymentHash = otherHash

	swap := newOutgoingSwapFSM(services)
	done, err := swap.SendEvent(Event_OnPayContract, &CreateOutgoingSwapContext{
		FederationId: "fed1",
		ContractId:   "contract1",
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Outgoing_Rejected, swap.Current)
	assert.Equal(t, 0, lc.payCalls)
}

func Test_OutgoingSwapTimelockTooClose(t *testing.T) {
	lc, fed, services, _ := getOutgoingTestSetup(t)
	fed.outgoing.TimelockHeight = 110

	swap := newOutgoingSwapFSM(services)
	done, err := swap.SendEvent(Event_OnPayContract, &CreateOutgoingSwapContext{
		FederationId: "fed1",
		ContractId:   "contract1",
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Outgoing_Rejected, swap.Current)
	assert.Equal(t, 0, lc.payCalls)
}

func Test_OutgoingSwapRecoveredAttemptNotDoublePaid(t *testing.T) {
	// Re-entering the pay state, e.g. after a restart, must resolve a
	// previous attempt instead of paying again.
	lc, fed, services, preimage := getOutgoingTestSetup(t)
	lc.queryResults = []queryResult{
		{res: &PaymentResponse{Status: PaymentStatusSucceeded, Preimage: preimage}},
	}

	swap := newOutgoingSwapFSM(services)
	swap.Data.FederationId = "fed1"
	swap.Data.ContractId = "contract1"
	swap.Data.PaymentHash = fed.outgoing.PaymentHash
	swap.Data.Invoice = "invoice1"
	swap.Current = State_Outgoing_PayInvoice
	require.NoError(t, services.swapStore.Create(swap))

	done, err := swap.Recover()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, State_Outgoing_Settled, swap.Current)

	assert.Equal(t, 0, lc.payCalls)
	assert.Equal(t, preimage, fed.claimed["contract1"])
}
