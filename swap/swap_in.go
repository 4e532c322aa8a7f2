package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fedimint/lngateway/federation"
	"github.com/fedimint/lngateway/lightning"
)

// blockInterval is the expected time between blocks, used to turn the cltv
// based deadline into a wall clock deadline for the timeout watcher.
const blockInterval = 10 * time.Minute

// CreateIncomingSwapContext holds the intercepted htlc that starts an
// incoming swap.
type CreateIncomingSwapContext struct {
	FederationId string
	Htlc         *InterceptedHtlc
}

func (c *CreateIncomingSwapContext) ApplyToSwap(swap *SwapData) {
	swap.FederationId = c.FederationId
	swap.AmountMsat = c.Htlc.AmountMsat
	swap.PaymentHash = c.Htlc.PaymentHash
	swap.CltvExpiry = c.Htlc.CltvExpiry
	swap.IncomingChannel = c.Htlc.IncomingChannel
}

// ValidateHtlcAction checks an intercepted htlc against the policy and fixes
// the gateway fee. A failed check moves the swap onto the cancel path before
// any funds were committed.
type ValidateHtlcAction struct{}

func (v *ValidateHtlcAction) Execute(services *SwapServices, swap *SwapData) EventType {
	if !services.policy.NewSwapsAllowed() {
		swap.CancelMessage = "gateway does not accept new swaps"
		return swap.HandleError(errors.New(swap.CancelMessage))
	}
	if !services.policy.IsFederationAllowed(swap.FederationId) {
		swap.CancelMessage = fmt.Sprintf("federation %s not allowed", swap.FederationId)
		return swap.HandleError(errors.New(swap.CancelMessage))
	}
	if _, err := services.getFederationClient(swap.FederationId); err != nil {
		swap.CancelMessage = err.Error()
		return swap.HandleError(err)
	}

	feeMsat := services.policy.GetSwapFeeMsat(swap.AmountMsat)
	if swap.AmountMsat <= feeMsat {
		swap.CancelMessage = fmt.Sprintf("htlc amount %d msat does not cover the swap fee of %d msat", swap.AmountMsat, feeMsat)
		return swap.HandleError(errors.New(swap.CancelMessage))
	}

	height, err := services.lightning.GetBlockHeight(context.Background())
	if err != nil {
		swap.CancelMessage = "could not get block height"
		return swap.HandleError(err)
	}
	margin := services.policy.GetCltvSafetyMargin()
	if swap.CltvExpiry <= height+margin {
		swap.CancelMessage = fmt.Sprintf("htlc expiry %d too close to height %d, margin %d", swap.CltvExpiry, height, margin)
		return swap.HandleError(errors.New(swap.CancelMessage))
	}

	// The fee is fixed here and never renegotiated.
	swap.FeeMsat = feeMsat
	swap.AmountEcashMsat = swap.AmountMsat - feeMsat

	// The swap must be resolved before the htlc reaches the safety margin.
	blocks := swap.CltvExpiry - height - margin
	swap.SetDeadline(time.Now().Add(time.Duration(blocks) * blockInterval).Unix())

	return Event_ActionSucceeded
}

// FundFederationAction creates the incoming contract with the federation. The
// contract obliges the federation to hand out e-cash for the preimage. The
// call is retried within the retry budget, an unreachable federation before
// funding fails the swap closed.
type FundFederationAction struct{}

func (f *FundFederationAction) Execute(services *SwapServices, swap *SwapData) EventType {
	fed, err := services.getFederationClient(swap.FederationId)
	if err != nil {
		swap.CancelMessage = err.Error()
		return swap.HandleError(err)
	}

	budget := services.policy.GetFederationRetryBudget()
	deadline := time.Unix(swap.NextDeadline, 0)
	for attempt := 1; attempt <= budget; attempt++ {
		if !time.Now().Before(deadline) {
			swap.CancelMessage = "deadline exceeded before the federation was funded"
			return Event_OnTimeout
		}
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		contractId, err := fed.FundIncoming(ctx, swap.PaymentHash, swap.AmountEcashMsat, swap.CltvExpiry)
		cancel()
		if err == nil {
			swap.ContractId = contractId
			return Event_OnFederationFunded
		}
		switch ClassifyFederationError(err) {
		case KindPermanent:
			swap.CancelMessage = err.Error()
			return swap.HandleError(err)
		case KindDeadline:
			swap.CancelMessage = err.Error()
			return Event_OnTimeout
		default:
			swap.LastErrString = err.Error()
			time.Sleep(retryBackoff(attempt))
		}
	}
	swap.CancelMessage = "federation retry budget exhausted"
	return swap.HandleError(errors.New(swap.CancelMessage))
}

// retryBackoff returns the bounded exponential backoff before the next
// attempt, 1s for the first retry up to 30s.
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return 30 * time.Second
	}
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// AwaitPreimageAction blocks until the guardians decrypted the preimage of
// the funded contract. From here on the contract is funded, a timeout no
// longer cancels but refunds.
type AwaitPreimageAction struct{}

func (a *AwaitPreimageAction) Execute(services *SwapServices, swap *SwapData) EventType {
	fed, err := services.getFederationClient(swap.FederationId)
	if err != nil {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}

	deadline := time.Unix(swap.NextDeadline, 0)
	if !time.Now().Before(deadline) {
		return Event_OnTimeout
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	preimageStr, err := fed.AwaitPreimage(ctx, swap.ContractId)
	if err != nil {
		if ctx.Err() != nil {
			return Event_OnTimeout
		}
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}

	preimage, err := lightning.MakePreimageFromStr(preimageStr)
	if err != nil {
		return swap.HandleError(err)
	}
	hash, err := lightning.MakeHashFromStr(swap.PaymentHash)
	if err != nil {
		return swap.HandleError(err)
	}
	if !preimage.Matches(hash) {
		return swap.HandleError(fmt.Errorf("federation returned preimage that does not match payment hash %s", swap.PaymentHash))
	}

	swap.Preimage = preimageStr
	return Event_OnPreimageRevealed
}

// SettleHtlcAction claims the intercepted htlc with the preimage. The
// contract is funded at this point, settling is always safe and is retried
// until it went through.
type SettleHtlcAction struct{}

func (s *SettleHtlcAction) Execute(services *SwapServices, swap *SwapData) EventType {
	err := services.lightning.SettleHtlc(context.Background(), swap.PaymentHash, swap.Preimage)
	if err != nil {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}
	return Event_OnHtlcSettled
}

// CancelHtlcAction gives the htlc back to the node so it is failed upstream.
// No funds were committed on the cancel path.
type CancelHtlcAction struct{}

func (c *CancelHtlcAction) Execute(services *SwapServices, swap *SwapData) EventType {
	err := services.lightning.CancelHtlc(context.Background(), swap.PaymentHash)
	if err != nil {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}
	return Event_OnHtlcCanceled
}

// RefundFederationAction returns the funded contract to the federation after
// the deadline passed without a preimage, then releases the htlc. If the
// guardians reject the refund because the preimage was decrypted in the
// meantime, the swap switches back onto the settle path.
type RefundFederationAction struct{}

func (r *RefundFederationAction) Execute(services *SwapServices, swap *SwapData) EventType {
	fed, err := services.getFederationClient(swap.FederationId)
	if err != nil {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}

	ctx := context.Background()
	err = fed.Refund(ctx, swap.ContractId)
	if errors.Is(err, federation.ErrConsensusRejected) {
		preimageStr, perr := fed.AwaitPreimage(ctx, swap.ContractId)
		if perr != nil {
			swap.LastErrString = perr.Error()
			return Event_OnRetry
		}
		swap.Preimage = preimageStr
		return Event_OnPreimageRevealed
	}
	if err != nil {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}

	if err := services.lightning.CancelHtlc(ctx, swap.PaymentHash); err != nil {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}
	return Event_ActionSucceeded
}

// getIncomingStates returns the states for the incoming swap engine.
func getIncomingStates() States {
	return States{
		Default: {
			Events: Events{
				Event_OnHtlcIntercepted: State_Incoming_Validate,
			},
		},
		State_Incoming_Validate: {
			Action: &ValidateHtlcAction{},
			Events: Events{
				Event_ActionSucceeded: State_Incoming_FundFederation,
				Event_ActionFailed:    State_Incoming_CancelHtlc,
				Event_OnTimeout:       State_Incoming_CancelHtlc,
			},
		},
		State_Incoming_FundFederation: {
			Action: &FundFederationAction{},
			Events: Events{
				Event_OnFederationFunded: State_Incoming_AwaitPreimage,
				Event_ActionFailed:       State_Incoming_CancelHtlc,
				Event_OnTimeout:          State_Incoming_CancelHtlc,
			},
		},
		State_Incoming_AwaitPreimage: {
			Action: &AwaitPreimageAction{},
			Events: Events{
				Event_OnPreimageRevealed: State_Incoming_SettleHtlc,
				Event_OnRetry:            State_Incoming_AwaitPreimage,
				Event_OnTimeout:          State_Incoming_RefundFederation,
				Event_ActionFailed:       State_Incoming_RefundFederation,
			},
		},
		State_Incoming_SettleHtlc: {
			Action: &SettleHtlcAction{},
			Events: Events{
				Event_OnHtlcSettled: State_Incoming_Settled,
				Event_OnRetry:       State_Incoming_SettleHtlc,
			},
		},
		State_Incoming_Settled: {
			Action: &NoOpDoneAction{},
		},
		State_Incoming_CancelHtlc: {
			Action: &CancelHtlcAction{},
			Events: Events{
				Event_OnHtlcCanceled: State_Incoming_Canceled,
				Event_OnRetry:        State_Incoming_CancelHtlc,
			},
		},
		State_Incoming_Canceled: {
			Action: &NoOpDoneAction{},
		},
		State_Incoming_RefundFederation: {
			Action: &RefundFederationAction{},
			Events: Events{
				Event_ActionSucceeded:    State_Incoming_Expired,
				Event_OnPreimageRevealed: State_Incoming_SettleHtlc,
				Event_OnRetry:            State_Incoming_RefundFederation,
			},
		},
		State_Incoming_Expired: {
			Action: &NoOpDoneAction{},
		},
	}
}

// newIncomingSwapFSM returns a new incoming swap state machine.
func newIncomingSwapFSM(services *SwapServices) *SwapStateMachine {
	swapId := NewSwapId()
	return &SwapStateMachine{
		Id:        swapId.String(),
		SwapId:    *swapId,
		Direction: SWAPDIR_IN,
		Data: &SwapData{
			Id:        swapId,
			Direction: SWAPDIR_IN,
			CreatedAt: time.Now().Unix(),
		},
		States:       getIncomingStates(),
		swapServices: services,
	}
}

// incomingSwapFromStore wires a stored incoming swap back up with the state
// table and the services.
func incomingSwapFromStore(smData *SwapStateMachine, services *SwapServices) *SwapStateMachine {
	smData.swapServices = services
	smData.States = getIncomingStates()
	return smData
}
