package swap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPaymentNotFound is returned by a node adapter when it has no record of a
// payment attempt for the given hash. The outgoing engine treats it as proof
// that no htlc ever left the node.
var ErrPaymentNotFound = errors.New("payment not found")

// CreateOutgoingSwapContext holds the pay request that starts an outgoing
// swap.
type CreateOutgoingSwapContext struct {
	FederationId string
	ContractId   string
}

func (c *CreateOutgoingSwapContext) ApplyToSwap(swap *SwapData) {
	swap.FederationId = c.FederationId
	swap.ContractId = c.ContractId
}

// ValidateContractAction fetches the outgoing contract from the federation
// and checks it against the invoice it should pay and against the policy. A
// failed check rejects the swap before any htlc leaves the node.
type ValidateContractAction struct{}

func (v *ValidateContractAction) Execute(services *SwapServices, swap *SwapData) EventType {
	if !services.policy.NewSwapsAllowed() {
		swap.CancelMessage = "gateway does not accept new swaps"
		return swap.HandleError(errors.New(swap.CancelMessage))
	}
	if !services.policy.IsFederationAllowed(swap.FederationId) {
		swap.CancelMessage = fmt.Sprintf("federation %s not allowed", swap.FederationId)
		return swap.HandleError(errors.New(swap.CancelMessage))
	}
	fed, err := services.getFederationClient(swap.FederationId)
	if err != nil {
		swap.CancelMessage = err.Error()
		return swap.HandleError(err)
	}

	ctx := context.Background()
	contract, err := fed.FetchOutgoingContract(ctx, swap.ContractId)
	if err != nil {
		swap.CancelMessage = err.Error()
		return swap.HandleError(err)
	}

	invoice, err := services.lightning.DecodeInvoice(ctx, contract.Invoice)
	if err != nil {
		swap.CancelMessage = "invalid invoice on contract"
		return swap.HandleError(err)
	}
	if invoice.PaymentHash != contract.PaymentHash {
		swap.CancelMessage = "contract payment hash does not match invoice"
		return swap.HandleError(errors.New(swap.CancelMessage))
	}

	feeMsat := services.policy.GetSwapFeeMsat(invoice.AmountMsat)
	if contract.AmountMsat < invoice.AmountMsat+feeMsat {
		swap.CancelMessage = fmt.Sprintf("contract amount %d msat does not cover invoice %d msat plus fee %d msat", contract.AmountMsat, invoice.AmountMsat, feeMsat)
		return swap.HandleError(errors.New(swap.CancelMessage))
	}

	height, err := services.lightning.GetBlockHeight(ctx)
	if err != nil {
		swap.CancelMessage = "could not get block height"
		return swap.HandleError(err)
	}
	margin := services.policy.GetCltvSafetyMargin()
	if contract.TimelockHeight <= height+margin {
		swap.CancelMessage = fmt.Sprintf("contract timelock %d too close to height %d, margin %d", contract.TimelockHeight, height, margin)
		return swap.HandleError(errors.New(swap.CancelMessage))
	}

	swap.PaymentHash = contract.PaymentHash
	swap.Invoice = contract.Invoice
	swap.AmountMsat = invoice.AmountMsat
	swap.AmountEcashMsat = contract.AmountMsat
	swap.FeeMsat = contract.AmountMsat - invoice.AmountMsat

	// The payment must resolve and the collateral must be claimed before
	// the contract timelock hands the refund rights back to the client.
	blocks := contract.TimelockHeight - height - margin
	swap.SetDeadline(time.Now().Add(time.Duration(blocks) * blockInterval).Unix())

	return Event_ActionSucceeded
}

// ConfirmCollateralAction waits for the client collateral to be locked to the
// gateway at consensus. No htlc leaves the node before this confirmation.
type ConfirmCollateralAction struct{}

func (c *ConfirmCollateralAction) Execute(services *SwapServices, swap *SwapData) EventType {
	fed, err := services.getFederationClient(swap.FederationId)
	if err != nil {
		swap.CancelMessage = err.Error()
		return swap.HandleError(err)
	}

	budget := services.policy.GetFederationRetryBudget()
	deadline := time.Unix(swap.NextDeadline, 0)
	for attempt := 1; attempt <= budget; attempt++ {
		if !time.Now().Before(deadline) {
			swap.CancelMessage = "deadline exceeded before collateral was confirmed"
			return Event_OnTimeout
		}
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, err := fed.FundOutgoing(ctx, swap.ContractId)
		cancel()
		if err == nil {
			return Event_OnCollateralConfirmed
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

// PayInvoiceAction pays the invoice on the contract. Before attempting it
// asks the node for a previous attempt, so that re-entering this state after
// a restart never double-pays. A payment that neither succeeded nor failed
// within the timeout is an explicit third outcome, not a failure.
type PayInvoiceAction struct{}

func (p *PayInvoiceAction) Execute(services *SwapServices, swap *SwapData) EventType {
	ctx := context.Background()

	res, err := services.lightning.QueryPaymentStatus(ctx, swap.PaymentHash)
	if err == nil {
		return applyPaymentResult(swap, res)
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}

	// No attempt on record. Refunding is still safe if we ran out of
	// time.
	if !time.Now().Before(time.Unix(swap.NextDeadline, 0)) {
		swap.CancelMessage = "deadline exceeded before the payment was attempted"
		return Event_OnTimeout
	}

	// The routing fee comes out of the gateway's margin on the contract.
	res, err = services.lightning.PayInvoice(ctx, swap.Invoice, swap.FeeMsat, services.policy.GetPaymentTimeoutSeconds())
	if err != nil {
		// The attempt may or may not have left the node.
		swap.LastErrString = err.Error()
		return Event_OnPaymentPending
	}
	return applyPaymentResult(swap, res)
}

func applyPaymentResult(swap *SwapData, res *PaymentResponse) EventType {
	switch res.Status {
	case PaymentStatusSucceeded:
		swap.Preimage = res.Preimage
		return Event_OnPaymentSucceeded
	case PaymentStatusFailed:
		swap.CancelMessage = res.FailureReason
		return Event_OnPaymentFailed
	default:
		return Event_OnPaymentPending
	}
}

// ResolvePaymentAction resolves an in-flight payment to its true outcome.
// The swap stays here for as long as it takes, an unresolved payment is
// never refunded and never claimed.
type ResolvePaymentAction struct{}

func (r *ResolvePaymentAction) Execute(services *SwapServices, swap *SwapData) EventType {
	res, err := services.lightning.QueryPaymentStatus(context.Background(), swap.PaymentHash)
	if errors.Is(err, ErrPaymentNotFound) {
		// The node has no record, the attempt never left.
		swap.CancelMessage = "payment attempt not found on node"
		return Event_OnPaymentFailed
	}
	if err != nil {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}
	if res.Status == PaymentStatusPending {
		return Event_OnRetry
	}
	return applyPaymentResult(swap, res)
}

// ClaimFederationAction submits the preimage to the federation and collects
// the locked collateral plus the fee. The preimage was paid for, the claim is
// retried until it went through.
type ClaimFederationAction struct{}

func (c *ClaimFederationAction) Execute(services *SwapServices, swap *SwapData) EventType {
	fed, err := services.getFederationClient(swap.FederationId)
	if err != nil {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}

	err = fed.ClaimOutgoing(context.Background(), swap.ContractId, swap.Preimage)
	if err != nil {
		if ClassifyFederationError(err) == KindPermanent {
			// The collateral is gone, e.g. the timelock handed it
			// back to the client. Record the loss.
			swap.CancelMessage = fmt.Sprintf("claim rejected: %v", err)
			return swap.HandleError(err)
		}
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}
	return Event_OnClaimedFederation
}

// RefundCollateralAction returns the locked collateral to the client after
// the payment failed for sure.
type RefundCollateralAction struct{}

func (r *RefundCollateralAction) Execute(services *SwapServices, swap *SwapData) EventType {
	fed, err := services.getFederationClient(swap.FederationId)
	if err != nil {
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}

	err = fed.Refund(context.Background(), swap.ContractId)
	if err != nil {
		if ClassifyFederationError(err) == KindPermanent {
			swap.CancelMessage = fmt.Sprintf("refund rejected: %v", err)
			return swap.HandleError(err)
		}
		swap.LastErrString = err.Error()
		return Event_OnRetry
	}
	return Event_OnCollateralRefunded
}

// RejectAction finishes a swap that was turned down before any funds moved.
type RejectAction struct{}

func (a *RejectAction) Execute(services *SwapServices, swap *SwapData) EventType {
	return Event_OnRejected
}

// getOutgoingStates returns the states for the outgoing swap engine.
func getOutgoingStates() States {
	return States{
		Default: {
			Events: Events{
				Event_OnPayContract: State_Outgoing_Validate,
			},
		},
		State_Outgoing_Validate: {
			Action: &ValidateContractAction{},
			Events: Events{
				Event_ActionSucceeded: State_Outgoing_ConfirmCollateral,
				Event_ActionFailed:    State_Outgoing_Reject,
			},
		},
		State_Outgoing_ConfirmCollateral: {
			Action: &ConfirmCollateralAction{},
			Events: Events{
				Event_OnCollateralConfirmed: State_Outgoing_PayInvoice,
				Event_ActionFailed:          State_Outgoing_Reject,
				Event_OnTimeout:             State_Outgoing_Reject,
			},
		},
		State_Outgoing_PayInvoice: {
			Action: &PayInvoiceAction{},
			Events: Events{
				Event_OnPaymentSucceeded: State_Outgoing_ClaimFederation,
				Event_OnPaymentFailed:    State_Outgoing_RefundCollateral,
				Event_OnPaymentPending:   State_Outgoing_PaymentUnknown,
				Event_OnRetry:            State_Outgoing_PayInvoice,
				Event_OnTimeout:          State_Outgoing_RefundCollateral,
			},
		},
		State_Outgoing_PaymentUnknown: {
			Action: &ResolvePaymentAction{},
			Events: Events{
				Event_OnPaymentSucceeded: State_Outgoing_ClaimFederation,
				Event_OnPaymentFailed:    State_Outgoing_RefundCollateral,
				Event_OnPaymentPending:   State_Outgoing_PaymentUnknown,
				Event_OnRetry:            State_Outgoing_PaymentUnknown,
			},
		},
		State_Outgoing_ClaimFederation: {
			Action: &ClaimFederationAction{},
			Events: Events{
				Event_OnClaimedFederation: State_Outgoing_Settled,
				Event_OnRetry:             State_Outgoing_ClaimFederation,
				Event_ActionFailed:        State_Outgoing_Settled,
			},
		},
		State_Outgoing_Settled: {
			Action: &NoOpDoneAction{},
		},
		State_Outgoing_RefundCollateral: {
			Action: &RefundCollateralAction{},
			Events: Events{
				Event_OnCollateralRefunded: State_Outgoing_Refunded,
				Event_OnRetry:              State_Outgoing_RefundCollateral,
				Event_ActionFailed:         State_Outgoing_Refunded,
			},
		},
		State_Outgoing_Refunded: {
			Action: &NoOpDoneAction{},
		},
		State_Outgoing_Reject: {
			Action: &RejectAction{},
			Events: Events{
				Event_OnRejected: State_Outgoing_Rejected,
			},
		},
		State_Outgoing_Rejected: {
			Action: &NoOpDoneAction{},
		},
	}
}

// newOutgoingSwapFSM returns a new outgoing swap state machine.
func newOutgoingSwapFSM(services *SwapServices) *SwapStateMachine {
	swapId := NewSwapId()
	return &SwapStateMachine{
		Id:        swapId.String(),
		SwapId:    *swapId,
		Direction: SWAPDIR_OUT,
		Data: &SwapData{
			Id:        swapId,
			Direction: SWAPDIR_OUT,
			CreatedAt: time.Now().Unix(),
		},
		States:       getOutgoingStates(),
		swapServices: services,
	}
}

// outgoingSwapFromStore wires a stored outgoing swap back up with the state
// table and the services.
func outgoingSwapFromStore(smData *SwapStateMachine, services *SwapServices) *SwapStateMachine {
	smData.swapServices = services
	smData.States = getOutgoingStates()
	return smData
}
