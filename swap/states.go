package swap

// Shared events.
const (
	Event_Done            EventType = "Event_Done"
	Event_OnRetry         EventType = "Event_OnRetry"
	Event_ActionFailed    EventType = "Event_ActionFailed"
	Event_ActionSucceeded EventType = "Event_ActionSucceeded"

	// Event_OnTimeout is fired by the deadline watcher when a swap passed
	// its deadline without settling.
	Event_OnTimeout EventType = "Event_OnTimeout"
)

// Incoming swap states and events. An incoming swap converts an intercepted
// htlc into federation e-cash for the receiver.
const (
	State_Incoming_Validate         StateType = "State_Incoming_Validate"
	State_Incoming_FundFederation   StateType = "State_Incoming_FundFederation"
	State_Incoming_AwaitPreimage    StateType = "State_Incoming_AwaitPreimage"
	State_Incoming_SettleHtlc       StateType = "State_Incoming_SettleHtlc"
	State_Incoming_Settled          StateType = "State_Incoming_Settled"
	State_Incoming_CancelHtlc       StateType = "State_Incoming_CancelHtlc"
	State_Incoming_Canceled         StateType = "State_Incoming_Canceled"
	State_Incoming_RefundFederation StateType = "State_Incoming_RefundFederation"
	State_Incoming_Expired          StateType = "State_Incoming_Expired"

	Event_OnHtlcIntercepted  EventType = "Event_OnHtlcIntercepted"
	Event_OnFederationFunded EventType = "Event_OnFederationFunded"
	Event_OnPreimageRevealed EventType = "Event_OnPreimageRevealed"
	Event_OnHtlcSettled      EventType = "Event_OnHtlcSettled"
	Event_OnHtlcCanceled     EventType = "Event_OnHtlcCanceled"
)

// Outgoing swap states and events. An outgoing swap pays a Lightning invoice
// on behalf of a federation client against locked e-cash collateral.
const (
	State_Outgoing_Validate          StateType = "State_Outgoing_Validate"
	State_Outgoing_ConfirmCollateral StateType = "State_Outgoing_ConfirmCollateral"
	State_Outgoing_PayInvoice        StateType = "State_Outgoing_PayInvoice"
	State_Outgoing_ClaimFederation   StateType = "State_Outgoing_ClaimFederation"
	State_Outgoing_Settled           StateType = "State_Outgoing_Settled"
	State_Outgoing_RefundCollateral  StateType = "State_Outgoing_RefundCollateral"
	State_Outgoing_Refunded          StateType = "State_Outgoing_Refunded"
	State_Outgoing_PaymentUnknown    StateType = "State_Outgoing_PaymentUnknown"
	State_Outgoing_Reject            StateType = "State_Outgoing_Reject"
	State_Outgoing_Rejected          StateType = "State_Outgoing_Rejected"

	Event_OnPayContract         EventType = "Event_OnPayContract"
	Event_OnCollateralConfirmed EventType = "Event_OnCollateralConfirmed"
	Event_OnPaymentSucceeded    EventType = "Event_OnPaymentSucceeded"
	Event_OnPaymentFailed       EventType = "Event_OnPaymentFailed"
	Event_OnPaymentPending      EventType = "Event_OnPaymentPending"
	Event_OnClaimedFederation   EventType = "Event_OnClaimedFederation"
	Event_OnCollateralRefunded  EventType = "Event_OnCollateralRefunded"
	Event_OnRejected            EventType = "Event_OnRejected"
)

var finishedStates = map[StateType]struct{}{
	State_Incoming_Settled:  {},
	State_Incoming_Canceled: {},
	State_Incoming_Expired:  {},
	State_Outgoing_Settled:  {},
	State_Outgoing_Refunded: {},
	State_Outgoing_Rejected: {},
}

// IsFinishedState returns true if the state is terminal, i.e. the swap no
// longer holds a uniqueness slot in the registry and is not recovered on
// restart.
func IsFinishedState(state StateType) bool {
	_, ok := finishedStates[state]
	return ok
}
