package swap

import (
	"context"

	"github.com/fedimint/lngateway/federation"
	"github.com/fedimint/lngateway/lightning"
)

// InterceptedHtlc is the gateway's view of an htlc that was held by the node
// because its outgoing channel is one of the virtual federation channels.
type InterceptedHtlc struct {
	PaymentHash     string
	AmountMsat      uint64
	CltvExpiry      uint32
	IncomingChannel string
	// OutgoingScid is the short channel id of the virtual channel the
	// htlc was routed to. It selects the federation.
	OutgoingScid string
}

// PaymentStatus is the tri-state outcome of an outgoing payment attempt.
// Pending is a first-class outcome: the htlc is in flight and neither
// settling nor refunding the contract is safe yet.
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusPending   PaymentStatus = "pending"
)

// PaymentResponse is the result of PayInvoice or QueryPaymentStatus.
type PaymentResponse struct {
	Status        PaymentStatus
	Preimage      string
	FeeMsat       uint64
	FailureReason string
}

// NodeInfo describes the Lightning node the gateway is attached to.
type NodeInfo struct {
	Pubkey      string
	Alias       string
	BlockHeight uint32
}

// LightningClient is the node adapter interface the swap engines consume.
// Both the lnd grpc adapter and the cln plugin adapter implement it. All
// resolution methods are idempotent, resolving an htlc that is no longer
// held is a no-op.
type LightningClient interface {
	GetBlockHeight(ctx context.Context) (uint32, error)
	GetNodeInfo(ctx context.Context) (*NodeInfo, error)
	DecodeInvoice(ctx context.Context, invoice string) (*lightning.Invoice, error)
	// PayInvoice attempts the payment, spending at most maxFeeMsat on
	// routing fees, and blocks until it resolved or the timeout elapsed. A
	// timeout yields PaymentStatusPending, never an error, the htlc may
	// still settle later.
	PayInvoice(ctx context.Context, invoice string, maxFeeMsat uint64, timeoutSeconds uint64) (*PaymentResponse, error)
	// QueryPaymentStatus returns the node's authoritative view of a
	// previous payment attempt.
	QueryPaymentStatus(ctx context.Context, paymentHash string) (*PaymentResponse, error)
	SettleHtlc(ctx context.Context, paymentHash, preimage string) error
	CancelHtlc(ctx context.Context, paymentHash string) error
	// ListHeldHtlcs returns the payment hashes of all htlcs the node
	// currently holds for the gateway.
	ListHeldHtlcs(ctx context.Context) ([]string, error)
}

// FederationClient is the per-federation guardian api the swap engines
// consume.
type FederationClient interface {
	FederationId() string
	FundIncoming(ctx context.Context, paymentHash string, amountMsat uint64, cltvExpiry uint32) (string, error)
	AwaitPreimage(ctx context.Context, contractId string) (string, error)
	FetchOutgoingContract(ctx context.Context, contractId string) (*federation.OutgoingContract, error)
	FundOutgoing(ctx context.Context, contractId string) (*federation.FundingProof, error)
	ClaimOutgoing(ctx context.Context, contractId, preimage string) error
	Refund(ctx context.Context, contractId string) error
	Register(ctx context.Context, reg *federation.Registration) error
	// PendingPayContracts returns the ids of funded outgoing contracts
	// that wait for the gateway to pay their invoice.
	PendingPayContracts(ctx context.Context) ([]string, error)
}

// PolicyService is the subset of the policy the swap engines check against.
type PolicyService interface {
	GetSwapFeeMsat(amountMsat uint64) uint64
	GetFeeBaseMsat() uint64
	GetFeePpm() uint64
	GetCltvSafetyMargin() uint32
	GetFederationRetryBudget() int
	GetPaymentTimeoutSeconds() uint64
	IsFederationAllowed(federationId string) bool
	NewSwapsAllowed() bool
}

// SwapServices bundles all services the swap engines need.
type SwapServices struct {
	swapStore   Store
	lightning   LightningClient
	policy      PolicyService
	toService   timeOutService
	federations map[string]FederationClient
}

func NewSwapServices(
	swapStore Store,
	lightning LightningClient,
	policy PolicyService,
	federations map[string]FederationClient,
) *SwapServices {
	return &SwapServices{
		swapStore:   swapStore,
		lightning:   lightning,
		policy:      policy,
		toService:   newTimeOutService(),
		federations: federations,
	}
}

func (s *SwapServices) getFederationClient(federationId string) (FederationClient, error) {
	client, ok := s.federations[federationId]
	if !ok {
		return nil, federation.UnknownFederationError(federationId)
	}
	return client, nil
}
