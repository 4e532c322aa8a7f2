package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/elementsproject/glightning/jrpc2"
)

// Guardian api error codes. These are stable across federation versions and
// map onto the gateway's error taxonomy.
const (
	rpcCodeConsensusRejected = 1501
	rpcCodeInsufficientFunds = 1502
	rpcCodeContractNotFound  = 1404
)

// RpcClient talks to the api endpoint of a federation guardian and implements
// the contract operations the swap engines consume. All methods are safe to
// retry, the guardians deduplicate submissions by contract id.
type RpcClient struct {
	federationId string
	api          *api
}

func NewRpcClient(federationId, endpoint string) *RpcClient {
	return &RpcClient{
		federationId: federationId,
		api:          newAPI(endpoint),
	}
}

func (c *RpcClient) FederationId() string {
	return c.federationId
}

func (c *RpcClient) request(ctx context.Context, m jrpc2.Method, resp interface{}) error {
	id := c.api.nextID()
	mr := &jrpc2.Request{Id: id, Method: m}
	jbytes, err := json.Marshal(mr)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api.BaseURL, bytes.NewBuffer(jbytes))
	if err != nil {
		return err
	}
	rezp, err := c.api.call(req)
	if err != nil {
		// Transport level failure, the guardian could not be reached.
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer c.api.drain(rezp)
	if rezp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: guardian returned HTTP %d", ErrUnreachable, rezp.StatusCode)
	}

	var rawResp jrpc2.RawResponse
	decoder := json.NewDecoder(rezp.Body)
	err = decoder.Decode(&rawResp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if rawResp.Error != nil {
		return mapRpcError(rawResp.Error)
	}
	return json.Unmarshal(rawResp.Raw, resp)
}

func mapRpcError(rpcErr *jrpc2.RpcError) error {
	switch rpcErr.Code {
	case rpcCodeConsensusRejected:
		return fmt.Errorf("%w: %s", ErrConsensusRejected, rpcErr.Message)
	case rpcCodeInsufficientFunds:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, rpcErr.Message)
	case rpcCodeContractNotFound:
		return fmt.Errorf("%w: %s", ErrContractNotFound, rpcErr.Message)
	default:
		return errors.New(rpcErr.Message)
	}
}

type offerRequest struct {
	PaymentHash string `json:"payment_hash"`
	AmountMsat  uint64 `json:"amount_msat"`
	CltvExpiry  uint32 `json:"cltv_expiry"`
}

func (r *offerRequest) Name() string {
	return "offer"
}

type offerResponse struct {
	ContractId string `json:"contract_id"`
}

// FundIncoming registers with the federation that the gateway will release
// e-cash once the preimage for paymentHash is decrypted. It blocks until the
// consensus acknowledged the offer, not until full finality.
func (c *RpcClient) FundIncoming(ctx context.Context, paymentHash string, amountMsat uint64, cltvExpiry uint32) (string, error) {
	var resp offerResponse
	err := c.request(ctx, &offerRequest{
		PaymentHash: paymentHash,
		AmountMsat:  amountMsat,
		CltvExpiry:  cltvExpiry,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ContractId, nil
}

type waitPreimageRequest struct {
	ContractId string `json:"contract_id"`
}

func (r *waitPreimageRequest) Name() string {
	return "wait_preimage_decryption"
}

type waitPreimageResponse struct {
	Preimage string `json:"preimage"`
}

// AwaitPreimage blocks until the guardians decrypted the preimage of a funded
// incoming contract.
func (c *RpcClient) AwaitPreimage(ctx context.Context, contractId string) (string, error) {
	var resp waitPreimageResponse
	err := c.request(ctx, &waitPreimageRequest{ContractId: contractId}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Preimage, nil
}

type fetchContractRequest struct {
	ContractId string `json:"contract_id"`
}

func (r *fetchContractRequest) Name() string {
	return "fetch_outgoing_contract"
}

type fetchContractResponse struct {
	PaymentHash    string `json:"payment_hash"`
	Invoice        string `json:"invoice"`
	AmountMsat     uint64 `json:"amount_msat"`
	TimelockHeight uint32 `json:"timelock_height"`
}

// FetchOutgoingContract returns the decrypted view of an outgoing-payment
// contract a client asked the gateway to pay.
func (c *RpcClient) FetchOutgoingContract(ctx context.Context, contractId string) (*OutgoingContract, error) {
	var resp fetchContractResponse
	err := c.request(ctx, &fetchContractRequest{ContractId: contractId}, &resp)
	if err != nil {
		return nil, err
	}
	return &OutgoingContract{
		ContractId:     contractId,
		FederationId:   c.federationId,
		PaymentHash:    resp.PaymentHash,
		Invoice:        resp.Invoice,
		AmountMsat:     resp.AmountMsat,
		TimelockHeight: resp.TimelockHeight,
	}, nil
}

type fundOutgoingRequest struct {
	ContractId string `json:"contract_id"`
}

func (r *fundOutgoingRequest) Name() string {
	return "fund_outgoing"
}

type fundOutgoingResponse struct {
	EpochHeight uint64 `json:"epoch_height"`
}

// FundOutgoing confirms that the client collateral for an outgoing payment
// reached consensus and is locked to the gateway.
func (c *RpcClient) FundOutgoing(ctx context.Context, contractId string) (*FundingProof, error) {
	var resp fundOutgoingResponse
	err := c.request(ctx, &fundOutgoingRequest{ContractId: contractId}, &resp)
	if err != nil {
		return nil, err
	}
	return &FundingProof{ContractId: contractId, EpochHeight: resp.EpochHeight}, nil
}

type claimOutgoingRequest struct {
	ContractId string `json:"contract_id"`
	Preimage   string `json:"preimage"`
}

func (r *claimOutgoingRequest) Name() string {
	return "claim_outgoing"
}

type claimOutgoingResponse struct {
	TransactionId string `json:"txid"`
}

// ClaimOutgoing submits the preimage as proof of payment. The federation
// releases the locked collateral plus the gateway fee in exchange.
func (c *RpcClient) ClaimOutgoing(ctx context.Context, contractId, preimage string) error {
	var resp claimOutgoingResponse
	return c.request(ctx, &claimOutgoingRequest{
		ContractId: contractId,
		Preimage:   preimage,
	}, &resp)
}

type refundRequest struct {
	ContractId string `json:"contract_id"`
}

func (r *refundRequest) Name() string {
	return "refund"
}

type refundResponse struct {
	TransactionId string `json:"txid"`
}

// Refund returns locked e-cash to the client. Refunding a contract that was
// already refunded or never funded is accepted by the guardians and treated
// as a no-op.
func (c *RpcClient) Refund(ctx context.Context, contractId string) error {
	var resp refundResponse
	err := c.request(ctx, &refundRequest{ContractId: contractId}, &resp)
	if errors.Is(err, ErrContractNotFound) {
		return nil
	}
	return err
}

type listPayRequestsRequest struct{}

func (r *listPayRequestsRequest) Name() string {
	return "list_pay_requests"
}

type listPayRequestsResponse struct {
	ContractIds []string `json:"contract_ids"`
}

// PendingPayContracts returns the ids of funded outgoing contracts whose
// invoice the gateway did not pay yet. The poll loop picks these up.
func (c *RpcClient) PendingPayContracts(ctx context.Context) ([]string, error) {
	var resp listPayRequestsResponse
	if err := c.request(ctx, &listPayRequestsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.ContractIds, nil
}

type registerGatewayRequest struct {
	*Registration
}

func (r *registerGatewayRequest) Name() string {
	return "register_gateway"
}

type registerGatewayResponse struct{}

// Register announces the gateway to the federation so clients can discover
// it. Registrations expire and are re-submitted periodically.
func (c *RpcClient) Register(ctx context.Context, reg *Registration) error {
	var resp registerGatewayResponse
	reg.FederationId = c.federationId
	return c.request(ctx, &registerGatewayRequest{Registration: reg}, &resp)
}
