package swap

import (
	"context"
	"sync"

	"github.com/fedimint/lngateway/federation"
	"github.com/fedimint/lngateway/lightning"
	"github.com/fedimint/lngateway/policy"
)

type queryResult struct {
	res *PaymentResponse
	err error
}

type dummyLightning struct {
	sync.Mutex

	blockHeight uint32
	invoices    map[string]*lightning.Invoice

	payResult     *PaymentResponse
	payErr        error
	payCalls      int
	payMaxFeeMsat uint64

	// queryResults are returned in order, an empty queue yields
	// ErrPaymentNotFound.
	queryResults []queryResult

	heldHtlcs []string

	settled  map[string]string
	canceled map[string]bool
}

func newDummyLightning(blockHeight uint32) *dummyLightning {
	return &dummyLightning{
		blockHeight: blockHeight,
		invoices:    map[string]*lightning.Invoice{},
		settled:     map[string]string{},
		canceled:    map[string]bool{},
	}
}

func (d *dummyLightning) GetBlockHeight(ctx context.Context) (uint32, error) {
	return d.blockHeight, nil
}

func (d *dummyLightning) GetNodeInfo(ctx context.Context) (*NodeInfo, error) {
	return &NodeInfo{Pubkey: "02abcdef", Alias: "gateway", BlockHeight: d.blockHeight}, nil
}

func (d *dummyLightning) DecodeInvoice(ctx context.Context, invoice string) (*lightning.Invoice, error) {
	d.Lock()
	defer d.Unlock()
	if inv, ok := d.invoices[invoice]; ok {
		return inv, nil
	}
	return nil, ErrPaymentNotFound
}

func (d *dummyLightning) PayInvoice(ctx context.Context, invoice string, maxFeeMsat uint64, timeoutSeconds uint64) (*PaymentResponse, error) {
	d.Lock()
	defer d.Unlock()
	d.payCalls++
	d.payMaxFeeMsat = maxFeeMsat
	if d.payErr != nil {
		return nil, d.payErr
	}
	return d.payResult, nil
}

func (d *dummyLightning) QueryPaymentStatus(ctx context.Context, paymentHash string) (*PaymentResponse, error) {
	d.Lock()
	defer d.Unlock()
	if len(d.queryResults) == 0 {
		return nil, ErrPaymentNotFound
	}
	next := d.queryResults[0]
	d.queryResults = d.queryResults[1:]
	return next.res, next.err
}

func (d *dummyLightning) SettleHtlc(ctx context.Context, paymentHash, preimage string) error {
	d.Lock()
	defer d.Unlock()
	d.settled[paymentHash] = preimage
	return nil
}

func (d *dummyLightning) CancelHtlc(ctx context.Context, paymentHash string) error {
	d.Lock()
	defer d.Unlock()
	d.canceled[paymentHash] = true
	return nil
}

func (d *dummyLightning) ListHeldHtlcs(ctx context.Context) ([]string, error) {
	return d.heldHtlcs, nil
}

type dummyFederation struct {
	sync.Mutex

	id string

	contractId string
	fundErr    error
	fundCalls  int
	fundedMsat uint64
	fundedHash string
	fundedCltv uint32

	preimage string
	awaitErr error
	// awaitCh blocks AwaitPreimage until a preimage is sent, if set.
	awaitCh chan string

	outgoing   *federation.OutgoingContract
	fetchErr   error
	fundOutErr error

	claimed  map[string]string
	claimErr error

	refunded  map[string]bool
	refundErr error

	registered []*federation.Registration

	pendingPay    []string
	pendingPayErr error
}

func newDummyFederation(id string) *dummyFederation {
	return &dummyFederation{
		id:       id,
		claimed:  map[string]string{},
		refunded: map[string]bool{},
	}
}

func (d *dummyFederation) FederationId() string {
	return d.id
}

func (d *dummyFederation) FundIncoming(ctx context.Context, paymentHash string, amountMsat uint64, cltvExpiry uint32) (string, error) {
	d.Lock()
	defer d.Unlock()
	d.fundCalls++
	if d.fundErr != nil {
		return "", d.fundErr
	}
	d.fundedHash = paymentHash
	d.fundedMsat = amountMsat
	d.fundedCltv = cltvExpiry
	return d.contractId, nil
}

func (d *dummyFederation) AwaitPreimage(ctx context.Context, contractId string) (string, error) {
	if d.awaitCh != nil {
		select {
		case preimage := <-d.awaitCh:
			return preimage, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	d.Lock()
	defer d.Unlock()
	if d.awaitErr != nil {
		return "", d.awaitErr
	}
	return d.preimage, nil
}

func (d *dummyFederation) FetchOutgoingContract(ctx context.Context, contractId string) (*federation.OutgoingContract, error) {
	d.Lock()
	defer d.Unlock()
	if d.fetchErr != nil {
		return nil, d.fetchErr
	}
	return d.outgoing, nil
}

func (d *dummyFederation) FundOutgoing(ctx context.Context, contractId string) (*federation.FundingProof, error) {
	d.Lock()
	defer d.Unlock()
	if d.fundOutErr != nil {
		return nil, d.fundOutErr
	}
	return &federation.FundingProof{ContractId: contractId, EpochHeight: 1}, nil
}

func (d *dummyFederation) ClaimOutgoing(ctx context.Context, contractId, preimage string) error {
	d.Lock()
	defer d.Unlock()
	if d.claimErr != nil {
		return d.claimErr
	}
	d.claimed[contractId] = preimage
	return nil
}

func (d *dummyFederation) Refund(ctx context.Context, contractId string) error {
	d.Lock()
	defer d.Unlock()
	if d.refundErr != nil {
		return d.refundErr
	}
	d.refunded[contractId] = true
	return nil
}

func (d *dummyFederation) PendingPayContracts(ctx context.Context) ([]string, error) {
	d.Lock()
	defer d.Unlock()
	if d.pendingPayErr != nil {
		return nil, d.pendingPayErr
	}
	return d.pendingPay, nil
}

func (d *dummyFederation) Register(ctx context.Context, reg *federation.Registration) error {
	d.Lock()
	defer d.Unlock()
	reg.FederationId = d.id
	d.registered = append(d.registered, reg)
	return nil
}

func getTestPolicy() *policy.Policy {
	p := policy.DefaultPolicy()
	p.AcceptAllFederations = true
	return p
}

func getTestServices(lc *dummyLightning, fed *dummyFederation) *SwapServices {
	services := NewSwapServices(
		newInMemStore(),
		lc,
		getTestPolicy(),
		map[string]FederationClient{fed.id: fed},
	)
	services.toService = &timeOutDummy{}
	return services
}

// getTestPreimage returns a random preimage and its payment hash as hex
// strings.
func getTestPreimage() (string, string) {
	preimage, _ := lightning.GetPreimage()
	hash := preimage.Hash()
	return preimage.String(), hash.String()
}
