package clightning

import (
	"errors"
	"sort"

	"github.com/elementsproject/glightning/glightning"
	"github.com/elementsproject/glightning/jrpc2"
)

// ListSwaps returns all swaps of the gateway, oldest first.
type ListSwaps struct {
	cl *ClightningClient `json:"-"`
}

func (l *ListSwaps) New() interface{} {
	return &ListSwaps{
		cl: l.cl,
	}
}

func (l *ListSwaps) Name() string {
	return "lngateway-listswaps"
}

func (l *ListSwaps) Call() (jrpc2.Result, error) {
	swaps, err := l.cl.swaps.ListSwaps()
	if err != nil {
		return nil, err
	}
	sort.Slice(swaps, func(i, j int) bool {
		return swaps[i].CreatedAt < swaps[j].CreatedAt
	})
	return swaps, nil
}

// GetSwap returns a single swap by its id.
type GetSwap struct {
	SwapId string `json:"swap_id"`

	cl *ClightningClient `json:"-"`
}

func (g *GetSwap) New() interface{} {
	return &GetSwap{
		cl: g.cl,
	}
}

func (g *GetSwap) Name() string {
	return "lngateway-getswap"
}

func (g *GetSwap) Call() (jrpc2.Result, error) {
	if g.SwapId == "" {
		return nil, errors.New("missing required swap_id parameter")
	}
	swap, err := g.cl.swaps.GetSwap(g.SwapId)
	if err != nil {
		return nil, err
	}
	return swap, nil
}

// PayContract starts an outgoing swap for a funded pay request. The swap runs
// in the background, the returned record can be polled with lngateway-getswap.
type PayContract struct {
	FederationId string `json:"federation_id"`
	ContractId   string `json:"contract_id"`

	cl *ClightningClient `json:"-"`
}

func (p *PayContract) New() interface{} {
	return &PayContract{
		cl: p.cl,
	}
}

func (p *PayContract) Name() string {
	return "lngateway-paycontract"
}

func (p *PayContract) Call() (jrpc2.Result, error) {
	if p.FederationId == "" {
		return nil, errors.New("missing required federation_id parameter")
	}
	if p.ContractId == "" {
		return nil, errors.New("missing required contract_id parameter")
	}
	swap, err := p.cl.swaps.OnPayContract(p.FederationId, p.ContractId)
	if err != nil {
		return nil, err
	}
	return swap, nil
}

// RegisterMethods registers the gateway rpc methods to core lightning.
func (cl *ClightningClient) RegisterMethods() error {
	listSwaps := glightning.NewRpcMethod(&ListSwaps{
		cl: cl,
	}, "list gateway swaps")
	listSwaps.Category = "lngateway"
	err := cl.Plugin.RegisterMethod(listSwaps)
	if err != nil {
		return err
	}

	getSwap := glightning.NewRpcMethod(&GetSwap{
		cl: cl,
	}, "get a gateway swap by id")
	getSwap.Category = "lngateway"
	err = cl.Plugin.RegisterMethod(getSwap)
	if err != nil {
		return err
	}

	payContract := glightning.NewRpcMethod(&PayContract{
		cl: cl,
	}, "pay the invoice locked in an outgoing contract")
	payContract.Category = "lngateway"
	err = cl.Plugin.RegisterMethod(payContract)
	if err != nil {
		return err
	}
	return nil
}
