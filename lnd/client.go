package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fedimint/lngateway/lightning"
	"github.com/fedimint/lngateway/swap"
	"github.com/fedimint/lngateway/version"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// minLndVersion is the minimum lnd version with a stable htlc interceptor
// api.
const minLndVersion = "v0.16.0-beta"

// trackPaymentTimeout bounds a single status lookup. The payment itself may
// stay in flight far longer.
const trackPaymentTimeout = 30 * time.Second

var _ swap.LightningClient = (*Client)(nil)

// Client is the lnd node adapter. It fulfils the swap.LightningClient
// interface, htlc resolution is delegated to the HtlcInterceptor.
type Client struct {
	lndClient    lnrpc.LightningClient
	routerClient routerrpc.RouterClient

	interceptor *HtlcInterceptor

	cc  *grpc.ClientConn
	ctx context.Context

	pubkey string
}

func NewClient(ctx context.Context, cc *grpc.ClientConn, interceptor *HtlcInterceptor) (*Client, error) {
	lndClient := lnrpc.NewLightningClient(cc)
	routerClient := routerrpc.NewRouterClient(cc)

	gi, err := lndClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("unable to reach out to lnd for GetInfo(): %v", err)
	}

	// Strip the commit suffix before comparing.
	v := strings.Split(gi.Version, " ")[0]
	ok, err := version.CompareVersionStrings(v, minLndVersion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lnd version %s is below the minimum of %s", gi.Version, minLndVersion)
	}

	return &Client{
		lndClient:    lndClient,
		routerClient: routerClient,
		interceptor:  interceptor,
		cc:           cc,
		ctx:          ctx,
		pubkey:       gi.IdentityPubkey,
	}, nil
}

func (l *Client) GetBlockHeight(ctx context.Context) (uint32, error) {
	gi, err := l.lndClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return 0, err
	}
	return gi.BlockHeight, nil
}

func (l *Client) GetNodeInfo(ctx context.Context) (*swap.NodeInfo, error) {
	gi, err := l.lndClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, err
	}
	return &swap.NodeInfo{
		Pubkey:      gi.IdentityPubkey,
		Alias:       gi.Alias,
		BlockHeight: gi.BlockHeight,
	}, nil
}

func (l *Client) DecodeInvoice(ctx context.Context, invoice string) (*lightning.Invoice, error) {
	decoded, err := l.lndClient.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: invoice})
	if err != nil {
		return nil, err
	}
	return &lightning.Invoice{
		PaymentHash:        decoded.PaymentHash,
		AmountMsat:         uint64(decoded.NumMsat),
		Description:        decoded.Description,
		MinFinalCltvExpiry: decoded.CltvExpiry,
	}, nil
}

// PayInvoice attempts the payment and blocks until lnd reports a final state
// or the timeout elapsed. A broken stream or an elapsed timeout yields a
// pending response, the htlc may still settle later.
func (l *Client) PayInvoice(ctx context.Context, invoice string, maxFeeMsat uint64, timeoutSeconds uint64) (*swap.PaymentResponse, error) {
	payCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second+10*time.Second)
	defer cancel()

	stream, err := l.routerClient.SendPaymentV2(payCtx, &routerrpc.SendPaymentRequest{
		PaymentRequest: invoice,
		TimeoutSeconds: int32(timeoutSeconds),
		FeeLimitMsat:   int64(maxFeeMsat),
		MaxParts:       16,
	})
	if err != nil {
		// The attempt may not have reached lnd, but we can not be
		// sure.
		return &swap.PaymentResponse{Status: swap.PaymentStatusPending}, nil
	}

	for {
		p, err := stream.Recv()
		if err != nil {
			return &swap.PaymentResponse{Status: swap.PaymentStatusPending}, nil
		}
		switch p.Status {
		case lnrpc.Payment_SUCCEEDED:
			return &swap.PaymentResponse{
				Status:   swap.PaymentStatusSucceeded,
				Preimage: p.PaymentPreimage,
				FeeMsat:  uint64(p.FeeMsat),
			}, nil
		case lnrpc.Payment_FAILED:
			return &swap.PaymentResponse{
				Status:        swap.PaymentStatusFailed,
				FailureReason: p.FailureReason.String(),
			}, nil
		default:
			continue
		}
	}
}

// QueryPaymentStatus returns lnd's authoritative view of a payment attempt.
// swap.ErrPaymentNotFound means lnd has no record of the hash, i.e. no
// attempt ever left the node.
func (l *Client) QueryPaymentStatus(ctx context.Context, paymentHash string) (*swap.PaymentResponse, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, err
	}

	trackCtx, cancel := context.WithTimeout(ctx, trackPaymentTimeout)
	defer cancel()

	stream, err := l.routerClient.TrackPaymentV2(trackCtx, &routerrpc.TrackPaymentRequest{
		PaymentHash: hashBytes,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, swap.ErrPaymentNotFound
		}
		return nil, err
	}

	p, err := stream.Recv()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, swap.ErrPaymentNotFound
		}
		return nil, err
	}

	switch p.Status {
	case lnrpc.Payment_SUCCEEDED:
		return &swap.PaymentResponse{
			Status:   swap.PaymentStatusSucceeded,
			Preimage: p.PaymentPreimage,
			FeeMsat:  uint64(p.FeeMsat),
		}, nil
	case lnrpc.Payment_FAILED:
		return &swap.PaymentResponse{
			Status:        swap.PaymentStatusFailed,
			FailureReason: p.FailureReason.String(),
		}, nil
	default:
		return &swap.PaymentResponse{Status: swap.PaymentStatusPending}, nil
	}
}

func (l *Client) SettleHtlc(ctx context.Context, paymentHash, preimage string) error {
	return l.interceptor.Settle(ctx, paymentHash, preimage)
}

func (l *Client) CancelHtlc(ctx context.Context, paymentHash string) error {
	return l.interceptor.Fail(ctx, paymentHash)
}

func (l *Client) ListHeldHtlcs(ctx context.Context) ([]string, error) {
	return l.interceptor.ListHeld(ctx)
}
