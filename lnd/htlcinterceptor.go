package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/fedimint/lngateway/lightning"
	"github.com/fedimint/lngateway/log"
	"github.com/fedimint/lngateway/swap"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"google.golang.org/grpc"
)

// HtlcInterceptor subscribes to the htlc interceptor stream of lnd and holds
// every htlc that is routed to one of the virtual federation channels. Held
// htlcs are handed to the handler and stay held until they are settled or
// failed through the resolution methods.
//
// Lnd replays all held htlcs on a fresh interceptor stream, so the handler is
// called again for htlcs that were held across a restart.
type HtlcInterceptor struct {
	sync.Mutex
	wg sync.WaitGroup

	routerClient routerrpc.RouterClient

	// gatewayScids is the set of virtual channel ids we intercept for,
	// keyed in cln style.
	gatewayScids map[string]bool

	handler func(htlc *swap.InterceptedHtlc) error

	// pending maps a payment hash to the circuit keys of the held htlcs
	// carrying it. Multi part payments hold more than one.
	pending map[string][]*routerrpc.CircuitKey

	stream routerrpc.Router_HtlcInterceptorClient

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHtlcInterceptor(ctx context.Context, cc *grpc.ClientConn, gatewayScids []string) *HtlcInterceptor {
	scids := make(map[string]bool)
	for _, scid := range gatewayScids {
		scids[lightning.Scid(scid).ClnStyle()] = true
	}

	ctx, cancel := context.WithCancel(ctx)
	return &HtlcInterceptor{
		routerClient: routerrpc.NewRouterClient(cc),
		gatewayScids: scids,
		pending:      map[string][]*routerrpc.CircuitKey{},
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (h *HtlcInterceptor) AddHandler(f func(htlc *swap.InterceptedHtlc) error) {
	h.Lock()
	defer h.Unlock()
	h.handler = f
}

// Start opens the interceptor stream and listens on it until the context is
// canceled. A broken stream is reopened, lnd replays the held htlcs on the
// new stream.
func (h *HtlcInterceptor) Start() error {
	stream, err := h.routerClient.HtlcInterceptor(h.ctx)
	if err != nil {
		return err
	}
	h.setStream(stream)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			err := h.listen()
			if h.ctx.Err() != nil {
				return
			}
			log.Infof("[HtlcInterceptor] stream closed: %v, reopening", err)

			stream, err := h.routerClient.HtlcInterceptor(h.ctx)
			if err != nil {
				log.Infof("[HtlcInterceptor] could not reopen stream: %v", err)
				return
			}
			h.setStream(stream)
		}
	}()
	return nil
}

func (h *HtlcInterceptor) Stop() error {
	h.cancel()
	h.wg.Wait()
	return nil
}

func (h *HtlcInterceptor) setStream(stream routerrpc.Router_HtlcInterceptorClient) {
	h.Lock()
	defer h.Unlock()
	h.stream = stream
	// Held htlcs are replayed on the new stream and re-added as they
	// come in.
	h.pending = map[string][]*routerrpc.CircuitKey{}
}

func (h *HtlcInterceptor) listen() error {
	for {
		req, err := h.stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		outgoingScid := scidFromChanId(req.OutgoingRequestedChanId)
		if !h.gatewayScids[outgoingScid] {
			// Not ours, let the node forward it.
			h.resolve(&routerrpc.ForwardHtlcInterceptResponse{
				IncomingCircuitKey: req.IncomingCircuitKey,
				Action:             routerrpc.ResolveHoldForwardAction_RESUME,
			})
			continue
		}

		paymentHash := hex.EncodeToString(req.PaymentHash)
		circuitKey := req.IncomingCircuitKey
		h.addPending(paymentHash, circuitKey)

		htlc := &swap.InterceptedHtlc{
			PaymentHash:     paymentHash,
			AmountMsat:      req.OutgoingAmountMsat,
			CltvExpiry:      req.IncomingExpiry,
			IncomingChannel: scidFromChanId(circuitKey.ChanId),
			OutgoingScid:    outgoingScid,
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			handler := h.getHandler()
			if handler == nil {
				log.Infof("[HtlcInterceptor] no handler set, failing htlc %s", htlc.PaymentHash)
				h.failCircuit(htlc.PaymentHash, circuitKey)
				return
			}
			if err := handler(htlc); err != nil {
				// Only the htlc that triggered the handler is failed.
				// Other parts held for the same hash may still be
				// resolved by the swap that owns it.
				log.Infof("[HtlcInterceptor] handler failed for htlc %s: %v", htlc.PaymentHash, err)
				h.failCircuit(htlc.PaymentHash, circuitKey)
			}
		}()
	}
}

func (h *HtlcInterceptor) getHandler() func(htlc *swap.InterceptedHtlc) error {
	h.Lock()
	defer h.Unlock()
	return h.handler
}

func (h *HtlcInterceptor) addPending(paymentHash string, key *routerrpc.CircuitKey) {
	h.Lock()
	defer h.Unlock()
	for _, k := range h.pending[paymentHash] {
		if k.ChanId == key.ChanId && k.HtlcId == key.HtlcId {
			return
		}
	}
	h.pending[paymentHash] = append(h.pending[paymentHash], key)
}

// takePending removes and returns the held circuit keys for a payment hash.
func (h *HtlcInterceptor) takePending(paymentHash string) []*routerrpc.CircuitKey {
	h.Lock()
	defer h.Unlock()
	keys := h.pending[paymentHash]
	delete(h.pending, paymentHash)
	return keys
}

// removePending drops a single circuit key from the held set of a payment
// hash. Returns false if the key was not held.
func (h *HtlcInterceptor) removePending(paymentHash string, key *routerrpc.CircuitKey) bool {
	h.Lock()
	defer h.Unlock()
	keys := h.pending[paymentHash]
	for i, k := range keys {
		if k.ChanId == key.ChanId && k.HtlcId == key.HtlcId {
			keys = append(keys[:i], keys[i+1:]...)
			if len(keys) == 0 {
				delete(h.pending, paymentHash)
			} else {
				h.pending[paymentHash] = keys
			}
			return true
		}
	}
	return false
}

// failCircuit gives a single held htlc back to the node to be failed
// upstream, leaving other htlcs held for the same payment hash untouched.
func (h *HtlcInterceptor) failCircuit(paymentHash string, key *routerrpc.CircuitKey) {
	if !h.removePending(paymentHash, key) {
		return
	}
	h.resolve(&routerrpc.ForwardHtlcInterceptResponse{
		IncomingCircuitKey: key,
		Action:             routerrpc.ResolveHoldForwardAction_FAIL,
		FailureCode:        lnrpc.Failure_TEMPORARY_CHANNEL_FAILURE,
	})
}

func (h *HtlcInterceptor) resolve(res *routerrpc.ForwardHtlcInterceptResponse) {
	h.Lock()
	defer h.Unlock()
	if h.stream == nil {
		return
	}
	if err := h.stream.Send(res); err != nil {
		log.Infof("[HtlcInterceptor] could not send resolution: %v", err)
	}
}

// Settle claims all held htlcs for the payment hash with the preimage.
// Settling a hash that is not held is a no-op, the call is idempotent.
func (h *HtlcInterceptor) Settle(ctx context.Context, paymentHash, preimage string) error {
	preimageBytes, err := hex.DecodeString(preimage)
	if err != nil {
		return fmt.Errorf("invalid preimage %s: %v", preimage, err)
	}
	for _, key := range h.takePending(paymentHash) {
		h.resolve(&routerrpc.ForwardHtlcInterceptResponse{
			IncomingCircuitKey: key,
			Action:             routerrpc.ResolveHoldForwardAction_SETTLE,
			Preimage:           preimageBytes,
		})
	}
	return nil
}

// Fail gives all held htlcs for the payment hash back to the node to be
// failed upstream. Idempotent like Settle.
func (h *HtlcInterceptor) Fail(ctx context.Context, paymentHash string) error {
	for _, key := range h.takePending(paymentHash) {
		h.resolve(&routerrpc.ForwardHtlcInterceptResponse{
			IncomingCircuitKey: key,
			Action:             routerrpc.ResolveHoldForwardAction_FAIL,
			FailureCode:        lnrpc.Failure_TEMPORARY_CHANNEL_FAILURE,
		})
	}
	return nil
}

// ListHeld returns the payment hashes of all currently held htlcs.
func (h *HtlcInterceptor) ListHeld(ctx context.Context) ([]string, error) {
	h.Lock()
	defer h.Unlock()
	var hashes []string
	for hash := range h.pending {
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func scidFromChanId(chanId uint64) string {
	return lightning.Scid(lnwire.NewShortChanIDFromInt(chanId).String()).ClnStyle()
}
