package clightning

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/elementsproject/glightning/glightning"
	"github.com/fedimint/lngateway/lightning"
	"github.com/fedimint/lngateway/log"
	"github.com/fedimint/lngateway/swap"
)

// failureCodeTemporary is WIRE_TEMPORARY_CHANNEL_FAILURE, the failure code we
// hand back to lightningd for htlcs we can not or will not swap.
const failureCodeTemporary uint16 = 0x1007

var _ swap.LightningClient = (*ClightningClient)(nil)

// htlcWaiter parks a blocked htlc_accepted hook call until the swap engine
// settles or cancels the htlc.
type htlcWaiter struct {
	done     chan struct{}
	settle   bool
	preimage string
}

// ClightningClient is the core lightning node adapter. It drives the plugin
// side of lightningd, intercepts htlcs routed to the virtual federation
// channels through the htlc_accepted hook and exposes the node rpc to the
// swap engine.
//
// Lightningd replays htlcs it has no final verdict for on startup, so the
// hook handler must be idempotent.
type ClightningClient struct {
	sync.Mutex

	glightning *glightning.Lightning
	Plugin     *glightning.Plugin

	swaps *swap.SwapService

	// gatewayScids is the set of virtual channel ids we intercept for,
	// keyed in cln style.
	gatewayScids map[string]bool

	// pending maps a payment hash to the parked hook calls carrying it.
	// Multi part payments park more than one.
	pending map[string][]*htlcWaiter

	ready bool

	initChan chan interface{}
	nodeId   string
	version  string
}

// NewClightningClient returns a new ClightningClient and a channel that is
// closed over once the plugin handshake with lightningd is done.
func NewClightningClient(ctx context.Context) (*ClightningClient, <-chan interface{}, error) {
	cl := &ClightningClient{
		gatewayScids: map[string]bool{},
		pending:      map[string][]*htlcWaiter{},
	}
	cl.Plugin = glightning.NewPlugin(cl.onInit)
	err := cl.Plugin.RegisterHooks(&glightning.Hooks{
		HtlcAccepted: cl.OnHtlcAccepted,
	})
	if err != nil {
		return nil, nil, err
	}
	cl.Plugin.SetDynamic(true)

	cl.glightning = glightning.NewLightning()

	cl.initChan = make(chan interface{})
	return cl, cl.initChan, nil
}

// onInit is called after lightningd finished the plugin handshake.
func (cl *ClightningClient) onInit(plugin *glightning.Plugin, options map[string]glightning.Option, config *glightning.Config) {
	cl.glightning.StartUp(config.RpcFile, config.LightningDir)

	getInfo, err := cl.glightning.GetInfo()
	if err != nil {
		log.Infof("getinfo err %v", err)
		os.Exit(1)
	}
	cl.nodeId = getInfo.Id
	cl.version = getInfo.Version
	cl.initChan <- true
}

// Start starts the plugin. Blocking call.
func (cl *ClightningClient) Start() error {
	return cl.Plugin.Start(os.Stdin, os.Stdout)
}

func (cl *ClightningClient) GetLightningRpc() *glightning.Lightning {
	return cl.glightning
}

// Version returns the core lightning version string.
func (cl *ClightningClient) Version() string {
	return cl.version
}

// SetupClients injects the swap service and the set of virtual channel scids
// to intercept for.
func (cl *ClightningClient) SetupClients(swaps *swap.SwapService, gatewayScids []string) {
	cl.Lock()
	defer cl.Unlock()
	cl.swaps = swaps
	for _, scid := range gatewayScids {
		cl.gatewayScids[lightning.Scid(scid).ClnStyle()] = true
	}
}

// SetReady marks the client ready to take htlcs. Htlcs to gateway channels
// that arrive earlier are failed back, lightningd replays held ones anyway.
func (cl *ClightningClient) SetReady() {
	cl.Lock()
	defer cl.Unlock()
	cl.ready = true
}

func (cl *ClightningClient) isReady() bool {
	cl.Lock()
	defer cl.Unlock()
	return cl.ready
}

// OnHtlcAccepted is the htlc_accepted hook handler. Htlcs that are not routed
// over a virtual federation channel are continued untouched. Gateway htlcs
// are held by parking the hook call until the swap engine resolves them with
// a settle or a cancel.
func (cl *ClightningClient) OnHtlcAccepted(event *glightning.HtlcAcceptedEvent) (*glightning.HtlcAcceptedResponse, error) {
	scid := event.Onion.ShortChannelId
	if scid == "" || !cl.isGatewayScid(scid) {
		return event.Continue(), nil
	}

	if !cl.isReady() {
		log.Infof("[ClightningClient] not ready, failing htlc %s", event.Htlc.PaymentHash)
		return event.Fail(failureCodeTemporary), nil
	}

	amtMsat, err := parseMsatString(event.Htlc.AmountMilliSatoshi)
	if err != nil {
		log.Infof("[ClightningClient] could not parse htlc amount %s: %v", event.Htlc.AmountMilliSatoshi, err)
		return event.Fail(failureCodeTemporary), nil
	}

	htlc := &swap.InterceptedHtlc{
		PaymentHash:  event.Htlc.PaymentHash,
		AmountMsat:   amtMsat,
		CltvExpiry:   uint32(event.Htlc.CltvExpiry),
		OutgoingScid: lightning.Scid(scid).ClnStyle(),
	}

	waiter := cl.addWaiter(htlc.PaymentHash)

	if err := cl.swaps.OnHtlcIntercepted(htlc); err != nil {
		log.Infof("[ClightningClient] swap failed for htlc %s: %v", htlc.PaymentHash, err)
		cl.removeWaiter(htlc.PaymentHash, waiter)
		return event.Fail(failureCodeTemporary), nil
	}

	// The swap may still be waiting on the federation. Keep the htlc held
	// until the engine resolves it.
	<-waiter.done
	if waiter.settle {
		return event.Resolve(waiter.preimage), nil
	}
	return event.Fail(failureCodeTemporary), nil
}

func (cl *ClightningClient) isGatewayScid(scid string) bool {
	cl.Lock()
	defer cl.Unlock()
	return cl.gatewayScids[lightning.Scid(scid).ClnStyle()]
}

func (cl *ClightningClient) addWaiter(paymentHash string) *htlcWaiter {
	cl.Lock()
	defer cl.Unlock()
	w := &htlcWaiter{done: make(chan struct{})}
	cl.pending[paymentHash] = append(cl.pending[paymentHash], w)
	return w
}

func (cl *ClightningClient) removeWaiter(paymentHash string, waiter *htlcWaiter) {
	cl.Lock()
	defer cl.Unlock()
	waiters := cl.pending[paymentHash]
	for i, w := range waiters {
		if w == waiter {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(cl.pending, paymentHash)
		return
	}
	cl.pending[paymentHash] = waiters
}

// takeWaiters removes and returns all parked hook calls for a payment hash.
func (cl *ClightningClient) takeWaiters(paymentHash string) []*htlcWaiter {
	cl.Lock()
	defer cl.Unlock()
	waiters := cl.pending[paymentHash]
	delete(cl.pending, paymentHash)
	return waiters
}

// SettleHtlc releases all held htlcs for the payment hash with the preimage.
// Settling a hash that is not held is a no-op, the call is idempotent.
func (cl *ClightningClient) SettleHtlc(ctx context.Context, paymentHash, preimage string) error {
	for _, w := range cl.takeWaiters(paymentHash) {
		w.settle = true
		w.preimage = preimage
		close(w.done)
	}
	return nil
}

// CancelHtlc fails all held htlcs for the payment hash back to the sender.
// Idempotent like SettleHtlc.
func (cl *ClightningClient) CancelHtlc(ctx context.Context, paymentHash string) error {
	for _, w := range cl.takeWaiters(paymentHash) {
		close(w.done)
	}
	return nil
}

// ListHeldHtlcs returns the payment hashes of all currently held htlcs.
func (cl *ClightningClient) ListHeldHtlcs(ctx context.Context) ([]string, error) {
	cl.Lock()
	defer cl.Unlock()
	var hashes []string
	for hash := range cl.pending {
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (cl *ClightningClient) GetBlockHeight(ctx context.Context) (uint32, error) {
	gi, err := cl.glightning.GetInfo()
	if err != nil {
		return 0, err
	}
	return uint32(gi.Blockheight), nil
}

func (cl *ClightningClient) GetNodeInfo(ctx context.Context) (*swap.NodeInfo, error) {
	gi, err := cl.glightning.GetInfo()
	if err != nil {
		return nil, err
	}
	return &swap.NodeInfo{
		Pubkey:      gi.Id,
		Alias:       gi.Alias,
		BlockHeight: uint32(gi.Blockheight),
	}, nil
}

func (cl *ClightningClient) DecodeInvoice(ctx context.Context, invoice string) (*lightning.Invoice, error) {
	decoded, err := cl.glightning.DecodeBolt11(invoice)
	if err != nil {
		return nil, err
	}
	return &lightning.Invoice{
		PaymentHash:        decoded.PaymentHash,
		AmountMsat:         decoded.MilliSatoshis,
		Description:        decoded.Description,
		MinFinalCltvExpiry: int64(decoded.MinFinalCltvExpiry),
	}, nil
}

// PayInvoice attempts the payment and blocks until lightningd reports a
// result or gives up retrying. A pay error does not prove the absence of an
// in-flight htlc, so errors map to a pending response and the caller has to
// resolve the attempt through QueryPaymentStatus.
func (cl *ClightningClient) PayInvoice(ctx context.Context, invoice string, maxFeeMsat uint64, timeoutSeconds uint64) (*swap.PaymentResponse, error) {
	decoded, err := cl.DecodeInvoice(ctx, invoice)
	if err != nil {
		return nil, err
	}
	// The pay command takes the fee bound as a percentage of the amount.
	maxFeePercent := float32(100)
	if decoded.AmountMsat > 0 {
		maxFeePercent = float32(maxFeeMsat) * 100 / float32(decoded.AmountMsat)
	}
	if maxFeePercent > 100 {
		maxFeePercent = 100
	}

	res, err := cl.glightning.Pay(&glightning.PayRequest{
		Bolt11:        invoice,
		MaxFeePercent: maxFeePercent,
		RetryFor:      uint(timeoutSeconds),
	})
	if err != nil {
		log.Debugf("[ClightningClient] pay returned: %v", err)
		return &swap.PaymentResponse{Status: swap.PaymentStatusPending}, nil
	}
	return &swap.PaymentResponse{
		Status:   swap.PaymentStatusSucceeded,
		Preimage: res.PaymentPreimage,
		FeeMsat:  res.MilliSatoshiSentRaw - res.AmountMilliSatoshiRaw,
	}, nil
}

// QueryPaymentStatus returns lightningd's authoritative view of a payment
// attempt. swap.ErrPaymentNotFound means the node has no record of the hash,
// i.e. no attempt ever left the node.
func (cl *ClightningClient) QueryPaymentStatus(ctx context.Context, paymentHash string) (*swap.PaymentResponse, error) {
	parts, err := cl.glightning.ListSendPaysByHash(paymentHash)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, swap.ErrPaymentNotFound
	}

	allFailed := true
	for _, part := range parts {
		switch part.Status {
		case "complete":
			return &swap.PaymentResponse{
				Status:   swap.PaymentStatusSucceeded,
				Preimage: part.PaymentPreimage,
				FeeMsat:  part.MilliSatoshiSentRaw - part.AmountMilliSatoshiRaw,
			}, nil
		case "failed":
		default:
			allFailed = false
		}
	}
	if allFailed {
		return &swap.PaymentResponse{
			Status:        swap.PaymentStatusFailed,
			FailureReason: "all payment parts failed",
		}, nil
	}
	return &swap.PaymentResponse{Status: swap.PaymentStatusPending}, nil
}

// parseMsatString parses cln amount strings of the form "1000msat".
func parseMsatString(amt string) (uint64, error) {
	if amt == "" {
		return 0, fmt.Errorf("empty amount")
	}
	return strconv.ParseUint(strings.TrimSuffix(amt, "msat"), 10, 64)
}

// GlightningLogger forwards gateway logs to the lightningd log.
type GlightningLogger struct {
	plugin *glightning.Plugin
}

func NewGlightningLogger(plugin *glightning.Plugin) *GlightningLogger {
	return &GlightningLogger{plugin: plugin}
}

func (l *GlightningLogger) Infof(format string, v ...interface{}) {
	l.plugin.Log(fmt.Sprintf(format, v...), glightning.Info)
}

func (l *GlightningLogger) Debugf(format string, v ...interface{}) {
	l.plugin.Log(fmt.Sprintf(format, v...), glightning.Debug)
}
