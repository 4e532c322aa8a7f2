package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fedimint/lngateway/federation"
	"github.com/fedimint/lngateway/log"
)

// SwapService contains the logic for swaps. It deduplicates incoming
// requests, routes intercepted htlcs to the federation of their virtual
// channel and drives the swap state machines.
type SwapService struct {
	swapServices *SwapServices

	activeSwaps map[string]*SwapStateMachine

	// scidToFederation maps the short channel id of a virtual federation
	// channel to the federation id it belongs to.
	scidToFederation map[string]string

	ctx context.Context

	sync.RWMutex
}

func NewSwapService(ctx context.Context, services *SwapServices, scidToFederation map[string]string) *SwapService {
	return &SwapService{
		swapServices:     services,
		activeSwaps:      map[string]*SwapStateMachine{},
		scidToFederation: scidToFederation,
		ctx:              ctx,
	}
}

// OnHtlcIntercepted handles an htlc the node held for the gateway. It blocks
// until the swap resolved or parked, node adapters call it from a per-htlc
// goroutine.
//
// The method is idempotent per payment hash. Nodes replay held htlcs after a
// restart, a replayed htlc is resolved from the stored swap instead of
// starting a second one.
func (s *SwapService) OnHtlcIntercepted(htlc *InterceptedHtlc) error {
	federationId, ok := s.scidToFederation[htlc.OutgoingScid]
	if !ok {
		return fmt.Errorf("no federation behind channel %s", htlc.OutgoingScid)
	}

	stored, err := s.swapServices.swapStore.GetByKey(SWAPDIR_IN, htlc.PaymentHash)
	if err == nil {
		return s.resolveReplayedHtlc(stored, htlc)
	}
	if err != ErrDoesNotExist {
		return err
	}

	swap := newIncomingSwapFSM(s.swapServices)
	s.addActiveSwap(swap)
	defer s.removeActiveSwap(swap.Id)

	done, err := swap.SendEvent(Event_OnHtlcIntercepted, &CreateIncomingSwapContext{
		FederationId: federationId,
		Htlc:         htlc,
	})
	if err == ErrAlreadyExists {
		// Lost the registry race against a concurrent event for the
		// same payment hash, resolve against the swap that won.
		stored, serr := s.swapServices.swapStore.GetByKey(SWAPDIR_IN, htlc.PaymentHash)
		if serr != nil {
			return serr
		}
		return s.resolveReplayedHtlc(stored, htlc)
	}
	if err != nil {
		return err
	}
	if !done {
		s.watchDeadline(swap)
	}
	return nil
}

// resolveReplayedHtlc resolves a replayed htlc against the stored swap that
// already owns its payment hash. Resolution calls on the node are idempotent.
func (s *SwapService) resolveReplayedHtlc(stored *SwapStateMachine, htlc *InterceptedHtlc) error {
	log.Debugf("htlc %s replayed, swap %s in state %s", htlc.PaymentHash, stored.Id, stored.Current)
	if stored.Data.Preimage != "" {
		return s.swapServices.lightning.SettleHtlc(s.ctx, htlc.PaymentHash, stored.Data.Preimage)
	}
	switch stored.Current {
	case State_Incoming_CancelHtlc, State_Incoming_Canceled, State_Incoming_Expired:
		return s.swapServices.lightning.CancelHtlc(s.ctx, htlc.PaymentHash)
	}
	// The swap is still in flight, it resolves the htlc once it knows the
	// outcome.
	return nil
}

// OnPayContract handles a request to pay the invoice locked in an outgoing
// contract. If a swap for the contract already exists its record is returned
// instead of starting a second one. The swap itself runs in the background,
// callers poll GetSwap for the outcome.
func (s *SwapService) OnPayContract(federationId, contractId string) (*SwapData, error) {
	stored, err := s.swapServices.swapStore.GetByKey(SWAPDIR_OUT, contractId)
	if err == nil {
		return stored.Data, nil
	}
	if err != ErrDoesNotExist {
		return nil, err
	}

	swap := newOutgoingSwapFSM(s.swapServices)
	s.addActiveSwap(swap)

	go func() {
		defer s.removeActiveSwap(swap.Id)
		done, err := swap.SendEvent(Event_OnPayContract, &CreateOutgoingSwapContext{
			FederationId: federationId,
			ContractId:   contractId,
		})
		if err == ErrAlreadyExists {
			// Lost the registry race against a concurrent request
			// for the same contract, the swap that won runs it.
			return
		}
		if err != nil {
			log.Infof("swap %s: %v", swap.Id, err)
			return
		}
		if !done {
			s.watchDeadline(swap)
		}
	}()

	return swap.Data, nil
}

// RecoverSwaps continues all swaps that were active when the gateway shut
// down. Incoming swaps that did not fund the federation yet and whose htlc is
// no longer held by the node cannot succeed anymore and are failed closed.
func (s *SwapService) RecoverSwaps() error {
	swaps, err := s.swapServices.swapStore.ListActive()
	if err != nil {
		return err
	}
	if len(swaps) == 0 {
		return nil
	}

	held := map[string]struct{}{}
	heldHashes, err := s.swapServices.lightning.ListHeldHtlcs(s.ctx)
	if err != nil {
		return err
	}
	for _, hash := range heldHashes {
		held[hash] = struct{}{}
	}

	for _, stored := range swaps {
		var swap *SwapStateMachine
		switch stored.Direction {
		case SWAPDIR_IN:
			swap = incomingSwapFromStore(stored, s.swapServices)
		case SWAPDIR_OUT:
			swap = outgoingSwapFromStore(stored, s.swapServices)
		default:
			log.Infof("skipping swap %s with unknown direction %s", stored.Id, stored.Direction)
			continue
		}

		s.addActiveSwap(swap)
		go s.recoverSwap(swap, held)
	}
	return nil
}

func (s *SwapService) recoverSwap(swap *SwapStateMachine, held map[string]struct{}) {
	defer s.removeActiveSwap(swap.Id)

	if swap.Direction == SWAPDIR_IN && preFunding(swap.Current) {
		if _, ok := held[swap.Data.PaymentHash]; !ok {
			// The htlc is gone, nothing left to settle.
			log.Infof("swap %s: htlc no longer held, failing closed", swap.Id)
			if _, err := swap.SendEvent(Event_OnTimeout, nil); err != nil {
				log.Infof("swap %s: %v", swap.Id, err)
			}
			return
		}
	}

	done, err := swap.Recover()
	if err != nil {
		log.Infof("swap %s recovery: %v", swap.Id, err)
		return
	}
	if !done {
		s.watchDeadline(swap)
	}
}

// preFunding returns true for incoming states in which the federation
// contract is not funded yet.
func preFunding(state StateType) bool {
	switch state {
	case State_Incoming_Validate, State_Incoming_FundFederation:
		return true
	}
	return false
}

// swapRepollInterval bounds how long a parked swap sits between two attempts
// to move it forward.
const swapRepollInterval = time.Minute

// watchDeadline arms the timer for a parked swap. The timer fires at the
// deadline or after the re-poll interval, whichever comes first, so a parked
// swap in a state that never times out is still picked up again.
func (s *SwapService) watchDeadline(swap *SwapStateMachine) {
	if swap.IsFinished() {
		return
	}
	d := swapRepollInterval
	if swap.Data.NextDeadline != 0 {
		if until := time.Until(time.Unix(swap.Data.NextDeadline, 0)); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	id := swap.Id
	s.swapServices.toService.addNewTimeOut(s.ctx, d, func() {
		s.onTimeout(id)
	})
}

func (s *SwapService) onTimeout(swapId string) {
	swap, err := s.getActiveSwap(swapId)
	if err != nil {
		// The swap may be parked without a running handler, pick it
		// up from the registry.
		stored, err := s.swapServices.swapStore.GetById(swapId)
		if err != nil || IsFinishedState(stored.Current) {
			return
		}
		switch stored.Direction {
		case SWAPDIR_IN:
			swap = incomingSwapFromStore(stored, s.swapServices)
		case SWAPDIR_OUT:
			swap = outgoingSwapFromStore(stored, s.swapServices)
		default:
			return
		}
	}

	if swap.Data.NextDeadline != 0 && !time.Now().Before(time.Unix(swap.Data.NextDeadline, 0)) {
		done, err := swap.SendEvent(Event_OnTimeout, nil)
		if err == nil {
			if !done {
				s.watchDeadline(swap)
			}
			return
		}
		if err != ErrEventRejected {
			log.Infof("swap %s timeout: %v", swapId, err)
			return
		}
		// The state does not time out, e.g. an unresolved payment.
		// Fall through and re-run its action instead.
	}

	log.Infof("swap %s: re-polling state %s", swapId, swap.Current)
	done, err := swap.Recover()
	if err != nil {
		log.Infof("swap %s re-poll: %v", swapId, err)
		return
	}
	if !done {
		s.watchDeadline(swap)
	}
}

// RegisterWithFederations announces the gateway to all served federations so
// clients can discover it. Registrations expire, the registration loop
// re-submits them periodically.
func (s *SwapService) RegisterWithFederations(validUntil time.Duration) error {
	info, err := s.swapServices.lightning.GetNodeInfo(s.ctx)
	if err != nil {
		return err
	}

	hints := map[string][]federation.RouteHint{}
	for scid, federationId := range s.scidToFederation {
		hints[federationId] = append(hints[federationId], federation.RouteHint{
			Scid:        scid,
			NodeId:      info.Pubkey,
			BaseFeeMsat: s.swapServices.policy.GetFeeBaseMsat(),
			FeePpm:      s.swapServices.policy.GetFeePpm(),
			CltvDelta:   s.swapServices.policy.GetCltvSafetyMargin(),
		})
	}

	for federationId, client := range s.swapServices.federations {
		reg := &federation.Registration{
			NodePubkey:  info.Pubkey,
			Alias:       info.Alias,
			FeeBaseMsat: s.swapServices.policy.GetFeeBaseMsat(),
			FeePpm:      s.swapServices.policy.GetFeePpm(),
			RouteHints:  hints[federationId],
			ValidUntil:  time.Now().Add(validUntil).Unix(),
		}
		if err := client.Register(s.ctx, reg); err != nil {
			log.Infof("could not register with federation %s: %v", federationId, err)
			continue
		}
		log.Infof("registered with federation %s", federationId)
	}
	return nil
}

// StartRegistrationLoop re-registers with all federations until the context
// is canceled. Registrations are valid for twice the interval so a single
// missed round does not drop the gateway from the federation's directory.
func (s *SwapService) StartRegistrationLoop(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := s.RegisterWithFederations(2 * interval); err != nil {
				log.Infof("federation registration round failed: %v", err)
			}
			select {
			case <-ticker.C:
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// StartContractPollLoop polls all federations for funded outgoing contracts
// until the context is canceled. Clients fund a pay request on the federation
// and rely on the gateway to notice it, the poll is the trigger for those.
func (s *SwapService) StartContractPollLoop(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.pollPayContracts()
			select {
			case <-ticker.C:
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// pollPayContracts starts a swap for every pending outgoing contract that
// does not have one yet. OnPayContract deduplicates by contract id, so
// picking up a contract twice is harmless.
func (s *SwapService) pollPayContracts() {
	for federationId, client := range s.swapServices.federations {
		contractIds, err := client.PendingPayContracts(s.ctx)
		if err != nil {
			log.Debugf("could not poll federation %s for contracts: %v", federationId, err)
			continue
		}
		for _, contractId := range contractIds {
			if _, err := s.OnPayContract(federationId, contractId); err != nil {
				log.Infof("contract %s on federation %s: %v", contractId, federationId, err)
			}
		}
	}
}

// ListSwaps returns all swap records, active and finished.
func (s *SwapService) ListSwaps() ([]*SwapData, error) {
	swaps, err := s.swapServices.swapStore.ListAll()
	if err != nil {
		return nil, err
	}
	var data []*SwapData
	for _, swap := range swaps {
		data = append(data, swap.Data)
	}
	return data, nil
}

// GetSwap returns the swap record for the given id.
func (s *SwapService) GetSwap(swapId string) (*SwapData, error) {
	if swap, err := s.getActiveSwap(swapId); err == nil {
		return swap.Data, nil
	}
	swap, err := s.swapServices.swapStore.GetById(swapId)
	if err != nil {
		return nil, err
	}
	return swap.Data, nil
}

// HasActiveSwaps returns true if there are active swaps. The version gate
// refuses an upgrade while swaps are in flight.
func (s *SwapService) HasActiveSwaps() (bool, error) {
	swaps, err := s.swapServices.swapStore.ListActive()
	if err != nil {
		return false, err
	}
	return len(swaps) > 0, nil
}

func (s *SwapService) addActiveSwap(swap *SwapStateMachine) {
	s.Lock()
	defer s.Unlock()
	s.activeSwaps[swap.Id] = swap
}

func (s *SwapService) getActiveSwap(swapId string) (*SwapStateMachine, error) {
	s.RLock()
	defer s.RUnlock()
	if swap, ok := s.activeSwaps[swapId]; ok {
		return swap, nil
	}
	return nil, ErrDataNotAvailable
}

func (s *SwapService) removeActiveSwap(swapId string) {
	s.Lock()
	defer s.Unlock()
	delete(s.activeSwaps, swapId)
}
