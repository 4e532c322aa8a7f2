package swap

import (
	"errors"
	"sync"
	"time"

	"github.com/fedimint/lngateway/log"
)

// ErrEventRejected is the error returned when the state machine cannot process
// an event in the state that it is in.
var ErrEventRejected = errors.New("event rejected")

// ErrDataNotAvailable is the error returned when the store does not have the data stored yet
var ErrDataNotAvailable = errors.New("data not in store")

// ErrFsmConfig is the error returned when the fsm configuration is invalid,
// i.e. the fsm does not contain the next state
var ErrFsmConfig = errors.New("fsm config invalid")

const (
	// Default represents the default state of the system.
	Default StateType = ""

	// NoOp represents a no-op event.
	NoOp EventType = "NoOp"
)

// StateType represents an extensible state type in the state machine.
type StateType string

// EventType represents an extensible event type in the state machine.
type EventType string

// EventContext represents the context to be passed to the action implementation.
type EventContext interface {
	ApplyToSwap(swap *SwapData)
}

// Action represents the action to be executed in a given state.
type Action interface {
	Execute(services *SwapServices, swap *SwapData) EventType
}

// Events represents a mapping of events and states.
type Events map[EventType]StateType

// State binds a state with an action and a set of events it can handle.
type State struct {
	Action Action
	Events Events
}

// States represents a mapping of states and their implementations.
type States map[StateType]State

// Store is the contract registry. It owns the durable swap records, keeps a
// uniqueness index per payment hash and direction and guards against stale
// writes from duplicate event delivery.
type Store interface {
	// Create persists a new swap. It returns ErrAlreadyExists if an
	// active swap occupies the same payment hash and direction slot.
	Create(swap *SwapStateMachine) error
	// UpdatePrev persists the swap only if the stored state still equals
	// prev. It returns ErrStaleState otherwise and ErrDoesNotExist if the
	// swap was never created.
	UpdatePrev(swap *SwapStateMachine, prev StateType) error
	GetById(id string) (*SwapStateMachine, error)
	// GetByKey returns the active swap holding the uniqueness slot for
	// the given direction and key (payment hash for incoming swaps,
	// contract id for outgoing swaps).
	GetByKey(dir SwapDirection, key string) (*SwapStateMachine, error)
	ListAll() ([]*SwapStateMachine, error)
	// ListActive returns all swaps that are not in a terminal state.
	ListActive() ([]*SwapStateMachine, error)
}

// SwapStateMachine represents the state machine.
type SwapStateMachine struct {
	// Id holds the unique Id for the store
	Id string

	// SwapId holds the typed swap id, also used as the federation
	// operation id.
	SwapId SwapId

	// Data holds the statemachine metadata
	Data *SwapData

	// Direction holds the SwapDirection
	Direction SwapDirection

	// Previous represents the previous state.
	Previous StateType

	// Current represents the current state.
	Current StateType

	// States holds the configuration of states and events handled by the state machine.
	States States `json:"-"`

	// mutex ensures that only 1 event is processed by the state machine at any given time.
	mutex sync.Mutex

	// swapServices stores services the statemachine may use
	swapServices *SwapServices

	// retries counts how many retries an event has already done
	retries int

	failures int
}

// getNextState returns the next state for the event given the machine's current
// state, or an error if the event can't be handled in the given state.
func (s *SwapStateMachine) getNextState(event EventType) (StateType, error) {
	if state, ok := s.States[s.Current]; ok {
		if state.Events != nil {
			if next, ok := state.Events[event]; ok {
				return next, nil
			}
		}
	}
	return Default, ErrEventRejected
}

// persist writes the machine to the registry. The stored state is checked
// against prev so that duplicate or out-of-order events lose the race instead
// of clobbering a newer transition.
func (s *SwapStateMachine) persist(prev StateType) error {
	err := s.swapServices.swapStore.UpdatePrev(s, prev)
	if err == ErrDoesNotExist {
		return s.swapServices.swapStore.Create(s)
	}
	return err
}

// SendEvent sends an event to the state machine. It returns true if the swap
// reached a terminal state.
//
// Every transition is made durable before the new state's action runs. The
// persisted state is the per-contract lock that survives a restart: if the
// process dies between persist and action, recovery re-executes the action of
// the stored state, so every action must be idempotent.
func (s *SwapStateMachine) SendEvent(event EventType, eventCtx EventContext) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if eventCtx != nil {
		eventCtx.ApplyToSwap(s.Data)
	}
	for {
		log.Debugf("[FSM] event:id: %s, %s on %s", s.Id, event, s.Current)
		nextState, err := s.getNextState(event)
		if err != nil {
			return false, ErrEventRejected
		}

		// Identify the state definition for the next state.
		state, ok := s.States[nextState]
		if !ok || state.Action == nil {
			// configuration error
			return false, ErrFsmConfig
		}

		// Transition over to the next state and persist before acting
		// on any external system.
		prev := s.Current
		s.Previous = prev
		s.Current = nextState
		if s.Data != nil {
			s.Data.SetState(s.Current)
		}
		if err := s.persist(prev); err != nil {
			return false, err
		}

		// Execute the next state's action and loop over again if the
		// event returned is not a no-op.
		nextEvent := state.Action.Execute(s.swapServices, s.Data)
		if nextEvent == NoOp {
			return false, nil
		}
		if nextEvent == Event_Done {
			return true, nil
		}
		if nextEvent == Event_OnRetry {
			s.retries++
			if s.retries > 20 {
				s.retries = 0
				return false, nil
			}
			time.Sleep(retryBackoff(s.retries))
		}
		if nextEvent == Event_ActionFailed && s.Data.LastErr != nil {
			log.Debugf("[FSM] Action failure %v", s.Data.LastErr)
			s.failures++
			time.Sleep(time.Duration(s.failures) * time.Second)
		}
		event = nextEvent
	}
}

// Recover tries to continue from the current state, by doing the associated
// Action. It returns true if the swap reached a terminal state.
func (s *SwapStateMachine) Recover() (bool, error) {
	s.mutex.Lock()
	log.Infof("[FSM] recover: id: %s, state %s", s.Id, s.Current)
	state, ok := s.States[s.Current]
	if !ok || state.Action == nil {
		// configuration error
		s.mutex.Unlock()
		return false, ErrFsmConfig
	}
	nextEvent := state.Action.Execute(s.swapServices, s.Data)
	if err := s.persist(s.Current); err != nil {
		s.mutex.Unlock()
		return false, err
	}
	s.mutex.Unlock()
	if nextEvent == NoOp {
		return false, nil
	}
	if nextEvent == Event_Done {
		return true, nil
	}
	return s.SendEvent(nextEvent, nil)
}

// IsFinished returns true if the swap is in a terminal state.
func (s *SwapStateMachine) IsFinished() bool {
	return IsFinishedState(s.Current)
}
