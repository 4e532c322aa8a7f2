package swap

import (
	"sync"
)

// inMemStore implements the Store interface with the same uniqueness and
// stale-state semantics as the bbolt store. It is used in tests.
type inMemStore struct {
	sync.Mutex
	swaps map[string]*SwapStateMachine
	// lastState is the state of the last persisted snapshot per swap id.
	// The bbolt store compares against the serialized record, in memory
	// the machine is shared by pointer so the state is tracked here.
	lastState map[string]StateType
	index     map[string]string
}

func newInMemStore() *inMemStore {
	return &inMemStore{
		swaps:     map[string]*SwapStateMachine{},
		lastState: map[string]StateType{},
		index:     map[string]string{},
	}
}

func (s *inMemStore) Create(swap *SwapStateMachine) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.swaps[swap.Id]; ok {
		return ErrAlreadyExists
	}
	if holderId, ok := s.index[string(swap.indexKey())]; ok {
		if holder, ok := s.swaps[holderId]; ok && holdsSlot(holder) {
			return ErrAlreadyExists
		}
	}
	s.swaps[swap.Id] = swap
	s.lastState[swap.Id] = swap.Current
	s.index[string(swap.indexKey())] = swap.Id
	return nil
}

func (s *inMemStore) UpdatePrev(swap *SwapStateMachine, prev StateType) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.swaps[swap.Id]; !ok {
		return ErrDoesNotExist
	}
	if s.lastState[swap.Id] != prev {
		return ErrStaleState
	}
	s.swaps[swap.Id] = swap
	s.lastState[swap.Id] = swap.Current
	return nil
}

func (s *inMemStore) GetById(id string) (*SwapStateMachine, error) {
	s.Lock()
	defer s.Unlock()
	swap, ok := s.swaps[id]
	if !ok {
		return nil, ErrDoesNotExist
	}
	return swap, nil
}

func (s *inMemStore) GetByKey(dir SwapDirection, key string) (*SwapStateMachine, error) {
	s.Lock()
	defer s.Unlock()
	id, ok := s.index[string(indexKey(dir, key))]
	if !ok {
		return nil, ErrDoesNotExist
	}
	swap := s.swaps[id]
	if !holdsSlot(swap) {
		return nil, ErrDoesNotExist
	}
	return swap, nil
}

func (s *inMemStore) ListAll() ([]*SwapStateMachine, error) {
	s.Lock()
	defer s.Unlock()
	var swaps []*SwapStateMachine
	for _, swap := range s.swaps {
		swaps = append(swaps, swap)
	}
	return swaps, nil
}

func (s *inMemStore) ListActive() ([]*SwapStateMachine, error) {
	s.Lock()
	defer s.Unlock()
	var active []*SwapStateMachine
	for _, swap := range s.swaps {
		if !swap.IsFinished() {
			active = append(active, swap)
		}
	}
	return active, nil
}
