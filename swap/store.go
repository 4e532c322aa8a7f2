package swap

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	swapBuckets  = []byte("swaps")
	indexBuckets = []byte("swap-index")

	ErrDoesNotExist  = fmt.Errorf("does not exist")
	ErrAlreadyExists = fmt.Errorf("swap already exist")
	// ErrStaleState is returned when an update loses the race against a
	// newer transition of the same swap.
	ErrStaleState = fmt.Errorf("stale swap state")
)

// indexKey returns the uniqueness slot of a swap. Incoming swaps are keyed by
// payment hash, outgoing swaps by contract id.
func indexKey(dir SwapDirection, key string) []byte {
	if dir == SWAPDIR_IN {
		return []byte("in:" + key)
	}
	return []byte("out:" + key)
}

func (s *SwapStateMachine) indexKey() []byte {
	if s.Direction == SWAPDIR_IN {
		return indexKey(s.Direction, s.Data.PaymentHash)
	}
	return indexKey(s.Direction, s.Data.ContractId)
}

// slotRetentionFallback bounds how long a terminal swap without a recorded
// deadline keeps its uniqueness slot.
const slotRetentionFallback = blockInterval

// holdsSlot returns true while a swap still owns its uniqueness slot. Active
// swaps always do. Terminal swaps keep the slot until their deadline passed,
// the node cannot replay an htlc past that, so a replayed event for the hash
// resolves against the archived record instead of starting a second swap.
func holdsSlot(sm *SwapStateMachine) bool {
	if !IsFinishedState(sm.Current) {
		return true
	}
	deadline := sm.Data.NextDeadline
	if deadline == 0 {
		deadline = sm.Data.CreatedAt + int64(slotRetentionFallback/time.Second)
	}
	return time.Now().Unix() <= deadline
}

type bboltStore struct {
	db *bbolt.DB
}

func NewBboltStore(db *bbolt.DB) (*bboltStore, error) {
	tx, err := db.Begin(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, bucket := range [][]byte{swapBuckets, indexBuckets} {
		_, err = tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &bboltStore{db: db}, nil
}

// Create persists a new swap and claims its uniqueness slot. If another
// active swap already holds the slot, ErrAlreadyExists is returned and
// nothing is written.
func (p *bboltStore) Create(swap *SwapStateMachine) error {
	tx, err := p.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b := tx.Bucket(swapBuckets)
	idx := tx.Bucket(indexBuckets)
	if b == nil || idx == nil {
		return fmt.Errorf("bucket nil")
	}

	if b.Get(h2b(swap.Id)) != nil {
		return ErrAlreadyExists
	}
	if otherId := idx.Get(swap.indexKey()); otherId != nil {
		if holderData := b.Get(h2b(string(otherId))); holderData != nil {
			holder := &SwapStateMachine{}
			if err := json.Unmarshal(holderData, holder); err != nil {
				return err
			}
			if holdsSlot(holder) {
				return ErrAlreadyExists
			}
		}
	}

	jData, err := json.Marshal(swap)
	if err != nil {
		return err
	}
	if err := b.Put(h2b(swap.Id), jData); err != nil {
		return err
	}
	if err := idx.Put(swap.indexKey(), []byte(swap.Id)); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdatePrev persists the swap only if the stored state still equals prev.
// A terminal swap keeps its uniqueness slot until its deadline window passed,
// Create reclaims the slot lazily for the next swap on the same hash.
func (p *bboltStore) UpdatePrev(swap *SwapStateMachine, prev StateType) error {
	tx, err := p.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b := tx.Bucket(swapBuckets)
	if b == nil {
		return fmt.Errorf("bucket nil")
	}

	jData := b.Get(h2b(swap.Id))
	if jData == nil {
		return ErrDoesNotExist
	}
	stored := &SwapStateMachine{}
	if err := json.Unmarshal(jData, stored); err != nil {
		return err
	}
	if stored.Current != prev {
		return ErrStaleState
	}

	jData, err = json.Marshal(swap)
	if err != nil {
		return err
	}
	if err := b.Put(h2b(swap.Id), jData); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *bboltStore) GetById(s string) (*SwapStateMachine, error) {
	tx, err := p.db.Begin(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b := tx.Bucket(swapBuckets)
	if b == nil {
		return nil, fmt.Errorf("bucket nil")
	}

	jData := b.Get(h2b(s))
	if jData == nil {
		return nil, ErrDoesNotExist
	}

	swap := &SwapStateMachine{}
	if err := json.Unmarshal(jData, swap); err != nil {
		return nil, err
	}

	return swap, nil
}

func (p *bboltStore) GetByKey(dir SwapDirection, key string) (*SwapStateMachine, error) {
	tx, err := p.db.Begin(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	idx := tx.Bucket(indexBuckets)
	if idx == nil {
		return nil, fmt.Errorf("bucket nil")
	}

	id := idx.Get(indexKey(dir, key))
	if id == nil {
		return nil, ErrDoesNotExist
	}
	swap, err := p.GetById(string(id))
	if err != nil {
		return nil, err
	}
	if !holdsSlot(swap) {
		return nil, ErrDoesNotExist
	}
	return swap, nil
}

func (p *bboltStore) ListAll() ([]*SwapStateMachine, error) {
	tx, err := p.db.Begin(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b := tx.Bucket(swapBuckets)
	if b == nil {
		return nil, fmt.Errorf("bucket nil")
	}
	var swaps []*SwapStateMachine
	err = b.ForEach(func(k, v []byte) error {
		swap := &SwapStateMachine{}
		if err := json.Unmarshal(v, swap); err != nil {
			return err
		}
		swaps = append(swaps, swap)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swaps, nil
}

func (p *bboltStore) ListActive() ([]*SwapStateMachine, error) {
	swaps, err := p.ListAll()
	if err != nil {
		return nil, err
	}
	var active []*SwapStateMachine
	for _, swap := range swaps {
		if !swap.IsFinished() {
			active = append(active, swap)
		}
	}
	return active, nil
}

func h2b(str string) []byte {
	buf, _ := hex.DecodeString(str)
	return buf
}
