package swap

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fedimint/lngateway/log"
)

type SwapDirection string

const (
	SWAPDIR_IN  SwapDirection = "swap_in"
	SWAPDIR_OUT SwapDirection = "swap_out"
)

// SwapId is a unique random identifier of a swap. It doubles as the operation
// id the gateway uses with the federation guardians.
type SwapId [32]byte

func NewSwapId() *SwapId {
	var swapId SwapId
	// rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(swapId[:])
	return &swapId
}

func (s *SwapId) String() string {
	return hex.EncodeToString(s[:])
}

func (s *SwapId) FromString(str string) error {
	data, err := hex.DecodeString(str)
	if err != nil {
		return err
	}
	if len(data) != 32 {
		return fmt.Errorf("can not parse swap id from string %s, wrong length: %v", str, len(data))
	}
	copy(s[:], data)
	return nil
}

func ParseSwapIdFromString(str string) (*SwapId, error) {
	swapId := &SwapId{}
	err := swapId.FromString(str)
	return swapId, err
}

func (s *SwapId) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SwapId) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return s.FromString(str)
}

// SwapData holds all the data needed for a swap. It is the durable part of a
// swap record, persisted with the current state on every transition.
type SwapData struct {
	// Swap identification
	Id           *SwapId       `json:"id"`
	Direction    SwapDirection `json:"direction"`
	FederationId string        `json:"federation_id"`
	CreatedAt    int64         `json:"created_at"`

	// Amounts. AmountEcashMsat is the htlc amount minus the gateway fee
	// that was fixed at contract creation.
	AmountMsat      uint64 `json:"amount_msat"`
	AmountEcashMsat uint64 `json:"amount_ecash_msat"`
	FeeMsat         uint64 `json:"fee_msat"`

	// Lightning side
	PaymentHash     string `json:"payment_hash"`
	Preimage        string `json:"preimage"`
	CltvExpiry      uint32 `json:"cltv_expiry"`
	IncomingChannel string `json:"incoming_channel"`
	Invoice         string `json:"invoice"`

	// Federation side
	ContractId string `json:"contract_id"`

	// FSMState the fsm currently is in, kept on the data for the store
	// index.
	FSMState StateType `json:"fsm_state"`

	// NextDeadline is the unix timestamp after which the deadline watcher
	// fires Event_OnTimeout. Deadlines only ever move closer.
	NextDeadline int64 `json:"next_deadline"`

	LastErr       error  `json:"-"`
	LastErrString string `json:"last_err,omitempty"`
	CancelMessage string `json:"cancel_message,omitempty"`
}

func (s *SwapData) GetId() *SwapId {
	return s.Id
}

func (s *SwapData) SetState(stateType StateType) {
	s.FSMState = stateType
}

func (s *SwapData) GetCurrentState() StateType {
	return s.FSMState
}

// HandleError is a generic error handler that saves the error on the swap.
func (s *SwapData) HandleError(err error) EventType {
	s.LastErr = err
	if err != nil {
		s.LastErrString = err.Error()
		log.Debugf("swap %s error: %v", s.Id.String(), err)
	}
	return Event_ActionFailed
}

// SetDeadline moves the deadline to the given unix timestamp, but never
// further into the future than it already is.
func (s *SwapData) SetDeadline(deadline int64) {
	if s.NextDeadline == 0 || deadline < s.NextDeadline {
		s.NextDeadline = deadline
	}
}

func (s *SwapData) GetCancelMessage() string {
	return s.CancelMessage
}

func (s *SwapData) PrettyPrint() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", s)
	}
	return string(b)
}
