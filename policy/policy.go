package policy

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"sync"

	"github.com/jessevdk/go-flags"
)

const (
	// defaultFeeBaseMsat and defaultFeePpm make up the gateway service fee
	// that is fixed at contract creation.
	defaultFeeBaseMsat uint64 = 1000
	defaultFeePpm      uint64 = 10000

	// defaultCltvSafetyMargin is the number of blocks the gateway keeps
	// between its own deadline and the htlc cltv expiry. Below this margin
	// an intercepted htlc is failed right away.
	defaultCltvSafetyMargin uint32 = 24

	// defaultFederationRetryBudget bounds the number of funding attempts
	// against an unreachable federation before a swap fails closed.
	defaultFederationRetryBudget = 5

	// defaultPaymentTimeoutSeconds bounds a single outgoing payment
	// attempt.
	defaultPaymentTimeoutSeconds uint64 = 60

	defaultAcceptAllFederations = false
	defaultAllowNewSwaps        = true
)

var defaultFederationAllowlist = []string{}

// ErrCltvSafetyMarginZero is returned by Validate if the configured margin is
// not strictly positive. A zero margin would allow settling at the deadline.
var ErrCltvSafetyMarginZero = errors.New("cltv_safety_margin must be strictly positive")

// Policy is the set of operator-tunable rules a swap request is checked
// against before the gateway commits any funds.
type Policy struct {
	sync.RWMutex
	path string

	FeeBaseMsat uint64 `json:"fee_base_msat" long:"fee_base_msat" description:"Flat part of the gateway service fee in msat."`
	FeePpm      uint64 `json:"fee_ppm" long:"fee_ppm" description:"Proportional part of the gateway service fee in parts per million."`

	CltvSafetyMargin      uint32 `json:"cltv_safety_margin" long:"cltv_safety_margin" description:"Blocks between the gateway deadline and the htlc cltv expiry."`
	FederationRetryBudget int    `json:"federation_retry_budget" long:"federation_retry_budget" description:"Funding attempts against an unreachable federation before a swap fails closed."`
	PaymentTimeoutSeconds uint64 `json:"payment_timeout_seconds" long:"payment_timeout_seconds" description:"Upper bound for a single outgoing payment attempt."`

	AcceptAllFederations bool     `json:"accept_all_federations" long:"accept_all_federations" description:"Serve any federation without checking the allowlist. UNSAFE."`
	FederationAllowlist  []string `json:"allowed_federations" long:"allowed_federation" description:"A list of federation ids this gateway serves."`
	AllowNewSwaps        bool     `json:"allow_new_swaps" long:"allow_new_swaps" description:"If set to false, gateway will not accept new swaps."`
}

func (p *Policy) String() string {
	p.RLock()
	defer p.RUnlock()
	str := fmt.Sprintf(
		"fee_base_msat: %d\n"+
			"fee_ppm: %d\n"+
			"cltv_safety_margin: %d\n"+
			"federation_retry_budget: %d\n"+
			"payment_timeout_seconds: %d\n"+
			"accept_all_federations: %t\n"+
			"allowed_federations: %s\n"+
			"allow_new_swaps: %t\n",
		p.FeeBaseMsat,
		p.FeePpm,
		p.CltvSafetyMargin,
		p.FederationRetryBudget,
		p.PaymentTimeoutSeconds,
		p.AcceptAllFederations,
		p.FederationAllowlist,
		p.AllowNewSwaps,
	)
	return str
}

func (p *Policy) Validate() error {
	p.RLock()
	defer p.RUnlock()
	if p.CltvSafetyMargin == 0 {
		return ErrCltvSafetyMarginZero
	}
	return nil
}

// GetSwapFeeMsat returns the gateway service fee for a swap of the given
// amount. The fee is fixed at contract creation and never renegotiated.
func (p *Policy) GetSwapFeeMsat(amountMsat uint64) uint64 {
	p.RLock()
	defer p.RUnlock()
	return p.FeeBaseMsat + amountMsat*p.FeePpm/1000000
}

func (p *Policy) GetFeeBaseMsat() uint64 {
	p.RLock()
	defer p.RUnlock()
	return p.FeeBaseMsat
}

func (p *Policy) GetFeePpm() uint64 {
	p.RLock()
	defer p.RUnlock()
	return p.FeePpm
}

func (p *Policy) GetCltvSafetyMargin() uint32 {
	p.RLock()
	defer p.RUnlock()
	return p.CltvSafetyMargin
}

func (p *Policy) GetFederationRetryBudget() int {
	p.RLock()
	defer p.RUnlock()
	return p.FederationRetryBudget
}

func (p *Policy) GetPaymentTimeoutSeconds() uint64 {
	p.RLock()
	defer p.RUnlock()
	return p.PaymentTimeoutSeconds
}

// IsFederationAllowed returns if the gateway serves contracts for the given
// federation.
func (p *Policy) IsFederationAllowed(federationId string) bool {
	p.RLock()
	defer p.RUnlock()
	if p.AcceptAllFederations {
		return true
	}
	for _, allowed := range p.FederationAllowlist {
		if federationId == allowed {
			return true
		}
	}
	return false
}

func (p *Policy) NewSwapsAllowed() bool {
	p.RLock()
	defer p.RUnlock()
	return p.AllowNewSwaps
}

// ReloadFile reloads and overrides the policy with the policy file that was
// used on creation. Fields that are not set in the file are reset to their
// defaults.
func (p *Policy) ReloadFile() error {
	p.Lock()
	defer p.Unlock()
	if p.path == "" {
		return nil
	}

	// Reset policy before rereading the file.
	p.reset()

	err := flags.IniParse(p.path, p)
	if err != nil {
		return err
	}
	return nil
}

func (p *Policy) reset() {
	p.FeeBaseMsat = defaultFeeBaseMsat
	p.FeePpm = defaultFeePpm
	p.CltvSafetyMargin = defaultCltvSafetyMargin
	p.FederationRetryBudget = defaultFederationRetryBudget
	p.PaymentTimeoutSeconds = defaultPaymentTimeoutSeconds
	p.AcceptAllFederations = defaultAcceptAllFederations
	p.FederationAllowlist = defaultFederationAllowlist
	p.AllowNewSwaps = defaultAllowNewSwaps
}

// DefaultPolicy returns a policy with sane defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		FeeBaseMsat:           defaultFeeBaseMsat,
		FeePpm:                defaultFeePpm,
		CltvSafetyMargin:      defaultCltvSafetyMargin,
		FederationRetryBudget: defaultFederationRetryBudget,
		PaymentTimeoutSeconds: defaultPaymentTimeoutSeconds,
		AcceptAllFederations:  defaultAcceptAllFederations,
		FederationAllowlist:   defaultFederationAllowlist,
		AllowNewSwaps:         defaultAllowNewSwaps,
	}
}

// CreateFromFile returns a policy based on a DefaultPolicy. If the path to
// the policy file (ini notation) is empty, the default policy is used.
func CreateFromFile(path string) (*Policy, error) {
	policy := DefaultPolicy()

	if path == "" {
		return policy, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return policy, nil
	}

	err := flags.IniParse(path, policy)
	if err != nil {
		return nil, err
	}
	policy.path = path

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return policy, nil
}

// ReadFromFile is a helper for tests and the cli that returns the raw policy
// file content.
func ReadFromFile(path string) (string, error) {
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
