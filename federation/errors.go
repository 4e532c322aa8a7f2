package federation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable is returned when the federation did not answer at all.
	// Callers may retry with backoff.
	ErrUnreachable = errors.New("federation unreachable")

	// ErrConsensusRejected is returned when the guardians rejected the
	// submitted transaction. This is permanent, the swap must be aborted.
	ErrConsensusRejected = errors.New("rejected by federation consensus")

	// ErrInsufficientFunds is returned when the client side of a contract
	// does not hold enough e-cash to cover the requested amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrContractNotFound is returned when the federation has no contract
	// under the given id.
	ErrContractNotFound = errors.New("contract does not exist")
)

type UnknownFederationError string

func (e UnknownFederationError) Error() string {
	return fmt.Sprintf("no client registered for federation %s", string(e))
}
