package swap

import (
	"errors"
	"fmt"

	"github.com/fedimint/lngateway/federation"
)

// ErrorKind classifies a failure by what the swap engines are allowed to do
// about it.
type ErrorKind int

const (
	// KindTransient failures may be retried within the swap's retry
	// budget and deadline.
	KindTransient ErrorKind = iota
	// KindPermanent failures abort the swap. Retrying cannot change the
	// outcome.
	KindPermanent
	// KindDeadline means the swap ran out of time and must take its
	// fail-closed path.
	KindDeadline
	// KindAmbiguous means the side effect may or may not have happened.
	// The swap must resolve the true outcome before releasing or
	// refunding funds.
	KindAmbiguous
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDeadline:
		return "deadline"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return fmt.Sprintf("unknown kind %d", int(k))
	}
}

// ErrDeadlineExceeded is returned when a swap passed its deadline.
var ErrDeadlineExceeded = errors.New("swap deadline exceeded")

// ClassifyFederationError maps a federation client error onto the gateway's
// error taxonomy. Unknown errors are treated as transient, the retry budget
// and the deadline bound how long the gateway keeps trying.
func ClassifyFederationError(err error) ErrorKind {
	switch {
	case errors.Is(err, federation.ErrConsensusRejected),
		errors.Is(err, federation.ErrInsufficientFunds),
		errors.Is(err, federation.ErrContractNotFound):
		return KindPermanent
	case errors.Is(err, ErrDeadlineExceeded):
		return KindDeadline
	default:
		return KindTransient
	}
}
