package federation

// OutgoingContract is the decrypted view of an outgoing-payment contract a
// federation client has funded. The gateway validates it against the embedded
// invoice before it risks its own Lightning liquidity.
type OutgoingContract struct {
	ContractId   string
	FederationId string
	PaymentHash  string
	Invoice      string

	// AmountMsat is the e-cash amount locked by the client. It must cover
	// the invoice amount plus the gateway fee.
	AmountMsat uint64

	// TimelockHeight is the absolute block height after which the client
	// can reclaim the locked e-cash on their own.
	TimelockHeight uint32
}

// FundingProof acknowledges that a contract reached consensus and carries the
// data the gateway needs to proceed.
type FundingProof struct {
	ContractId string
	// EpochHeight is the consensus epoch the funding transaction was
	// accepted in.
	EpochHeight uint64
}
