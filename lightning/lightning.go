package lightning

import "strings"

// Invoice holds the parts of a decoded bolt11 payment request the gateway
// cares about.
type Invoice struct {
	PaymentHash string
	AmountMsat  uint64
	Description string
	// MinFinalCltvExpiry is the delta the payee demands for the final hop.
	MinFinalCltvExpiry int64
}

type Scid string

// ClnStyle returns the `short_channel_id` divided by 'x'
func (s Scid) ClnStyle() string {
	return strings.ReplaceAll(string(s), ":", "x")
}

// LndStyle returns the `short_channel_id` divided by ':'
func (s Scid) LndStyle() string {
	return strings.ReplaceAll(string(s), "x", ":")
}
