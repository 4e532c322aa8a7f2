package federation

// RouteHint announces a virtual channel between the gateway's node and a
// federation, so that payers can construct a route to invoices issued by
// federation clients.
type RouteHint struct {
	Scid        string `json:"short_channel_id"`
	NodeId      string `json:"node_id"`
	BaseFeeMsat uint64 `json:"base_fee_msat"`
	FeePpm      uint64 `json:"fee_ppm"`
	CltvDelta   uint32 `json:"cltv_delta"`
}

// Registration is the gateway announcement that is periodically re-submitted
// to every served federation so clients can discover it.
type Registration struct {
	FederationId string      `json:"federation_id"`
	NodePubkey   string      `json:"node_pub_key"`
	Alias        string      `json:"alias"`
	FeeBaseMsat  uint64      `json:"fee_base_msat"`
	FeePpm       uint64      `json:"fee_ppm"`
	RouteHints   []RouteHint `json:"route_hints"`
	ValidUntil   int64       `json:"valid_until"`
}
