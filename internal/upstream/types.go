package upstream

// depthResponse mirrors GET /api/v3/depth's JSON shape documented in
// spec.md §6: {lastUpdateId, bids:[[p,q],...], asks:[[p,q],...]}.
type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}
