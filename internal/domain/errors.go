package domain

import "errors"

// Error kinds from spec.md §7. The adapters return or wrap them with %w,
// so a caller can match them with errors.Is; none of them carry a stack
// trace to a client.
var (
	ErrInvalidNumber        = errors.New("invalid number")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrBrokerUnavailable    = errors.New("broker unavailable")
	ErrBadRequest           = errors.New("bad request")
	ErrNotFound             = errors.New("not found")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrLivenessTimeout      = errors.New("liveness timeout")
)
