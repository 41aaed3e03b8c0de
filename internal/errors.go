package tunnel

import "errors"

// Sentinel errors for the relay domain.
var (
	ErrTunnelOffline   = errors.New("tunnel offline")
	ErrAliasUnknown    = errors.New("alias unknown")
	ErrAliasDisabled   = errors.New("alias resolution disabled")
	ErrBadHost         = errors.New("missing or invalid host")
	ErrRateLimited     = errors.New("rate limited")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrRequestTimeout  = errors.New("request timeout")
	ErrUpstream        = errors.New("upstream error")
	ErrQueueFull       = errors.New("write queue full")
	ErrShuttingDown    = errors.New("shutting down")
)
