package chain

import (
	"context"
)

// RPCChecker is a health.ChainChecker backed by one configured provider: a
// successful BlockNumber call within the deadline means the chain side of
// this sequencer is reachable.
type RPCChecker struct {
	provider Provider
}

// NewRPCChecker wraps provider (typically the scanner's first configured
// endpoint) as a health check.
func NewRPCChecker(provider Provider) *RPCChecker {
	return &RPCChecker{provider: provider}
}

// Check implements health.ChainChecker.
func (c *RPCChecker) Check(ctx context.Context) string {
	if c.provider == nil {
		return "healthy"
	}
	if _, err := c.provider.BlockNumber(ctx); err != nil {
		return "unhealthy"
	}
	return "healthy"
}
