package rpcingress

import "errors"

var (
	errRefused     = errors.New("rpc: connection refused, peer already holds another room")
	errUnknownRoom = errors.New("rpc: room not running on this sequencer")
	errRateLimited = errors.New("rpc: room_market query budget exceeded")
)
