package rpcingress

import (
	"encoding/json"

	"github.com/z4-labs/sequencer/internal/v1/types"
)

// ZKRoomMarketGroup is the reserved gid value for the room_market query
// (§6): it is not a real RoomId, just a sentinel routing value.
const ZKRoomMarketGroup = 4

// envelope is the JSON-RPC 2.0-flavored wire shape shared by every request,
// response, and server-initiated broadcast (§6, Transport 1).
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Gid     uint64          `json:"gid"`
	Peer    string          `json:"peer,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// errorEnvelope is sent in place of a normal response/broadcast when an
// ingress-level error occurs (malformed payload, unknown room, etc).
type errorEnvelope struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Gid     uint64    `json:"gid"`
	Error   *rpcError `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newErrorEnvelope(id uint64, gid types.RoomId, code int, message string) errorEnvelope {
	return errorEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Gid:     uint64(gid),
		Error:   &rpcError{Code: code, Message: message},
	}
}
