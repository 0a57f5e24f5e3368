package types

import "encoding/json"

// Param is the application's wire message shape. Every Param must be
// encodable to the P2P binary format and the RPC JSON format; decoding back
// into a concrete Param is supplied separately by a Codec (see the handler
// package), since Go has no static factory methods on interface values.
//
// Method names the handler-chosen RPC method for this message; the P2P
// transport ignores it (the overlay carries only ToBytes()).
type Param interface {
	Method() string
	ToBytes() []byte
	ToValue() (json.RawMessage, error)
}

// OneEntry is a unicast entry in a HandleResult: a param addressed to a
// specific peer.
type OneEntry struct {
	Peer  PeerId
	Param Param
}

// HandleResult is a handler or task's reply to one event: a broadcast list,
// a unicast list, and two terminal flags. The dispatcher (C4) must emit One
// entries before All entries, in the order they appear here, then the
// terminal Over signal if set.
type HandleResult struct {
	All     []Param
	One     []OneEntry
	Over    bool // this event ended the game
	Started bool // this event sealed room membership
}

// Empty reports whether the result carries no broadcasts, no unicasts, and
// no terminal flags — i.e. there is nothing for the dispatcher to do.
func (r HandleResult) Empty() bool {
	return len(r.All) == 0 && len(r.One) == 0 && !r.Over && !r.Started
}
