package handler

import (
	"encoding/json"

	"github.com/z4-labs/sequencer/internal/v1/types"
)

// MethodValue is the default Param shape: a method name plus a params blob,
// carried compatibly across both encoders (P2P binary and RPC JSON). Games
// that don't need a richer wire type can use this directly.
type MethodValue struct {
	Name   string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (m MethodValue) Method() string { return m.Name }

func (m MethodValue) ToBytes() []byte {
	b, _ := json.Marshal(m)
	return b
}

func (m MethodValue) ToValue() (json.RawMessage, error) {
	if m.Params == nil {
		return json.RawMessage("null"), nil
	}
	return m.Params, nil
}

// MethodValueCodec is the Codec for MethodValue.
type MethodValueCodec struct{}

func (MethodValueCodec) FromBytes(b []byte) (types.Param, error) {
	var m MethodValue
	err := json.Unmarshal(b, &m)
	return m, err
}

// FromValue builds a MethodValue from an RPC request's top-level method and
// bare params value; unlike FromBytes, v itself carries no method name.
func (MethodValueCodec) FromValue(method string, v json.RawMessage) (types.Param, error) {
	return MethodValue{Name: method, Params: v}, nil
}
