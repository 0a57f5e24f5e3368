package engine

import (
	"encoding/json"

	"github.com/z4-labs/sequencer/internal/v1/apperr"
)

// errorParam wraps a handler hook failure as a types.Param so it can flow
// through the same dispatch path as a normal result (§4.9: errors are
// reported back to the ingress's reply path, never torn down as a room).
type errorParam struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newErrorParam(err error) errorParam {
	kind := apperr.Generic
	if appErr, ok := err.(*apperr.Error); ok {
		kind = appErr.Kind
	}
	return errorParam{Code: kind.RPCCode(), Message: err.Error()}
}

func (e errorParam) Method() string { return "error" }

func (e errorParam) ToBytes() []byte {
	b, _ := json.Marshal(e)
	return b
}

func (e errorParam) ToValue() (json.RawMessage, error) {
	return json.Marshal(e)
}
