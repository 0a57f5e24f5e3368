// Package apperr defines the sequencer's error kinds and their propagation
// policy: ingress errors are returned to the caller, scanner/pool errors are
// logged and retried, identity/config errors are fatal.
package apperr

import "errors"

// Kind classifies an error for both logging and RPC error-code mapping.
type Kind int

const (
	// Generic is a pass-through for transport and I/O errors.
	Generic Kind = iota
	// Params marks a malformed wire payload: missing fields, bad hex, wrong length.
	Params
	// NoRoom marks a reference to a room this sequencer does not know about.
	NoRoom
	// NoPlayer marks a reference to a peer that is not a player of the room.
	NoPlayer
	// NoGame marks a reference to a game this sequencer does not serve.
	NoGame
	// Timeout marks a chain RPC call that exceeded its per-call budget.
	Timeout
	// Serialize marks a binary/JSON encode or decode failure.
	Serialize
	// SecretKey marks malformed identity material at startup (fatal).
	SecretKey
	// Zk marks any failure surfaced from a handler's Prove().
	Zk
)

// Error is a typed sequencer error carrying a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "rpc.handle", "chain.scan"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// RPCCode maps a Kind to the JSON-RPC 2.0 error code returned to ingress callers.
func (k Kind) RPCCode() int {
	switch k {
	case Params:
		return -32602 // Invalid params
	case NoRoom, NoPlayer, NoGame:
		return -32001
	case Timeout:
		return -32002
	case Serialize:
		return -32003
	case Zk:
		return -32004
	case SecretKey:
		return -32005
	default:
		return -32603 // Internal error
	}
}

func (k Kind) String() string {
	switch k {
	case Params:
		return "params_error"
	case NoRoom:
		return "no_room"
	case NoPlayer:
		return "no_player"
	case NoGame:
		return "no_game"
	case Timeout:
		return "timeout"
	case Serialize:
		return "serialize_error"
	case SecretKey:
		return "secret_key_error"
	case Zk:
		return "zk_error"
	default:
		return "generic_error"
	}
}
