// Package handler defines the pluggable game-logic contract (C2) that the
// engine invokes: create, join, online/offline, handle, prove, plus timed
// tasks. Concrete games (shoot, poker) implement this contract; the engine
// never imports a concrete game.
package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/z4-labs/sequencer/internal/v1/types"
)

// Codec decodes wire bytes/values back into a concrete types.Param
// implementation for one game. FromBytes decodes a P2P frame payload, which
// is self-describing (it carries its own method name). FromValue decodes an
// RPC request's bare params value, which is not self-describing on the
// wire (§6: method travels as its own top-level envelope field) — method is
// passed in separately so a Codec doesn't have to guess it from params.
type Codec interface {
	FromBytes(b []byte) (types.Param, error)
	FromValue(method string, v json.RawMessage) (types.Param, error)
}

// Handler is the externally supplied game logic. Errors from
// Online/Offline/Handle/ViewerOnline/ViewerOffline are reported back to the
// original caller and never tear down the room; an error from Prove tears
// the room down (it has already logically ended).
type Handler interface {
	// Viewable is a static property: whether non-players may observe the room.
	Viewable() bool

	// Handle is the core event entry point for a player-originated event.
	Handle(ctx context.Context, peer types.PeerId, param types.Param) (types.HandleResult, error)

	// Online/Offline are connection lifecycle hooks for a room's players.
	Online(ctx context.Context, peer types.PeerId) (types.HandleResult, error)
	Offline(ctx context.Context, peer types.PeerId) (types.HandleResult, error)

	// ViewerOnline/ViewerOffline are invoked in place of Online/Offline for a
	// peer that is not a player, when Viewable is true.
	ViewerOnline(ctx context.Context, peer types.PeerId) (types.HandleResult, error)
	ViewerOffline(ctx context.Context, peer types.PeerId) (types.HandleResult, error)

	// Prove is called exactly once per room, after the event that set
	// Over = true. result and proof are opaque to the engine.
	Prove(ctx context.Context) (result []byte, proof []byte, err error)
}

// Factory constructs initial handler state and timed tasks for a room that
// this sequencer just accepted, or refuses by returning ok = false.
type Factory func(
	players []types.Player,
	params json.RawMessage,
	roomID types.RoomId,
	seed [32]byte,
) (h Handler, tasks []Task, ok bool)

// Task is one of a room's independently scheduled timed jobs. Tasks need
// mutable state across ticks, so they are owned objects rather than
// closures; a task stops when Run returns an error or a result with Over.
type Task interface {
	// Timer returns how long to sleep before the next Run; re-read on every
	// iteration so a handler may change its own cadence dynamically.
	Timer() time.Duration
	// Run executes one tick against the room's handler, held under the
	// room's handler mutex for the duration of the call.
	Run(ctx context.Context, h Handler) (types.HandleResult, error)
}

// ChainAccept produces an opaque accept-blob submitted on-chain when this
// sequencer declares candidacy for a room (at StartRoom, before any Handler
// instance exists for that room yet). May return nil for "no extra data".
type ChainAccept func(players []types.Player) []byte

// Game bundles everything the engine needs to run one served game: its
// GameId, its wire codec, its pre-instantiation accept hook, and its handler
// factory.
type Game struct {
	ID          types.GameId
	Codec       Codec
	ChainAccept ChainAccept
	Factory     Factory
}
