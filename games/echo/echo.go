// Package echo is a minimal concrete Handler: useful as a smoke-test game
// and as the sequencer's own development default when no other game is
// wired in, the way the teacher's session service ships a MockValidator for
// local runs without Auth0 configured.
package echo

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/z4-labs/sequencer/internal/v1/handler"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

// maxTicks bounds how long a room runs before echo ends it on its own, so a
// demo room doesn't sit open forever with nobody sending "quit".
const maxTicks = 30

const tickInterval = 5 * time.Second

var pongMessage = handler.MethodValue{Name: "pong", Params: json.RawMessage(`{}`)}

// New builds the Game descriptor echo serves under id.
func New(id types.GameId) handler.Game {
	return handler.Game{
		ID:    id,
		Codec: handler.MethodValueCodec{},
		Factory: func(players []types.Player, params json.RawMessage, roomID types.RoomId, seed [32]byte) (handler.Handler, []handler.Task, bool) {
			h := &Handler{roomID: roomID, seed: seed}
			return h, []handler.Task{&heartbeat{}}, true
		},
	}
}

// Handler replies "pong" to "ping" and ends the room on "quit". It keeps no
// player-visible state beyond what Prove needs to produce a result.
type Handler struct {
	roomID types.RoomId
	seed   [32]byte
}

func (h *Handler) Viewable() bool { return true }

func (h *Handler) Handle(ctx context.Context, peer types.PeerId, param types.Param) (types.HandleResult, error) {
	switch param.Method() {
	case "ping":
		return types.HandleResult{All: []types.Param{pongMessage}}, nil
	case "quit":
		return types.HandleResult{Over: true}, nil
	default:
		return types.HandleResult{}, nil
	}
}

func (h *Handler) Online(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}

func (h *Handler) Offline(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}

func (h *Handler) ViewerOnline(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}

func (h *Handler) ViewerOffline(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}

// Prove returns a result derived from the room's seed; echo has no real
// proving backend, so the "proof" is a fixed marker rather than anything
// verifiable on-chain.
func (h *Handler) Prove(ctx context.Context) ([]byte, []byte, error) {
	return h.seed[:], []byte("echo-noop-proof"), nil
}

// heartbeat is echo's single timed task: a periodic "tick" broadcast that
// ends the room after maxTicks, so a demo room never outlives its purpose.
type heartbeat struct {
	count int
}

func (t *heartbeat) Timer() time.Duration { return tickInterval }

func (t *heartbeat) Run(ctx context.Context, h handler.Handler) (types.HandleResult, error) {
	t.count++
	tick := handler.MethodValue{Name: "tick", Params: json.RawMessage(`{"n":` + strconv.Itoa(t.count) + `}`)}
	return types.HandleResult{All: []types.Param{tick}, Over: t.count >= maxTicks}, nil
}
