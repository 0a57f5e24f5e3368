// Package engine implements the central state machine (C9): it owns
// pending and running rooms, multiplexes chain events, network events, task
// results, and internal replies across a single cooperative loop, and drives
// rooms through their full lifecycle from on-chain commitment to settlement.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/chain"
	"github.com/z4-labs/sequencer/internal/v1/dispatch"
	"github.com/z4-labs/sequencer/internal/v1/handler"
	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/metrics"
	"github.com/z4-labs/sequencer/internal/v1/task"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

// roomEntry is one running room: its handler (behind its own mutex so task
// drivers and the detached prove worker can mutate it without stalling the
// main loop), the Room itself, and the means to stop its task drivers.
type roomEntry struct {
	mu      sync.Mutex
	handler handler.Handler
	game    types.GameId
	room    *types.Room
	cancel  context.CancelFunc
}

// WithHandler implements task.Locker.
func (r *roomEntry) WithHandler(fn func(handler.Handler) (types.HandleResult, error)) (types.HandleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.handler)
}

var _ task.Locker = (*roomEntry)(nil)

// NetworkEventKind discriminates the events an ingress (P2P or RPC) reports.
type NetworkEventKind int

const (
	NetConnect NetworkEventKind = iota
	NetLeave
	NetEvent
)

// OnlineResult is handed back to the ingress on a NetConnect event, so it
// can decide whether to close the transport connection (per §4.5: refused
// unless the peer already has another room open).
type OnlineResult struct {
	Accepted bool
}

// NetworkEvent is the unified shape both ingresses (C5, C6) feed into the
// engine. Param/Connect/ResultCh are only meaningful for the kinds that use
// them; decoding wire bytes into a types.Param is the ingress's job (via
// Engine.Codec), since only the ingress knows its wire format.
type NetworkEvent struct {
	Kind      NetworkEventKind
	Room      types.RoomId
	Peer      types.PeerId
	Connect   types.ConnectType // NetConnect
	Param     types.Param       // NetEvent
	Reply     dispatch.ReplyPath
	RequestID uint64
	ResultCh  chan<- OnlineResult // NetConnect only; nil is fine if caller doesn't need the answer
}

// proveResult is what the detached prove worker feeds back into the loop
// once a room's game-over proof has been produced (or has failed).
type proveResult struct {
	Room   types.RoomId
	Result []byte
	Proof  []byte
	Err    error
}

// Engine is the sequencer's room state machine. Zero value is not usable;
// construct via New.
type Engine struct {
	games    map[types.GameId]handler.Game
	rooms    map[types.RoomId]*roomEntry
	pending  *types.PendingSet
	onlines  *types.OnlineMap
	selfPeer *types.PeerId

	sink     dispatch.Sink
	poolOut  chan<- chain.PoolMessage
	network  chan NetworkEvent
	taskOut  chan task.Result
	internal chan proveResult

	reprove *chain.ReproveQueue
}

// New builds an Engine serving the given games, dispatching fan-out through
// sink, and forwarding pool submissions onto poolOut.
func New(games []handler.Game, sink dispatch.Sink, poolOut chan<- chain.PoolMessage) *Engine {
	byID := make(map[types.GameId]handler.Game, len(games))
	for _, g := range games {
		byID[g.ID] = g
	}
	return &Engine{
		games:    byID,
		rooms:    make(map[types.RoomId]*roomEntry),
		pending:  types.NewPendingSet(),
		onlines:  types.NewOnlineMap(),
		sink:     sink,
		poolOut:  poolOut,
		network:  make(chan NetworkEvent, 256),
		taskOut:  make(chan task.Result, 256),
		internal: make(chan proveResult, 16),
	}
}

// Network returns the channel ingresses should send NetworkEvents on.
func (e *Engine) Network() chan<- NetworkEvent { return e.network }

// SetSelfPeer records the sequencer's own peer identity, used to recognize
// when this sequencer has won a room's candidacy race at AcceptRoom.
func (e *Engine) SetSelfPeer(peer types.PeerId) { e.selfPeer = &peer }

// SetReproveQueue wires the bounded-retry queue a reprove request should
// back off against before re-proving. Left nil, reprove requests are retried
// immediately (fine for tests; not for production, which should always set
// this to the same queue the submission pool was built with).
func (e *Engine) SetReproveQueue(q *chain.ReproveQueue) { e.reprove = q }

// Run multiplexes chain events, network events, task results, and internal
// prove replies across a single fair select until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, chainIn <-chan chain.Event, reproveIn <-chan chain.ReproveMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-chainIn:
			if !ok {
				chainIn = nil
				continue
			}
			e.handleChainEvent(ctx, ev)
		case rep, ok := <-reproveIn:
			if !ok {
				reproveIn = nil
				continue
			}
			e.handleReprove(ctx, rep)
		case nm := <-e.network:
			e.handleNetwork(ctx, nm)
		case tr := <-e.taskOut:
			e.handleTaskResult(ctx, tr)
		case pr := <-e.internal:
			e.handleProveResult(ctx, pr)
		}
	}
}

// TaskResults returns the channel task drivers should forward results on.
func (e *Engine) TaskResults() chan<- task.Result { return e.taskOut }

// ---- chain message handlers (§4.8) ----

func (e *Engine) handleChainEvent(ctx context.Context, ev chain.Event) {
	switch ev.Kind {
	case chain.EventCreateRoom:
		e.onCreateRoom(ctx, ev)
	case chain.EventJoinRoom:
		e.onJoinRoom(ctx, ev)
	case chain.EventStartRoom:
		e.onStartRoom(ctx, ev)
	case chain.EventAcceptRoom:
		e.onAcceptRoom(ctx, ev)
	case chain.EventOverRoom:
		e.onChainOverRoom(ctx, ev)
	}
}

func (e *Engine) onCreateRoom(ctx context.Context, ev chain.Event) {
	if _, ok := e.games[ev.Game]; !ok {
		logging.Warn(ctx, "engine: ignoring CreateRoom for unserved game", zap.Uint64("room", uint64(ev.Room)))
		return
	}
	e.pending.Insert(ev.Room, &types.PendingRoom{
		Game:     ev.Game,
		Viewable: ev.Viewable,
		Salt:     ev.Salt,
		Block:    ev.Block,
		Players:  []types.Player{ev.Player},
	})
	metrics.PendingRooms.Set(float64(e.pending.Len()))
}

func (e *Engine) onJoinRoom(ctx context.Context, ev chain.Event) {
	if !e.pending.AppendPlayer(ev.Room, ev.Player) {
		logging.Warn(ctx, "engine: JoinRoom for unknown pending room", zap.Uint64("room", uint64(ev.Room)))
	}
}

// onStartRoom is the moment this sequencer declares candidacy: it runs the
// game's (handler-less) ChainAccept hook and enqueues the accept submission.
func (e *Engine) onStartRoom(ctx context.Context, ev chain.Event) {
	pr, ok := e.pending.Get(ev.Room)
	if !ok {
		return
	}
	game, ok := e.games[pr.Game]
	if !ok {
		return
	}
	var blob []byte
	if game.ChainAccept != nil {
		blob = game.ChainAccept(pr.Players)
	}
	e.submitPool(ctx, chain.PoolMessage{Kind: chain.PoolAcceptRoom, Room: ev.Room, Params: blob})
}

// onAcceptRoom records the winning sequencer for a room; if it is this one,
// it constructs the handler and promotes the room from pending to running.
func (e *Engine) onAcceptRoom(ctx context.Context, ev chain.Event) {
	pr, ok := e.pending.Get(ev.Room)
	if !ok {
		return
	}
	e.pending.SetSequencer(ev.Room, types.AcceptedSequencer{Peer: ev.Sequencer, Websocket: ev.Websocket})

	if !e.isSelf(ev.Sequencer) {
		return
	}

	game, ok := e.games[pr.Game]
	if !ok {
		return
	}
	seed := types.Seed(pr.Salt, pr.Block)
	h, tasks, ok := game.Factory(pr.Players, ev.Params, ev.Room, seed)
	if !ok {
		logging.Info(ctx, "engine: handler factory refused room", zap.Uint64("room", uint64(ev.Room)))
		e.pending.Remove(ev.Room)
		return
	}

	peerIDs := make([]types.PeerId, len(pr.Players))
	for i, p := range pr.Players {
		peerIDs[i] = p.Peer
	}
	entry := &roomEntry{handler: h, game: pr.Game, room: types.NewRoom(ev.Room, pr.Viewable, peerIDs)}
	taskCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel

	e.rooms[ev.Room] = entry
	e.pending.Remove(ev.Room)
	metrics.ActiveRooms.Set(float64(len(e.rooms)))
	metrics.PendingRooms.Set(float64(e.pending.Len()))

	for _, t := range tasks {
		go task.Run(taskCtx, ev.Room, entry, t, e.taskOut)
	}
}

func (e *Engine) onChainOverRoom(ctx context.Context, ev chain.Event) {
	e.pending.Remove(ev.Room)
}

// handleReprove re-runs Prove for a room still held in e.rooms, waiting out
// the queue's backoff schedule first. A room whose message names no running
// room is skipped; handleProveResult removes a room as it enqueues the
// OverRoom submission, so a reprove that follows a failed submission finds
// no room and does nothing. The wait runs off the main
// loop (spawnProve is itself safe to call from another goroutine: it only
// touches entry.handler under entry.mu and sends on buffered channels) so a
// slow backoff never stalls other rooms' events.
func (e *Engine) handleReprove(ctx context.Context, rep chain.ReproveMessage) {
	entry, ok := e.rooms[rep.Room]
	if !ok {
		return
	}
	if e.reprove == nil {
		e.spawnProve(ctx, rep.Room, entry)
		return
	}

	delay := e.reprove.Delay(rep.Room)
	go func() {
		select {
		case <-time.After(delay):
			e.spawnProve(ctx, rep.Room, entry)
		case <-ctx.Done():
		}
	}()
}

// isSelf reports whether peer is this sequencer's own peer identity, as set
// by SetSelfPeer. Until SetSelfPeer is called, no peer counts as self.
func (e *Engine) isSelf(peer types.PeerId) bool {
	return e.selfPeer != nil && peer == *e.selfPeer
}

// ---- network message handlers (§4.5) ----

func (e *Engine) handleNetwork(ctx context.Context, nm NetworkEvent) {
	switch nm.Kind {
	case NetConnect:
		e.onConnect(ctx, nm)
	case NetLeave:
		e.onLeave(ctx, nm)
	case NetEvent:
		e.onEvent(ctx, nm)
	}
}

func (e *Engine) onConnect(ctx context.Context, nm NetworkEvent) {
	entry, ok := e.rooms[nm.Room]
	accepted := ok && entry.room.Online(nm.Peer, nm.Connect)
	if accepted {
		e.onlines.Add(nm.Peer, nm.Room)
		metrics.ActiveWebSocketConnections.Inc()
	}
	if nm.ResultCh != nil {
		nm.ResultCh <- OnlineResult{Accepted: accepted}
	}
	if !accepted {
		return
	}

	var result types.HandleResult
	var err error
	if entry.room.IsPlayer(nm.Peer) {
		result, err = entry.WithHandler(func(h handler.Handler) (types.HandleResult, error) { return h.Online(ctx, nm.Peer) })
	} else {
		result, err = entry.WithHandler(func(h handler.Handler) (types.HandleResult, error) { return h.ViewerOnline(ctx, nm.Peer) })
	}
	e.settle(ctx, nm.Room, entry, result, err, nm.Reply, nm.RequestID)
}

func (e *Engine) onLeave(ctx context.Context, nm NetworkEvent) {
	rooms := e.onlines.Rooms(nm.Peer)
	metrics.ActiveWebSocketConnections.Dec()

	for _, rid := range rooms {
		e.onlines.Remove(nm.Peer, rid)
		entry, ok := e.rooms[rid]
		if !ok {
			continue
		}
		entry.room.Offline(nm.Peer)

		var result types.HandleResult
		var err error
		if entry.room.IsPlayer(nm.Peer) {
			result, err = entry.WithHandler(func(h handler.Handler) (types.HandleResult, error) { return h.Offline(ctx, nm.Peer) })
		} else {
			result, err = entry.WithHandler(func(h handler.Handler) (types.HandleResult, error) { return h.ViewerOffline(ctx, nm.Peer) })
		}
		e.settle(ctx, rid, entry, result, err, dispatch.ReplyPath{}, 0)
	}
}

func (e *Engine) onEvent(ctx context.Context, nm NetworkEvent) {
	entry, ok := e.rooms[nm.Room]
	if !ok || !entry.room.IsPlayer(nm.Peer) {
		return
	}
	result, err := entry.WithHandler(func(h handler.Handler) (types.HandleResult, error) {
		return h.Handle(ctx, nm.Peer, nm.Param)
	})
	e.settle(ctx, nm.Room, entry, result, err, nm.Reply, nm.RequestID)
}

// ---- task results ----

func (e *Engine) handleTaskResult(ctx context.Context, tr task.Result) {
	entry, ok := e.rooms[tr.RoomID]
	if !ok {
		return
	}
	e.settle(ctx, tr.RoomID, entry, tr.Value, tr.Err, dispatch.ReplyPath{}, 0)
}

// settle dispatches a handler outcome: an error is reported back on the
// reply path (never tearing the room down); a result with Over spawns the
// detached prove worker.
func (e *Engine) settle(ctx context.Context, roomID types.RoomId, entry *roomEntry, result types.HandleResult, err error, reply dispatch.ReplyPath, requestID uint64) {
	if err != nil {
		logging.Warn(ctx, "engine: handler hook failed", zap.Uint64("room", uint64(roomID)), zap.Error(err))
		errResult := types.HandleResult{One: []types.OneEntry{{Peer: reply.Peer, Param: newErrorParam(err)}}}
		dispatch.Dispatch(entry.room, errResult, reply, requestID, e.sink)
		return
	}

	dispatch.Dispatch(entry.room, result, reply, requestID, e.sink)

	if result.Over {
		e.spawnProve(ctx, roomID, entry)
	}
}

// ---- proof generation ----

// spawnProve runs Handler.Prove off the main loop (it may take seconds to
// minutes) and feeds its outcome back in as a proveResult.
func (e *Engine) spawnProve(ctx context.Context, roomID types.RoomId, entry *roomEntry) {
	go func() {
		entry.mu.Lock()
		resultBytes, proofBytes, err := entry.handler.Prove(ctx)
		entry.mu.Unlock()

		select {
		case e.internal <- proveResult{Room: roomID, Result: resultBytes, Proof: proofBytes, Err: err}:
		case <-ctx.Done():
		}
	}()
}

// handleProveResult implements the room teardown ordering of §4.8: enqueue
// the settlement to the pool, then remove the room (OnlineMap entries are
// left to expire on the peers' next leave).
func (e *Engine) handleProveResult(ctx context.Context, pr proveResult) {
	entry, ok := e.rooms[pr.Room]
	if !ok {
		return
	}
	if pr.Err != nil {
		logging.Error(ctx, "engine: prove failed, tearing down room", zap.Uint64("room", uint64(pr.Room)), zap.Error(pr.Err))
		delete(e.rooms, pr.Room)
		entry.cancel()
		metrics.ActiveRooms.Set(float64(len(e.rooms)))
		return
	}

	e.submitPool(ctx, chain.PoolMessage{Kind: chain.PoolOverRoom, Room: pr.Room, Result: pr.Result, Proof: pr.Proof})
	delete(e.rooms, pr.Room)
	entry.cancel()
	metrics.ActiveRooms.Set(float64(len(e.rooms)))
}

// ---- pool submission ----

func (e *Engine) submitPool(ctx context.Context, msg chain.PoolMessage) {
	select {
	case e.poolOut <- msg:
	case <-ctx.Done():
	}
}

// ---- handler-less helpers for ingresses ----

// Codec returns the wire codec for a running room's game, so an ingress can
// decode a player's payload before handing the engine a NetworkEvent.
func (e *Engine) Codec(roomID types.RoomId) (handler.Codec, bool) {
	entry, ok := e.rooms[roomID]
	if !ok {
		return nil, false
	}
	game, ok := e.games[entry.game]
	if !ok {
		return nil, false
	}
	return game.Codec, true
}

// HasPeer reports whether peer currently has any other room open, used by
// ingresses deciding whether to close a refused connection (§4.5).
func (e *Engine) HasPeer(peer types.PeerId) bool {
	return e.onlines.HasPeer(peer)
}

// PendingRoomsForGame serves the reserved "room_market" RPC method: a
// read-only directory of rooms still awaiting a sequencer, for one game.
func (e *Engine) PendingRoomsForGame(game types.GameId) json.RawMessage {
	type pendingView struct {
		Room      uint64  `json:"room"`
		Players   int     `json:"players"`
		Sequencer *string `json:"sequencer,omitempty"`
		Websocket string  `json:"websocket,omitempty"`
	}
	rooms := e.pending.ForGame(game)
	views := make([]pendingView, 0, len(rooms))
	for _, rid := range rooms {
		pr, ok := e.pending.Get(rid)
		if !ok {
			continue
		}
		view := pendingView{Room: uint64(rid), Players: len(pr.Players)}
		if pr.Sequencer != nil {
			hex := pr.Sequencer.Peer.Hex()
			view.Sequencer = &hex
			view.Websocket = pr.Sequencer.Websocket
		}
		views = append(views, view)
	}
	out, err := json.Marshal(views)
	if err != nil {
		return json.RawMessage("[]")
	}
	return out
}
