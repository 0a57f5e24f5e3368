// Package rpcingress implements Transport 1 (§6): a gin + gorilla/websocket
// JSON-RPC server. Each connection may address multiple rooms by gid; the
// reserved "connect" method performs a room handshake and "room_market"
// (gid == ZKRoomMarketGroup) serves the read-only pending-room directory.
package rpcingress

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/apperr"
	"github.com/z4-labs/sequencer/internal/v1/dispatch"
	"github.com/z4-labs/sequencer/internal/v1/engine"
	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/metrics"
	"github.com/z4-labs/sequencer/internal/v1/ratelimit"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one accepted websocket connection, identified by a server-
// assigned channel id. A single connection may be the reply path for
// several rooms at once (one per "connect" handshake it has performed).
type client struct {
	id   uint64
	ip   string
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	rooms map[types.RoomId]types.PeerId // rooms this connection has joined, by peer identity used there
}

func (c *client) trackRoom(rid types.RoomId, peer types.PeerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[rid] = peer
}

func (c *client) snapshotRooms() map[types.RoomId]types.PeerId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.RoomId]types.PeerId, len(c.rooms))
	for rid, peer := range c.rooms {
		out[rid] = peer
	}
	return out
}

// Server is the RPC ingress (C6). It owns the live connection registry and
// implements dispatch.Sink so the engine can route results back to it.
type Server struct {
	engine  *engine.Engine
	limiter *ratelimit.Limiter

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  uint64
}

// New builds a Server over eng, optionally enforcing rate limits via lim
// (nil disables rate limiting entirely, useful in tests).
func New(eng *engine.Engine, lim *ratelimit.Limiter) *Server {
	return &Server{engine: eng, limiter: lim, clients: make(map[uint64]*client)}
}

// BindEngine sets the engine a Server built with a nil eng dispatches into.
// It exists to break the construction cycle between a Sink-implementing
// Server and the Engine that requires a Sink at construction time: build the
// Server first, build the Engine with it as the sink, then BindEngine the
// result back onto the Server.
func (s *Server) BindEngine(eng *engine.Engine) { s.engine = eng }

// RegisterRoutes wires the websocket endpoint onto r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	if s.limiter != nil {
		r.GET("/ws", s.limiter.HTTPMiddleware(), s.handleWebsocket)
		return
	}
	r.GET("/ws", s.handleWebsocket)
}

func (s *Server) handleWebsocket(c *gin.Context) {
	if s.limiter != nil && !s.limiter.AllowConnect(c) {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "rpcingress: upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:    s.nextClientID(),
		ip:    c.ClientIP(),
		conn:  conn,
		send:  make(chan []byte, 64),
		rooms: make(map[types.RoomId]types.PeerId),
	}
	metrics.IncConnection()

	go s.writePump(cl)
	s.readPump(cl)
}

func (s *Server) nextClientID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Server) bind(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[cl.id] = cl
}

func (s *Server) unbind(cl *client) {
	s.mu.Lock()
	delete(s.clients, cl.id)
	s.mu.Unlock()
}

func (s *Server) readPump(cl *client) {
	s.bind(cl)
	defer func() {
		s.unbind(cl)
		close(cl.send)
		cl.conn.Close()
		metrics.DecConnection()
		s.onDisconnect(cl)
	}()

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(cl, data)
	}
}

func (s *Server) writePump(cl *client) {
	defer cl.conn.Close()
	for msg := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// onDisconnect emits one NetLeave per distinct peer identity this connection
// had joined rooms as; Engine.onLeave clears every room for that peer from a
// single event, so one per peer suffices even if it joined several rooms.
func (s *Server) onDisconnect(cl *client) {
	seen := make(map[types.PeerId]bool)
	for _, peer := range cl.snapshotRooms() {
		if seen[peer] {
			continue
		}
		seen[peer] = true
		s.engine.Network() <- engine.NetworkEvent{Kind: engine.NetLeave, Peer: peer}
	}
}

func (s *Server) handleMessage(cl *client, raw []byte) {
	ctx := context.Background()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.writeError(cl, 0, 0, apperr.New(apperr.Params, "rpc.decode", err))
		return
	}

	switch env.Method {
	case "connect":
		s.handleConnect(ctx, cl, env)
	case "room_market":
		s.handleRoomMarket(ctx, cl, env)
	default:
		s.handleEvent(ctx, cl, env)
	}
}

func (s *Server) handleConnect(ctx context.Context, cl *client, env envelope) {
	room := types.RoomId(env.Gid)
	peer, err := types.ParsePeerId(env.Peer)
	if err != nil {
		metrics.RPCEvents.WithLabelValues("connect", "error").Inc()
		s.writeError(cl, env.ID, room, apperr.New(apperr.Params, "rpc.connect", err))
		return
	}

	resultCh := make(chan engine.OnlineResult, 1)
	s.engine.Network() <- engine.NetworkEvent{
		Kind:     engine.NetConnect,
		Room:     room,
		Peer:     peer,
		Connect:  types.RPC(cl.id),
		ResultCh: resultCh,
	}

	result := <-resultCh
	if !result.Accepted {
		metrics.RPCEvents.WithLabelValues("connect", "refused").Inc()
		if !s.engine.HasPeer(peer) {
			s.writeError(cl, env.ID, room, apperr.New(apperr.NoPlayer, "rpc.connect", errRefused))
			cl.conn.Close()
		}
		return
	}

	cl.trackRoom(room, peer)
	metrics.RPCEvents.WithLabelValues("connect", "ok").Inc()
	s.writeEnvelope(cl, envelope{JSONRPC: "2.0", ID: env.ID, Gid: env.Gid, Method: "connect"})
}

func (s *Server) handleRoomMarket(ctx context.Context, cl *client, env envelope) {
	if s.limiter != nil && !s.limiter.AllowRoomMarketQuery(ctx, cl.ip) {
		metrics.RPCEvents.WithLabelValues("room_market", "rate_limited").Inc()
		s.writeError(cl, env.ID, types.RoomId(env.Gid), apperr.New(apperr.Generic, "rpc.room_market", errRateLimited))
		return
	}

	var gameHex [1]string
	if err := json.Unmarshal(env.Params, &gameHex); err != nil {
		metrics.RPCEvents.WithLabelValues("room_market", "error").Inc()
		s.writeError(cl, env.ID, types.RoomId(env.Gid), apperr.New(apperr.Params, "rpc.room_market", err))
		return
	}
	game, err := types.ParseGameId(gameHex[0])
	if err != nil {
		metrics.RPCEvents.WithLabelValues("room_market", "error").Inc()
		s.writeError(cl, env.ID, types.RoomId(env.Gid), apperr.New(apperr.Params, "rpc.room_market", err))
		return
	}

	rooms := s.engine.PendingRoomsForGame(game)
	metrics.RPCEvents.WithLabelValues("room_market", "ok").Inc()
	s.writeEnvelope(cl, envelope{JSONRPC: "2.0", ID: env.ID, Gid: env.Gid, Method: "room_market", Params: rooms})
}

func (s *Server) handleEvent(ctx context.Context, cl *client, env envelope) {
	room := types.RoomId(env.Gid)
	peer, err := types.ParsePeerId(env.Peer)
	if err != nil {
		metrics.RPCEvents.WithLabelValues("event", "error").Inc()
		s.writeError(cl, env.ID, room, apperr.New(apperr.Params, "rpc.event", err))
		return
	}

	codec, ok := s.engine.Codec(room)
	if !ok {
		metrics.RPCEvents.WithLabelValues("event", "error").Inc()
		s.writeError(cl, env.ID, room, apperr.New(apperr.NoRoom, "rpc.event", errUnknownRoom))
		return
	}
	param, err := codec.FromValue(env.Method, env.Params)
	if err != nil {
		metrics.RPCEvents.WithLabelValues("event", "error").Inc()
		s.writeError(cl, env.ID, room, apperr.New(apperr.Serialize, "rpc.event", err))
		return
	}

	metrics.RPCEvents.WithLabelValues("event", "ok").Inc()
	s.engine.Network() <- engine.NetworkEvent{
		Kind:      engine.NetEvent,
		Room:      room,
		Peer:      peer,
		Param:     param,
		Reply:     dispatch.ReplyPath{Peer: peer, Channel: cl.id, Valid: true},
		RequestID: env.ID,
	}
}

func (s *Server) writeEnvelope(cl *client, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case cl.send <- data:
	default:
		logging.Warn(context.Background(), "rpcingress: send channel full, dropping message", zap.Uint64("channel", cl.id))
	}
}

func (s *Server) writeError(cl *client, id uint64, room types.RoomId, err *apperr.Error) {
	env := newErrorEnvelope(id, room, err.Kind.RPCCode(), err.Error())
	data, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		return
	}
	select {
	case cl.send <- data:
	default:
	}
}

// ---- dispatch.Sink ----

// SendP2P is a no-op on this transport: an RPC-connected peer is never
// addressed over the P2P overlay.
func (s *Server) SendP2P(room types.RoomId, peer types.PeerId, payload []byte) {}

// SendRPC implements dispatch.Sink, routing a dispatcher send to the client
// registered under channelID.
func (s *Server) SendRPC(channelID uint64, room types.RoomId, requestID uint64, method string, params json.RawMessage) {
	s.mu.Lock()
	cl, ok := s.clients[channelID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.writeEnvelope(cl, envelope{JSONRPC: "2.0", ID: requestID, Gid: uint64(room), Method: method, Params: params})
}

var _ dispatch.Sink = (*Server)(nil)
