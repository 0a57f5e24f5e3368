// Package p2pingress implements Transport 2 (§6): a length-prefixed binary
// frame server standing in for the overlay P2P library. Per the core's
// contract, only the deframed (room, peer, payload) stream and the pluggable
// Handler codec matter here; the overlay's own transport, discovery, and
// NAT-traversal internals are out of scope (Non-goals, §SPEC_FULL) and not
// reproduced — this ingress owns only framing and room/peer bookkeeping.
package p2pingress

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/dispatch"
	"github.com/z4-labs/sequencer/internal/v1/engine"
	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/metrics"
	"github.com/z4-labs/sequencer/internal/v1/ratelimit"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

const (
	frameJoin  byte = 0
	frameEvent byte = 1
	frameLeave byte = 2

	maxFrameBytes = 1 << 20
	writeWait     = 10 * time.Second
)

var (
	errShortFrame = errors.New("p2pingress: frame too short")
	errTooLarge   = errors.New("p2pingress: frame exceeds maximum size")
)

type roomPeer struct {
	room types.RoomId
	peer types.PeerId
}

// peerConn is one accepted overlay connection. A single physical connection
// may join several rooms under the same peer identity.
type peerConn struct {
	id   uint64
	nc   net.Conn
	send chan []byte

	mu    sync.Mutex
	rooms map[types.RoomId]types.PeerId
}

func (c *peerConn) trackRoom(rid types.RoomId, peer types.PeerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[rid] = peer
}

func (c *peerConn) snapshotRooms() map[types.RoomId]types.PeerId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.RoomId]types.PeerId, len(c.rooms))
	for rid, peer := range c.rooms {
		out[rid] = peer
	}
	return out
}

// Server is the P2P ingress (C5). It implements dispatch.Sink's SendP2P side;
// SendRPC is a no-op here, mirroring rpcingress.Server's symmetric stub.
type Server struct {
	engine  *engine.Engine
	limiter *ratelimit.Limiter

	mu     sync.Mutex
	conns  map[uint64]*peerConn
	byPeer map[roomPeer]*peerConn
	nextID uint64
}

// New builds a Server over eng. lim may be nil to disable connect-rate
// limiting (tests, or a trusted internal overlay).
func New(eng *engine.Engine, lim *ratelimit.Limiter) *Server {
	return &Server{
		engine:  eng,
		limiter: lim,
		conns:   make(map[uint64]*peerConn),
		byPeer:  make(map[roomPeer]*peerConn),
	}
}

// BindEngine sets the engine a Server built with a nil eng dispatches into.
// See rpcingress.Server.BindEngine for why this setter exists.
func (s *Server) BindEngine(eng *engine.Engine) { s.engine = eng }

// Serve accepts connections on ln until it is closed or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, nc)
	}
}

func (s *Server) nextConnID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	if s.limiter != nil {
		host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
		if !s.limiter.AllowPeerIP(ctx, host) {
			nc.Close()
			return
		}
	}

	pc := &peerConn{
		id:    s.nextConnID(),
		nc:    nc,
		send:  make(chan []byte, 64),
		rooms: make(map[types.RoomId]types.PeerId),
	}
	metrics.IncConnection()

	s.mu.Lock()
	s.conns[pc.id] = pc
	s.mu.Unlock()

	go s.writeLoop(pc)
	s.readLoop(ctx, pc)
}

func (s *Server) readLoop(ctx context.Context, pc *peerConn) {
	defer func() {
		s.unbind(pc)
		close(pc.send)
		pc.nc.Close()
		metrics.DecConnection()
	}()

	r := bufio.NewReader(pc.nc)
	for {
		frame, err := readFrame(r)
		if err != nil {
			return
		}
		s.handleFrame(ctx, pc, frame)
	}
}

func (s *Server) unbind(pc *peerConn) {
	s.mu.Lock()
	delete(s.conns, pc.id)
	for rid, peer := range pc.rooms {
		delete(s.byPeer, roomPeer{rid, peer})
	}
	s.mu.Unlock()

	seen := make(map[types.PeerId]bool)
	for _, peer := range pc.snapshotRooms() {
		if seen[peer] {
			continue
		}
		seen[peer] = true
		s.engine.Network() <- engine.NetworkEvent{Kind: engine.NetLeave, Peer: peer}
	}
}

func (s *Server) writeLoop(pc *peerConn) {
	defer pc.nc.Close()
	for msg := range pc.send {
		if dl, ok := pc.nc.(interface{ SetWriteDeadline(time.Time) error }); ok {
			dl.SetWriteDeadline(time.Now().Add(writeWait))
		}
		if err := writeFrame(pc.nc, msg); err != nil {
			return
		}
	}
}

// handleFrame dispatches one deframed payload by its leading type byte; a
// frame of unknown type or with a malformed body is logged and dropped, the
// connection preserved. A framing error in readFrame (zero-length or
// oversized frame) ends the connection, and so does a refused join (see
// handleJoin).
func (s *Server) handleFrame(ctx context.Context, pc *peerConn, frame []byte) {
	if len(frame) < 1 {
		logging.Warn(ctx, "p2pingress: empty frame", zap.Uint64("conn", pc.id))
		return
	}
	kind, body := frame[0], frame[1:]

	switch kind {
	case frameJoin:
		s.handleJoin(ctx, pc, body)
	case frameEvent:
		s.handleEvent(ctx, pc, body)
	case frameLeave:
		s.handleLeave(ctx, pc, body)
	default:
		logging.Warn(ctx, "p2pingress: unknown frame type", zap.Uint64("conn", pc.id), zap.Uint8("kind", kind))
	}
}

func (s *Server) handleJoin(ctx context.Context, pc *peerConn, body []byte) {
	room, peer, err := decodeRoomPeer(body)
	if err != nil {
		logging.Warn(ctx, "p2pingress: malformed join frame", zap.Error(err))
		return
	}

	resultCh := make(chan engine.OnlineResult, 1)
	s.engine.Network() <- engine.NetworkEvent{
		Kind:     engine.NetConnect,
		Room:     room,
		Peer:     peer,
		Connect:  types.P2P(),
		ResultCh: resultCh,
	}

	result := <-resultCh
	if !result.Accepted {
		if !s.engine.HasPeer(peer) {
			logging.Warn(ctx, "p2pingress: join refused", zap.Uint64("room", uint64(room)))
			pc.nc.Close()
		}
		return
	}

	pc.trackRoom(room, peer)
	s.mu.Lock()
	s.byPeer[roomPeer{room, peer}] = pc
	s.mu.Unlock()
}

func (s *Server) handleEvent(ctx context.Context, pc *peerConn, body []byte) {
	room, peer, payload, err := decodeEventFrame(body)
	if err != nil {
		logging.Warn(ctx, "p2pingress: malformed event frame", zap.Error(err))
		return
	}

	codec, ok := s.engine.Codec(room)
	if !ok {
		logging.Warn(ctx, "p2pingress: event for unknown room", zap.Uint64("room", uint64(room)))
		return
	}
	param, err := codec.FromBytes(payload)
	if err != nil {
		logging.Warn(ctx, "p2pingress: codec rejected payload", zap.Error(err))
		return
	}

	s.engine.Network() <- engine.NetworkEvent{
		Kind:  engine.NetEvent,
		Room:  room,
		Peer:  peer,
		Param: param,
	}
}

func (s *Server) handleLeave(ctx context.Context, pc *peerConn, body []byte) {
	var peer types.PeerId
	if len(body) >= len(peer) {
		copy(peer[:], body)
	} else {
		return
	}
	s.engine.Network() <- engine.NetworkEvent{Kind: engine.NetLeave, Peer: peer}
}

// ---- dispatch.Sink ----

// SendP2P implements dispatch.Sink, routing a dispatcher send to whichever
// connection currently holds the (room, peer) pair.
func (s *Server) SendP2P(room types.RoomId, peer types.PeerId, payload []byte) {
	s.mu.Lock()
	pc, ok := s.byPeer[roomPeer{room, peer}]
	s.mu.Unlock()
	if !ok {
		return
	}

	frame := make([]byte, 1+8+20+len(payload))
	frame[0] = frameEvent
	binary.BigEndian.PutUint64(frame[1:9], uint64(room))
	copy(frame[9:29], peer[:])
	copy(frame[29:], payload)

	select {
	case pc.send <- frame:
	default:
		logging.Warn(context.Background(), "p2pingress: send channel full, dropping frame", zap.Uint64("conn", pc.id))
	}
}

// SendRPC is a no-op on this transport: a P2P-connected peer is never
// addressed over the JSON-RPC channel.
func (s *Server) SendRPC(channelID uint64, room types.RoomId, requestID uint64, method string, params json.RawMessage) {
}

var _ dispatch.Sink = (*Server)(nil)

func decodeRoomPeer(body []byte) (types.RoomId, types.PeerId, error) {
	var peer types.PeerId
	if len(body) < 8+len(peer) {
		return 0, peer, errShortFrame
	}
	room := types.RoomId(binary.BigEndian.Uint64(body[:8]))
	copy(peer[:], body[8:8+len(peer)])
	return room, peer, nil
}

func decodeEventFrame(body []byte) (types.RoomId, types.PeerId, []byte, error) {
	var peer types.PeerId
	if len(body) < 8+len(peer) {
		return 0, peer, nil, errShortFrame
	}
	room := types.RoomId(binary.BigEndian.Uint64(body[:8]))
	copy(peer[:], body[8:8+len(peer)])
	return room, peer, body[8+len(peer):], nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, errShortFrame
	}
	if n > maxFrameBytes {
		return nil, errTooLarge
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
