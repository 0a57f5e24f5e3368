package p2pingress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z4-labs/sequencer/internal/v1/chain"
	"github.com/z4-labs/sequencer/internal/v1/engine"
	"github.com/z4-labs/sequencer/internal/v1/handler"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

func mkPeer(b byte) types.PeerId {
	var p types.PeerId
	p[19] = b
	return p
}

func mkGame(b byte) types.GameId {
	var g types.GameId
	g[19] = b
	return g
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{frameEvent, 0, 0, 0, 0, 0, 0, 0, 7}
	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrame_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], maxFrameBytes+1)
	buf.Write(lenBuf[:])

	_, err := readFrame(bufio.NewReader(&buf))
	assert.ErrorIs(t, err, errTooLarge)
}

func TestReadFrame_RejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	buf.Write(lenBuf[:])

	_, err := readFrame(bufio.NewReader(&buf))
	assert.ErrorIs(t, err, errShortFrame)
}

func TestDecodeRoomPeer(t *testing.T) {
	peer := mkPeer(0x0A)
	body := make([]byte, 8+20)
	binary.BigEndian.PutUint64(body[:8], 42)
	copy(body[8:], peer[:])

	room, got, err := decodeRoomPeer(body)
	require.NoError(t, err)
	assert.Equal(t, types.RoomId(42), room)
	assert.Equal(t, peer, got)
}

func TestDecodeRoomPeer_TooShort(t *testing.T) {
	_, _, err := decodeRoomPeer([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errShortFrame)
}

func TestDecodeEventFrame_SplitsPayload(t *testing.T) {
	peer := mkPeer(0x0B)
	body := make([]byte, 8+20)
	binary.BigEndian.PutUint64(body[:8], 9)
	copy(body[8:], peer[:])
	body = append(body, []byte("hello")...)

	room, got, payload, err := decodeEventFrame(body)
	require.NoError(t, err)
	assert.Equal(t, types.RoomId(9), room)
	assert.Equal(t, peer, got)
	assert.Equal(t, []byte("hello"), payload)
}

func newTestServer(t *testing.T, games ...handler.Game) (*Server, *engine.Engine, chan chain.PoolMessage) {
	t.Helper()
	srv := New(nil, nil)
	pool := make(chan chain.PoolMessage, 16)
	eng := engine.New(games, srv, pool)
	srv.engine = eng
	return srv, eng, pool
}

func drainPool(t *testing.T, pool <-chan chain.PoolMessage, n int) []chain.PoolMessage {
	t.Helper()
	out := make([]chain.PoolMessage, 0, n)
	deadline := time.After(time.Second)
	for len(out) < n {
		select {
		case msg := <-pool:
			out = append(out, msg)
		case <-deadline:
			t.Fatalf("expected %d pool messages, got %d", n, len(out))
		}
	}
	return out
}

func runRoomToReady(t *testing.T, eng *engine.Engine, pool chan chain.PoolMessage, self types.PeerId, game types.GameId, room types.RoomId, players ...types.Player) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	chainIn := make(chan chain.Event, 8)
	reproveIn := make(chan chain.ReproveMessage)
	go eng.Run(ctx, chainIn, reproveIn)

	chainIn <- chain.Event{Kind: chain.EventCreateRoom, Room: room, Game: game, Player: players[0]}
	for _, p := range players[1:] {
		chainIn <- chain.Event{Kind: chain.EventJoinRoom, Room: room, Player: p}
	}
	chainIn <- chain.Event{Kind: chain.EventStartRoom, Room: room, Game: game}
	drainPool(t, pool, 1)
	chainIn <- chain.Event{Kind: chain.EventAcceptRoom, Room: room, Sequencer: self}
}

// writeFrameTo writes a length-prefixed frame with the given type byte and
// body directly onto conn, bypassing Server's own writeFrame (test acts as
// the overlay peer on the wire).
func writeFrameTo(t *testing.T, conn net.Conn, kind byte, body []byte) {
	t.Helper()
	frame := append([]byte{kind}, body...)
	require.NoError(t, writeFrame(conn, frame))
}

func joinBody(room types.RoomId, peer types.PeerId) []byte {
	body := make([]byte, 8+20)
	binary.BigEndian.PutUint64(body[:8], uint64(room))
	copy(body[8:], peer[:])
	return body
}

func TestServer_Join_AcceptsPlayerAndTracksRoute(t *testing.T) {
	gameID := mkGame(0x01)
	self := mkPeer(0xAA)
	playerA := types.Player{Peer: mkPeer(0x0A)}

	game := handler.Game{
		ID:    gameID,
		Codec: handler.MethodValueCodec{},
		Factory: func(players []types.Player, params json.RawMessage, roomID types.RoomId, seed [32]byte) (handler.Handler, []handler.Task, bool) {
			return &stubHandler{}, nil, true
		},
	}

	srv, eng, pool := newTestServer(t, game)
	eng.SetSelfPeer(self)
	room := types.RoomId(3)
	runRoomToReady(t, eng, pool, self, gameID, room, playerA)

	client, server := net.Pipe()
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.handleConn(ctx, server)

	writeFrameTo(t, client, frameJoin, joinBody(room, playerA.Peer))

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		_, ok := srv.byPeer[roomPeer{room, playerA.Peer}]
		srv.mu.Unlock()
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestServer_Event_DecodedAndDeliveredToHandler(t *testing.T) {
	gameID := mkGame(0x02)
	self := mkPeer(0xAA)
	playerA := types.Player{Peer: mkPeer(0x0B)}

	h := &stubHandler{}
	game := handler.Game{
		ID:    gameID,
		Codec: handler.MethodValueCodec{},
		Factory: func(players []types.Player, params json.RawMessage, roomID types.RoomId, seed [32]byte) (handler.Handler, []handler.Task, bool) {
			return h, nil, true
		},
	}

	srv, eng, pool := newTestServer(t, game)
	eng.SetSelfPeer(self)
	room := types.RoomId(4)
	runRoomToReady(t, eng, pool, self, gameID, room, playerA)

	client, server := net.Pipe()
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.handleConn(ctx, server)

	writeFrameTo(t, client, frameJoin, joinBody(room, playerA.Peer))
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		_, ok := srv.byPeer[roomPeer{room, playerA.Peer}]
		srv.mu.Unlock()
		return ok
	}, time.Second, 10*time.Millisecond)

	seen := make(chan types.Param, 1)
	h.onHandle = func(peer types.PeerId, param types.Param) (types.HandleResult, error) {
		seen <- param
		return types.HandleResult{}, nil
	}

	mv := handler.MethodValue{Name: "move", Params: json.RawMessage(`{"x":1}`)}
	body := joinBody(room, playerA.Peer)
	body = append(body, mv.ToBytes()...)
	writeFrameTo(t, client, frameEvent, body)

	select {
	case param := <-seen:
		assert.Equal(t, "move", param.Method())
	case <-time.After(time.Second):
		t.Fatal("handler never received the decoded event")
	}
}

func TestServer_SendP2P_WritesFrameToJoinedConn(t *testing.T) {
	gameID := mkGame(0x03)
	self := mkPeer(0xAA)
	playerA := types.Player{Peer: mkPeer(0x0C)}

	srv, eng, pool := newTestServer(t, handler.Game{
		ID:    gameID,
		Codec: handler.MethodValueCodec{},
		Factory: func(players []types.Player, params json.RawMessage, roomID types.RoomId, seed [32]byte) (handler.Handler, []handler.Task, bool) {
			return &stubHandler{}, nil, true
		},
	})
	eng.SetSelfPeer(self)
	room := types.RoomId(5)
	runRoomToReady(t, eng, pool, self, gameID, room, playerA)

	client, server := net.Pipe()
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.handleConn(ctx, server)

	writeFrameTo(t, client, frameJoin, joinBody(room, playerA.Peer))
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		_, ok := srv.byPeer[roomPeer{room, playerA.Peer}]
		srv.mu.Unlock()
		return ok
	}, time.Second, 10*time.Millisecond)

	go srv.SendP2P(room, playerA.Peer, []byte("payload"))

	frame, err := readFrame(bufio.NewReader(client))
	require.NoError(t, err)
	gotRoom, gotPeer, payload, err := decodeEventFrame(frame[1:])
	require.NoError(t, err)
	assert.Equal(t, room, gotRoom)
	assert.Equal(t, playerA.Peer, gotPeer)
	assert.Equal(t, []byte("payload"), payload)
}

func TestServer_SendRPC_IsNoop(t *testing.T) {
	srv := New(nil, nil)
	srv.SendRPC(1, 2, 3, "method", json.RawMessage("null")) // must not panic
}

// TestServer_Join_RefusedClosesConnection covers §4.5's teardown rule: a
// refused join whose peer has no other live connection must close the
// underlying net.Conn, not leave it open indefinitely.
func TestServer_Join_RefusedClosesConnection(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	chainIn := make(chan chain.Event, 1)
	reproveIn := make(chan chain.ReproveMessage)
	go eng.Run(ctx, chainIn, reproveIn)

	client, server := net.Pipe()
	defer client.Close()
	go srv.handleConn(ctx, server)

	peer := mkPeer(0x0D)
	writeFrameTo(t, client, frameJoin, joinBody(types.RoomId(999), peer))

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	assert.Error(t, err, "connection should be closed after a refused join with no other live room")
}

// stubHandler is a minimal handler.Handler for ingress-level tests; only
// Handle is exercised, the rest return zero-value results.
type stubHandler struct {
	onHandle func(peer types.PeerId, param types.Param) (types.HandleResult, error)
}

func (s *stubHandler) Viewable() bool { return true }
func (s *stubHandler) Handle(ctx context.Context, peer types.PeerId, param types.Param) (types.HandleResult, error) {
	if s.onHandle != nil {
		return s.onHandle(peer, param)
	}
	return types.HandleResult{}, nil
}
func (s *stubHandler) Online(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}
func (s *stubHandler) Offline(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}
func (s *stubHandler) ViewerOnline(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}
func (s *stubHandler) ViewerOffline(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}
func (s *stubHandler) Prove(ctx context.Context) ([]byte, []byte, error) {
	return []byte("result"), []byte("proof"), nil
}
