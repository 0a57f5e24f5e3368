package dispatch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z4-labs/sequencer/internal/v1/handler"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

type sendP2P struct {
	room    types.RoomId
	peer    types.PeerId
	payload []byte
}

type sendRPC struct {
	channel   uint64
	room      types.RoomId
	requestID uint64
	method    string
	params    json.RawMessage
}

type fakeSink struct {
	p2p []sendP2P
	rpc []sendRPC
}

func (f *fakeSink) SendP2P(room types.RoomId, peer types.PeerId, payload []byte) {
	f.p2p = append(f.p2p, sendP2P{room, peer, payload})
}

func (f *fakeSink) SendRPC(channelID uint64, room types.RoomId, requestID uint64, method string, params json.RawMessage) {
	f.rpc = append(f.rpc, sendRPC{channelID, room, requestID, method, params})
}

func mkPeer(b byte) types.PeerId {
	var p types.PeerId
	p[19] = b
	return p
}

func mv(name string) handler.MethodValue {
	return handler.MethodValue{Name: name, Params: json.RawMessage(`{"a":1}`)}
}

// failParam always errors on ToValue, to exercise sendRPC's encode-failure path.
type failParam struct{}

func (failParam) Method() string                   { return "fail" }
func (failParam) ToBytes() []byte                   { return []byte("fail") }
func (failParam) ToValue() (json.RawMessage, error) { return nil, errors.New("boom") }

func TestDispatch_OneBeforeAllBeforeOver(t *testing.T) {
	p2pPeer, rpcPeer := mkPeer(1), mkPeer(2)
	room := types.NewRoom(1, false, []types.PeerId{p2pPeer, rpcPeer})
	room.Online(p2pPeer, types.P2P())
	room.Online(rpcPeer, types.RPC(7))

	sink := &fakeSink{}
	result := types.HandleResult{
		One: []types.OneEntry{{Peer: p2pPeer, Param: mv("one")}},
		All: []types.Param{mv("all")},
		Over: true,
	}

	Dispatch(room, result, ReplyPath{}, 42, sink)

	require.Len(t, sink.p2p, 3)
	assert.Equal(t, "one", mustDecodeMethod(t, sink.p2p[0].payload))
	assert.Equal(t, "all", mustDecodeMethod(t, sink.p2p[1].payload))
	assert.Equal(t, "over", mustDecodeMethod(t, sink.p2p[2].payload))

	require.Len(t, sink.rpc, 2)
	assert.Equal(t, "all", sink.rpc[0].method)
	assert.Equal(t, uint64(7), sink.rpc[0].channel)
	assert.Equal(t, "over", sink.rpc[1].method)
	assert.Equal(t, uint64(0), sink.rpc[1].requestID)
}

func TestDispatch_RoutesByConnectKind(t *testing.T) {
	p2pPeer, rpcPeer := mkPeer(1), mkPeer(2)
	room := types.NewRoom(1, false, []types.PeerId{p2pPeer, rpcPeer})
	room.Online(p2pPeer, types.P2P())
	room.Online(rpcPeer, types.RPC(9))

	sink := &fakeSink{}
	Dispatch(room, types.HandleResult{All: []types.Param{mv("tick")}}, ReplyPath{}, 1, sink)

	require.Len(t, sink.p2p, 1)
	assert.Equal(t, p2pPeer, sink.p2p[0].peer)
	require.Len(t, sink.rpc, 1)
	assert.Equal(t, uint64(9), sink.rpc[0].channel)
}

func TestDispatch_DropsOneForUnreachablePeerWithoutReplyPath(t *testing.T) {
	peer := mkPeer(1)
	room := types.NewRoom(1, true, nil)

	sink := &fakeSink{}
	Dispatch(room, types.HandleResult{One: []types.OneEntry{{Peer: peer, Param: mv("one")}}}, ReplyPath{}, 1, sink)

	assert.Empty(t, sink.p2p)
	assert.Empty(t, sink.rpc)
}

func TestDispatch_UsesReplyPathForStillNonePeer(t *testing.T) {
	peer := mkPeer(1)
	room := types.NewRoom(1, true, nil)

	sink := &fakeSink{}
	reply := ReplyPath{Peer: peer, Channel: 5, Valid: true}
	Dispatch(room, types.HandleResult{One: []types.OneEntry{{Peer: peer, Param: mv("one")}}}, reply, 3, sink)

	require.Len(t, sink.rpc, 1)
	assert.Equal(t, uint64(5), sink.rpc[0].channel)
	assert.Equal(t, uint64(3), sink.rpc[0].requestID)
}

func TestDispatch_SkipsOverWhenNotEnded(t *testing.T) {
	room := types.NewRoom(1, true, nil)
	sink := &fakeSink{}
	Dispatch(room, types.HandleResult{}, ReplyPath{}, 1, sink)
	assert.Empty(t, sink.rpc)
	assert.Empty(t, sink.p2p)
}

func TestSendRPC_SwallowsEncodeErrorWithoutSending(t *testing.T) {
	peer := mkPeer(1)
	room := types.NewRoom(1, false, []types.PeerId{peer})
	room.Online(peer, types.RPC(1))

	sink := &fakeSink{}
	Dispatch(room, types.HandleResult{One: []types.OneEntry{{Peer: peer, Param: failParam{}}}}, ReplyPath{}, 1, sink)

	assert.Empty(t, sink.rpc)
}

func mustDecodeMethod(t *testing.T, b []byte) string {
	t.Helper()
	var mv handler.MethodValue
	require.NoError(t, json.Unmarshal(b, &mv))
	return mv.Name
}
