package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/z4-labs/sequencer/internal/v1/dispatch"
	"github.com/z4-labs/sequencer/internal/v1/handler"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

// recordedSend is one outbound message captured by fakeSink.
type recordedSend struct {
	p2p    bool
	room   types.RoomId
	peer   types.PeerId
	method string
}

// fakeSink is a dispatch.Sink that records every send instead of writing to
// a real transport, so tests can assert on what the engine routed.
type fakeSink struct {
	mu    sync.Mutex
	sends []recordedSend
}

func (s *fakeSink) SendP2P(room types.RoomId, peer types.PeerId, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, recordedSend{p2p: true, room: room, peer: peer})
}

func (s *fakeSink) SendRPC(channelID uint64, room types.RoomId, requestID uint64, method string, params json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, recordedSend{room: room, method: method})
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func (s *fakeSink) snapshot() []recordedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedSend, len(s.sends))
	copy(out, s.sends)
	return out
}

var _ dispatch.Sink = (*fakeSink)(nil)

// stubParam is a minimal types.Param for tests.
type stubParam struct{ method string }

func (p stubParam) Method() string                          { return p.method }
func (p stubParam) ToBytes() []byte                          { return []byte(p.method) }
func (p stubParam) ToValue() (json.RawMessage, error)        { return json.RawMessage(`"` + p.method + `"`), nil }

// fakeHandler is a scriptable handler.Handler: each hook returns whatever was
// queued for it, or a zero result if nothing was queued.
type fakeHandler struct {
	mu        sync.Mutex
	viewable  bool
	onHandle  func(peer types.PeerId, param types.Param) (types.HandleResult, error)
	onOnline  func(peer types.PeerId) (types.HandleResult, error)
	onOffline func(peer types.PeerId) (types.HandleResult, error)
	onProve   func() ([]byte, []byte, error)
	proveCalls int
}

func (h *fakeHandler) Viewable() bool { return h.viewable }

func (h *fakeHandler) Handle(ctx context.Context, peer types.PeerId, param types.Param) (types.HandleResult, error) {
	if h.onHandle != nil {
		return h.onHandle(peer, param)
	}
	return types.HandleResult{}, nil
}

func (h *fakeHandler) Online(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	if h.onOnline != nil {
		return h.onOnline(peer)
	}
	return types.HandleResult{}, nil
}

func (h *fakeHandler) Offline(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	if h.onOffline != nil {
		return h.onOffline(peer)
	}
	return types.HandleResult{}, nil
}

func (h *fakeHandler) ViewerOnline(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}

func (h *fakeHandler) ViewerOffline(ctx context.Context, peer types.PeerId) (types.HandleResult, error) {
	return types.HandleResult{}, nil
}

func (h *fakeHandler) Prove(ctx context.Context) ([]byte, []byte, error) {
	h.mu.Lock()
	h.proveCalls++
	h.mu.Unlock()
	if h.onProve != nil {
		return h.onProve()
	}
	return []byte("result"), []byte("proof"), nil
}

var _ handler.Handler = (*fakeHandler)(nil)

// fakeCodec is a no-op handler.Codec; the engine tests feed decoded Params
// directly and never exercise the codec path.
type fakeCodec struct{}

func (fakeCodec) FromBytes(b []byte) (types.Param, error) { return stubParam{method: string(b)}, nil }
func (fakeCodec) FromValue(method string, v json.RawMessage) (types.Param, error) {
	return stubParam{method: method}, nil
}

var _ handler.Codec = fakeCodec{}

func mkPeer(b byte) types.PeerId {
	var p types.PeerId
	p[0] = b
	return p
}

func mkGame(b byte) types.GameId {
	var g types.GameId
	g[0] = b
	return g
}

func mkAccount(b byte) types.Account {
	var a types.Account
	a[0] = b
	return a
}
