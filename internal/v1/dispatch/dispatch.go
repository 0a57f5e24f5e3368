// Package dispatch implements the result dispatcher (C4): it turns a
// HandleResult from a handler or task into outgoing messages, routed
// per-peer by whichever transport that peer is currently reachable on.
package dispatch

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/handler"
	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/metrics"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

// Sink is the pure send-side the dispatcher writes to. Implementations are
// expected to be best-effort and non-blocking per the transports' own
// backpressure policy; the dispatcher never retries a dropped send.
type Sink interface {
	SendP2P(room types.RoomId, peer types.PeerId, payload []byte)
	SendRPC(channelID uint64, room types.RoomId, requestID uint64, method string, params json.RawMessage)
}

// ReplyPath is the direct (peer, channel) pair supplied by the ingress that
// triggered this dispatch, used only to deliver a One entry addressed to a
// peer whose room state is still None (e.g. the in-flight connect call
// itself, before Online has recorded a ConnectType).
type ReplyPath struct {
	Peer    types.PeerId
	Channel uint64
	Valid   bool
}

// overParam is the synthetic {"method":"over","params":[]} broadcast emitted
// once a HandleResult carries Over = true.
var overParam = handler.MethodValue{Name: "over", Params: json.RawMessage("[]")}

// Dispatch applies the result-dispatcher ordering: every One entry first (in
// order), then every All entry (in order) to every room viewer, then a
// terminal over broadcast if the result says the game ended.
func Dispatch(room *types.Room, result types.HandleResult, reply ReplyPath, requestID uint64, sink Sink) {
	for _, one := range result.One {
		routeOne(room, one, reply, requestID, sink)
	}

	for _, param := range result.All {
		routeAll(room, param, requestID, sink)
	}

	if result.Over {
		routeAll(room, overParam, 0, sink)
		metrics.DispatchTotal.WithLabelValues("over", "sent").Inc()
	}
}

func routeOne(room *types.Room, one types.OneEntry, reply ReplyPath, requestID uint64, sink Sink) {
	ctype := room.Get(one.Peer)
	switch ctype.Kind {
	case types.ConnectP2P:
		sink.SendP2P(room.ID, one.Peer, one.Param.ToBytes())
		metrics.DispatchTotal.WithLabelValues("one", "sent").Inc()
	case types.ConnectRPC:
		sendRPC(sink, ctype.ChannelID, room.ID, requestID, one.Param)
		metrics.DispatchTotal.WithLabelValues("one", "sent").Inc()
	default:
		if reply.Valid && reply.Peer == one.Peer {
			sendRPC(sink, reply.Channel, room.ID, requestID, one.Param)
			metrics.DispatchTotal.WithLabelValues("one", "sent").Inc()
		} else {
			logging.Warn(context.Background(), "dispatch: dropping one entry for unreachable peer",
				zap.Uint64("room", uint64(room.ID)), zap.Stringer("peer", one.Peer))
			metrics.DispatchTotal.WithLabelValues("one", "dropped").Inc()
		}
	}
}

func routeAll(room *types.Room, param types.Param, requestID uint64, sink Sink) {
	room.Iter(func(peer types.PeerId, ctype types.ConnectType) {
		switch ctype.Kind {
		case types.ConnectP2P:
			sink.SendP2P(room.ID, peer, param.ToBytes())
			metrics.DispatchTotal.WithLabelValues("all", "sent").Inc()
		case types.ConnectRPC:
			sendRPC(sink, ctype.ChannelID, room.ID, requestID, param)
			metrics.DispatchTotal.WithLabelValues("all", "sent").Inc()
		default:
			metrics.DispatchTotal.WithLabelValues("all", "dropped").Inc()
		}
	})
}

func sendRPC(sink Sink, channel uint64, room types.RoomId, requestID uint64, param types.Param) {
	value, err := param.ToValue()
	if err != nil {
		logging.Warn(context.Background(), "dispatch: failed to encode param for rpc",
			zap.Uint64("room", uint64(room)), zap.Error(err))
		return
	}
	sink.SendRPC(channel, room, requestID, param.Method(), value)
}
