package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

// EventKind discriminates the five RoomMarket events the scanner observes.
type EventKind int

const (
	EventCreateRoom EventKind = iota
	EventJoinRoom
	EventStartRoom
	EventAcceptRoom
	EventOverRoom
)

func (k EventKind) String() string {
	switch k {
	case EventCreateRoom:
		return "CreateRoom"
	case EventJoinRoom:
		return "JoinRoom"
	case EventStartRoom:
		return "StartRoom"
	case EventAcceptRoom:
		return "AcceptRoom"
	case EventOverRoom:
		return "OverRoom"
	default:
		return "Unknown"
	}
}

// Event is a single RoomMarket contract event, decoded and typed. Exactly
// one Event is emitted per contract log; the scanner never batches.
type Event struct {
	Kind     EventKind
	Room     types.RoomId
	Game     types.GameId
	Reward   *big.Int
	Viewable bool
	Player   types.Player // Account/Peer/Signer populated for CreateRoom/JoinRoom
	Salt     [32]byte
	Block    [32]byte

	Sequencer types.PeerId
	Websocket string
	Locked    *big.Int
	Params    json.RawMessage
}

// roomIDFromBig converts a uint256 room id to RoomId, rejecting values that
// don't fit in 64 bits (boundary behavior: silently dropped by the scanner).
func roomIDFromBig(v *big.Int) (types.RoomId, bool) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, false
	}
	return types.RoomId(v.Uint64()), true
}

func addressToPeer(a common.Address) types.PeerId {
	var p types.PeerId
	copy(p[:], a[:])
	return p
}

func addressToAccount(a common.Address) types.Account {
	var acc types.Account
	copy(acc[:], a[:])
	return acc
}

func addressToGame(a common.Address) types.GameId {
	var g types.GameId
	copy(g[:], a[:])
	return g
}

func decodeCreateRoom(data []byte) (Event, error) {
	vals, err := createRoomArgs.Unpack(data)
	if err != nil {
		return Event{}, fmt.Errorf("decode CreateRoom: %w", err)
	}
	room, ok := roomIDFromBig(vals[0].(*big.Int))
	if !ok {
		return Event{}, errRoomIDOverflow
	}
	game := vals[1].(common.Address)
	reward := vals[2].(*big.Int)
	viewable := vals[3].(bool)
	player := vals[4].(common.Address)
	peer := vals[5].(common.Address)
	signer := vals[6].([32]byte)
	salt := vals[7].([32]byte)
	block := vals[8].([32]byte)

	return Event{
		Kind:     EventCreateRoom,
		Room:     room,
		Game:     addressToGame(game),
		Reward:   reward,
		Viewable: viewable,
		Player: types.Player{
			Account: addressToAccount(player),
			Peer:    addressToPeer(peer),
			Signer:  signer,
		},
		Salt:  salt,
		Block: block,
	}, nil
}

func decodeJoinRoom(data []byte) (Event, error) {
	vals, err := joinRoomArgs.Unpack(data)
	if err != nil {
		return Event{}, fmt.Errorf("decode JoinRoom: %w", err)
	}
	room, ok := roomIDFromBig(vals[0].(*big.Int))
	if !ok {
		return Event{}, errRoomIDOverflow
	}
	player := vals[1].(common.Address)
	peer := vals[2].(common.Address)
	signer := vals[3].([32]byte)

	return Event{
		Kind: EventJoinRoom,
		Room: room,
		Player: types.Player{
			Account: addressToAccount(player),
			Peer:    addressToPeer(peer),
			Signer:  signer,
		},
	}, nil
}

func decodeStartRoom(data []byte) (Event, error) {
	vals, err := startRoomArgs.Unpack(data)
	if err != nil {
		return Event{}, fmt.Errorf("decode StartRoom: %w", err)
	}
	room, ok := roomIDFromBig(vals[0].(*big.Int))
	if !ok {
		return Event{}, errRoomIDOverflow
	}
	game := vals[1].(common.Address)

	return Event{Kind: EventStartRoom, Room: room, Game: addressToGame(game)}, nil
}

func decodeAcceptRoom(data []byte) (Event, error) {
	vals, err := acceptRoomArgs.Unpack(data)
	if err != nil {
		return Event{}, fmt.Errorf("decode AcceptRoom: %w", err)
	}
	room, ok := roomIDFromBig(vals[0].(*big.Int))
	if !ok {
		return Event{}, errRoomIDOverflow
	}
	sequencer := vals[1].(common.Address)
	websocket := vals[2].(string)
	locked := vals[3].(*big.Int)
	params := vals[4].([]byte)

	return Event{
		Kind:      EventAcceptRoom,
		Room:      room,
		Sequencer: addressToPeer(sequencer),
		Websocket: websocket,
		Locked:    locked,
		Params:    json.RawMessage(params),
	}, nil
}

func decodeOverRoom(data []byte) (Event, error) {
	vals, err := overRoomArgs.Unpack(data)
	if err != nil {
		return Event{}, fmt.Errorf("decode OverRoom: %w", err)
	}
	room, ok := roomIDFromBig(vals[0].(*big.Int))
	if !ok {
		return Event{}, errRoomIDOverflow
	}
	return Event{Kind: EventOverRoom, Room: room}, nil
}

var errRoomIDOverflow = fmt.Errorf("chain: room id exceeds uint64, event dropped")
