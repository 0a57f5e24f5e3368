package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// The RoomMarket contract's event signatures, bit-exact per the field
// layouts the market emits. None of the fields are indexed, so every event
// is matched purely by its topic0 signature hash and unpacked from the log
// data in field order.
const (
	sigCreateRoom = "CreateRoom(uint256,address,uint256,bool,address,address,bytes32,bytes32,bytes32)"
	sigJoinRoom   = "JoinRoom(uint256,address,address,bytes32)"
	sigStartRoom  = "StartRoom(uint256,address)"
	sigAcceptRoom = "AcceptRoom(uint256,address,string,uint256,bytes)"
	sigOverRoom   = "OverRoom(uint256)"
)

var (
	topicCreateRoom = crypto.Keccak256Hash([]byte(sigCreateRoom))
	topicJoinRoom   = crypto.Keccak256Hash([]byte(sigJoinRoom))
	topicStartRoom  = crypto.Keccak256Hash([]byte(sigStartRoom))
	topicAcceptRoom = crypto.Keccak256Hash([]byte(sigAcceptRoom))
	topicOverRoom   = crypto.Keccak256Hash([]byte(sigOverRoom))
)

// marketTopics is the set of log topics the scanner filters for, in the
// exact order spec'd: CreateRoom, JoinRoom, StartRoom, AcceptRoom, OverRoom.
var marketTopics = []common.Hash{topicCreateRoom, topicJoinRoom, topicStartRoom, topicAcceptRoom, topicOverRoom}

func mustArgs(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for i, t := range types {
		ty, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("chain: bad abi type %q: %v", t, err))
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: ty})
	}
	return args
}

var (
	createRoomArgs = mustArgs("uint256", "address", "uint256", "bool", "address", "address", "bytes32", "bytes32", "bytes32")
	joinRoomArgs   = mustArgs("uint256", "address", "address", "bytes32")
	startRoomArgs  = mustArgs("uint256", "address")
	acceptRoomArgs = mustArgs("uint256", "address", "string", "uint256", "bytes")
	overRoomArgs   = mustArgs("uint256")
)

// decodeLog unpacks a raw log into a typed Event per its topic0, or returns
// ok=false for a log this scanner doesn't recognize (never expected given
// the topic filter, but defensive).
func decodeLog(log types.Log) (Event, bool, error) {
	if len(log.Topics) == 0 {
		return Event{}, false, nil
	}
	switch log.Topics[0] {
	case topicCreateRoom:
		ev, err := decodeCreateRoom(log.Data)
		return ev, true, err
	case topicJoinRoom:
		ev, err := decodeJoinRoom(log.Data)
		return ev, true, err
	case topicStartRoom:
		ev, err := decodeStartRoom(log.Data)
		return ev, true, err
	case topicAcceptRoom:
		ev, err := decodeAcceptRoom(log.Data)
		return ev, true, err
	case topicOverRoom:
		ev, err := decodeOverRoom(log.Data)
		return ev, true, err
	default:
		return Event{}, false, nil
	}
}
