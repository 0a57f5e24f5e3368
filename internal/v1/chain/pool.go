package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/metrics"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

// extraGasPercent is the gas-price bump applied to every submission pool
// transaction, per spec: gas = price + price/10.
const extraGasPercent = 10

// fallbackGasPrice is used only if the backend's SuggestGasPrice call fails.
var fallbackGasPrice = big.NewInt(20_000_000_000) // 20 gwei

const marketABIJSON = `[
  {"type":"function","name":"acceptRoom","inputs":[{"name":"room","type":"uint256"},{"name":"params","type":"bytes"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"overRoomWithZK","inputs":[{"name":"room","type":"uint256"},{"name":"result","type":"bytes"},{"name":"proof","type":"bytes"}],"outputs":[],"stateMutability":"nonpayable"}
]`

// PoolMessage is one outbound submission: either an accept-room candidacy or
// a settled game-over with its ZK result and proof.
type PoolMessage struct {
	Kind   PoolMessageKind
	Room   types.RoomId
	Params []byte // AcceptRoom's chain_accept blob
	Result []byte // OverRoom's result bytes
	Proof  []byte // OverRoom's proof bytes
}

type PoolMessageKind int

const (
	PoolAcceptRoom PoolMessageKind = iota
	PoolOverRoom
)

// ReproveMessage is sent back to the engine when an OverRoom submission
// fails, so the handler can be asked to re-prove (see reprove.go for the
// bounded retry queue that backs this).
type ReproveMessage struct {
	Room types.RoomId
}

// GasPricer is the narrow slice of bind.ContractBackend the pool needs for
// its own gas estimation, kept separate so tests can fake it without
// satisfying the much larger ContractBackend interface.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Pool consumes accept/over requests and submits them as on-chain
// transactions with gas-bumping; OverRoom failures are handed to Reprove.
type Pool struct {
	contract *bind.BoundContract
	gas      GasPricer
	opts     *bind.TransactOpts
	reprove  *ReproveQueue
}

// NewPool builds a Pool that submits via backend, signing with opts, and
// hands OverRoom failures to reprove.
func NewPool(market common.Address, backend bind.ContractBackend, opts *bind.TransactOpts, reprove *ReproveQueue) (*Pool, error) {
	parsed, err := abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(market, parsed, backend, backend, backend)
	return &Pool{contract: contract, gas: backend, opts: opts, reprove: reprove}, nil
}

// Run consumes messages from in until ctx is cancelled or in is closed.
func (p *Pool) Run(ctx context.Context, in <-chan PoolMessage, reproveOut chan<- ReproveMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			p.submit(ctx, msg, reproveOut)
		}
	}
}

func (p *Pool) gasPrice(ctx context.Context) *big.Int {
	price, err := p.gas.SuggestGasPrice(ctx)
	if err != nil || price == nil {
		logging.Warn(ctx, "pool: failed to suggest gas price, using fallback", zap.Error(err))
		price = new(big.Int).Set(fallbackGasPrice)
	}
	bump := new(big.Int).Div(price, big.NewInt(100/extraGasPercent))
	return new(big.Int).Add(price, bump)
}

func (p *Pool) submit(ctx context.Context, msg PoolMessage, reproveOut chan<- ReproveMessage) {
	opts := *p.opts
	opts.Context = ctx
	opts.GasPrice = p.gasPrice(ctx)

	switch msg.Kind {
	case PoolAcceptRoom:
		tx, err := p.contract.Transact(&opts, "acceptRoom", new(big.Int).SetUint64(uint64(msg.Room)), msg.Params)
		p.logResult(ctx, "acceptRoom", msg.Room, tx, err)
	case PoolOverRoom:
		tx, err := p.contract.Transact(&opts, "overRoomWithZK", new(big.Int).SetUint64(uint64(msg.Room)), msg.Result, msg.Proof)
		p.logResult(ctx, "overRoomWithZK", msg.Room, tx, err)
		if err != nil {
			p.triggerReprove(ctx, msg.Room, reproveOut)
		} else if p.reprove != nil {
			p.reprove.Forget(msg.Room)
		}
	}
}

func (p *Pool) triggerReprove(ctx context.Context, room types.RoomId, reproveOut chan<- ReproveMessage) {
	if p.reprove != nil && !p.reprove.Allow(room) {
		logging.Warn(ctx, "pool: reprove attempts exhausted", zap.Uint64("room", uint64(room)))
		metrics.ReproveAttempts.WithLabelValues("exhausted").Inc()
		return
	}
	metrics.ReproveAttempts.WithLabelValues("scheduled").Inc()
	select {
	case reproveOut <- ReproveMessage{Room: room}:
	case <-ctx.Done():
	case <-time.After(time.Second):
		logging.Warn(ctx, "pool: reprove channel full, dropping", zap.Uint64("room", uint64(room)))
	}
}

func (p *Pool) logResult(ctx context.Context, method string, room types.RoomId, tx *ethtypes.Transaction, err error) {
	if err != nil {
		if reason := decodeRevertReason(err); reason != "" {
			logging.Error(ctx, "pool: submission reverted", zap.String("method", method), zap.Uint64("room", uint64(room)), zap.String("reason", reason))
		} else {
			logging.Error(ctx, "pool: submission failed", zap.String("method", method), zap.Uint64("room", uint64(room)), zap.Error(err))
		}
		metrics.PoolSubmissions.WithLabelValues(method, "error").Inc()
		return
	}
	logging.Info(ctx, "pool: submission sent", zap.String("method", method), zap.Uint64("room", uint64(room)), zap.String("tx_hash", tx.Hash().Hex()))
	metrics.PoolSubmissions.WithLabelValues(method, "sent").Inc()
}

// decodeRevertReason extracts a human-readable revert string from err, or
// returns "" if none could be decoded (the raw error is logged instead).
func decodeRevertReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted: "); idx >= 0 {
		return msg[idx+len("execution reverted: "):]
	}
	return ""
}
