package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/z4-labs/sequencer/internal/v1/types"
)

type fakeGasPricer struct {
	price *big.Int
	err   error
}

func (f *fakeGasPricer) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.price, f.err
}

func TestPool_GasPrice_BumpsTenPercent(t *testing.T) {
	p := &Pool{gas: &fakeGasPricer{price: big.NewInt(1000)}}
	got := p.gasPrice(context.Background())
	assert.Equal(t, big.NewInt(1100), got)
}

func TestPool_GasPrice_FallsBackOnError(t *testing.T) {
	p := &Pool{gas: &fakeGasPricer{err: errors.New("rpc down")}}
	got := p.gasPrice(context.Background())
	assert.Equal(t, new(big.Int).Add(fallbackGasPrice, new(big.Int).Div(fallbackGasPrice, big.NewInt(10))), got)
}

func TestDecodeRevertReason(t *testing.T) {
	assert.Equal(t, "", decodeRevertReason(nil))
	assert.Equal(t, "", decodeRevertReason(errors.New("connection refused")))
	assert.Equal(t, "room already accepted", decodeRevertReason(errors.New("execution reverted: room already accepted")))
}

func TestPool_TriggerReprove_RespectsExhaustion(t *testing.T) {
	q := NewReproveQueue(nil)
	p := &Pool{reprove: q}
	out := make(chan ReproveMessage, 4)
	ctx := context.Background()

	for i := 0; i < maxReproveAttempts; i++ {
		p.triggerReprove(ctx, types.RoomId(1), out)
	}
	assert.Len(t, out, maxReproveAttempts)

	// One more attempt should be refused and emit nothing further.
	p.triggerReprove(ctx, types.RoomId(1), out)
	assert.Len(t, out, maxReproveAttempts)
}

func TestPool_TriggerReprove_DropsWhenChannelFull(t *testing.T) {
	p := &Pool{reprove: NewReproveQueue(nil)}
	out := make(chan ReproveMessage) // unbuffered, nobody reading

	start := time.Now()
	p.triggerReprove(context.Background(), types.RoomId(2), out)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}
