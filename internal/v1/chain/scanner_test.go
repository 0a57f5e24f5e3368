package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	tip  uint64
	logs []types.Log
	err  error
}

func (f *fakeProvider) BlockNumber(ctx context.Context) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.tip, nil
}

func (f *fakeProvider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.logs, nil
}

func TestScanner_StepEmitsEvents(t *testing.T) {
	market := common.HexToAddress("0x5555555555555555555555555555555555555555")
	game := common.HexToAddress("0x3333333333333333333333333333333333333333")
	data, err := startRoomArgs.Pack(big.NewInt(11), game)
	require.NoError(t, err)

	fp := &fakeProvider{tip: 10, logs: []types.Log{{Topics: []common.Hash{topicStartRoom}, Data: data}}}
	s := NewScanner(market, 0, map[string]Provider{"primary": fp})

	out := make(chan Event, 4)
	progressed := s.step(context.Background(), out)
	assert.True(t, progressed)

	select {
	case ev := <-out:
		assert.Equal(t, EventStartRoom, ev.Kind)
		assert.EqualValues(t, 11, ev.Room)
	default:
		t.Fatal("expected an event on out")
	}
}

func TestScanner_StepNoProgressWhenTipNotAdvanced(t *testing.T) {
	market := common.HexToAddress("0x5555555555555555555555555555555555555555")
	fp := &fakeProvider{tip: 1}
	s := NewScanner(market, 0, map[string]Provider{"primary": fp})

	out := make(chan Event, 1)
	// scanDelay=1 means confirmedTip=0, cursor starts at 0 -> no progress.
	progressed := s.step(context.Background(), out)
	assert.False(t, progressed)
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	market := common.HexToAddress("0x5555555555555555555555555555555555555555")
	fp := &fakeProvider{tip: 0}
	s := NewScanner(market, 0, map[string]Provider{"primary": fp})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event)
	done := make(chan struct{})
	go func() {
		s.Run(ctx, out)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
