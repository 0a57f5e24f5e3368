// Package chain implements the chain-facing halves of the engine: the
// scanner (C7, inbound RoomMarket events) and the submission pool (C8,
// outbound accept/over transactions), plus the bounded Reprove retry queue.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/metrics"
)

const (
	// scanDelay is the number of blocks the scanner stays behind chain tip,
	// a cheap guard against shallow reorgs (deep reorg handling is a non-goal).
	scanDelay = uint64(1)
	// scanRangeCap bounds how many blocks a single FilterLogs call spans.
	scanRangeCap = uint64(200)
	// scanTimeout bounds a single provider RPC call.
	scanTimeout = 10 * time.Second
	// idleSleep is how long the scanner waits when no new blocks appeared.
	idleSleep = 1 * time.Second
)

// Provider is the subset of ethclient.Client the scanner needs, kept as an
// interface so tests can supply a fake without a live RPC endpoint.
type Provider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// namedProvider pairs a Provider with a label for metrics/logging and its
// own circuit breaker, so a consistently failing RPC endpoint is skipped
// quickly rather than retried every scan pass.
type namedProvider struct {
	name     string
	client   Provider
	breaker  *gobreaker.CircuitBreaker
	cursor   uint64
}

// Scanner polls one or more JSON-RPC providers round-robin for RoomMarket
// events, never advancing its cursor past a chain tip it could not confirm.
type Scanner struct {
	providers []*namedProvider
	market    common.Address
	next      int
}

// NewScanner builds a Scanner over providers (labelled by name), rooted at
// startBlock. The round-robin order is the map's iteration order, which is
// not defined.
func NewScanner(market common.Address, startBlock uint64, providers map[string]Provider) *Scanner {
	s := &Scanner{market: market}
	for name, client := range providers {
		breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "chain-provider-" + name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				logging.Warn(context.Background(), "chain provider breaker state change",
					zap.String("provider", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		s.providers = append(s.providers, &namedProvider{name: name, client: client, breaker: breaker, cursor: startBlock})
	}
	return s
}

// Run polls providers round-robin until ctx is cancelled, emitting exactly
// one Event per observed log onto out.
func (s *Scanner) Run(ctx context.Context, out chan<- Event) {
	if len(s.providers) == 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.step(ctx, out) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// step runs one round-robin iteration and reports whether any progress was
// made (a successful query against a range, whether or not it held events).
func (s *Scanner) step(ctx context.Context, out chan<- Event) bool {
	p := s.providers[s.next]
	s.next = (s.next + 1) % len(s.providers)

	callCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	result, err := p.breaker.Execute(func() (interface{}, error) {
		tip, err := p.client.BlockNumber(callCtx)
		if err != nil {
			return nil, err
		}
		return tip, nil
	})
	if err != nil {
		metrics.ChainScanErrors.WithLabelValues(p.name).Inc()
		logging.Warn(ctx, "chain scan: provider error", zap.String("provider", p.name), zap.Error(err))
		return false
	}

	tip := result.(uint64)
	if tip < scanDelay {
		return false
	}
	confirmedTip := tip - scanDelay
	metrics.ChainScanLag.Set(float64(tip - p.cursor))

	if confirmedTip <= p.cursor {
		return false
	}

	from := p.cursor + 1
	to := confirmedTip
	if to-from+1 > scanRangeCap {
		to = from + scanRangeCap - 1
	}

	logs, err := p.breaker.Execute(func() (interface{}, error) {
		return p.client.FilterLogs(callCtx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.market},
			Topics:    [][]common.Hash{marketTopics},
		})
	})
	if err != nil {
		metrics.ChainScanErrors.WithLabelValues(p.name).Inc()
		logging.Warn(ctx, "chain scan: filter logs failed", zap.String("provider", p.name), zap.Error(err))
		return false
	}

	for _, log := range logs.([]types.Log) {
		ev, ok, decodeErr := decodeLog(log)
		if decodeErr != nil {
			logging.Warn(ctx, "chain scan: dropping undecodable event", zap.String("provider", p.name), zap.Error(decodeErr))
			continue
		}
		if !ok {
			continue
		}
		metrics.ChainEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
		select {
		case out <- ev:
		case <-ctx.Done():
			return true
		}
	}

	p.cursor = to
	return true
}
