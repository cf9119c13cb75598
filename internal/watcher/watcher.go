package watcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"atlasProtocol/internal/contracts"
	"atlasProtocol/internal/metrics"
	"atlasProtocol/internal/model"
)

// Watcher delivers LicenseSold events in batches, in the order the node returns them.
type Watcher interface {
	// Watch blocks until ctx is done, the configured end block is delivered,
	// or the source fails. from == 0 starts at the current head.
	Watch(ctx context.Context, from uint64, out chan<- model.SaleBatch) error
}

type position struct {
	block uint64
	index uint
	set   bool
}

// orderTracker counts events that arrive behind an earlier (block, logIndex).
// Events are never reordered; the count only makes the ordering assumption observable.
type orderTracker struct {
	last position
}

func (o *orderTracker) check(events []model.LicenseSaleEvent) int {
	outOfOrder := 0
	for _, ev := range events {
		if o.last.set && (ev.BlockNumber < o.last.block || (ev.BlockNumber == o.last.block && ev.LogIndex <= o.last.index)) {
			outOfOrder++
		}
		o.last = position{block: ev.BlockNumber, index: ev.LogIndex, set: true}
	}
	return outOfOrder
}

// decodeLogs keeps decodable, non-removed LicenseSold logs in delivery order.
func decodeLogs(decoder *contracts.SaleDecoder, logs []types.Log, logger *zap.Logger) []model.LicenseSaleEvent {
	events := make([]model.LicenseSaleEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			logger.Warn("skip removed log", zap.String("tx_hash", log.TxHash.Hex()), zap.Uint("log_index", log.Index), zap.Uint64("block", log.BlockNumber))
			continue
		}
		if !decoder.CanDecode(log) {
			continue
		}
		event, err := decoder.Decode(log)
		if err != nil {
			logger.Warn("decode license sale", zap.Error(err), zap.String("tx_hash", log.TxHash.Hex()), zap.Uint("log_index", log.Index))
			continue
		}
		events = append(events, event)
	}
	return events
}

func reportOrder(tracker *orderTracker, events []model.LicenseSaleEvent, collector *metrics.Collector, logger *zap.Logger) {
	if n := tracker.check(events); n > 0 {
		collector.ObserveOutOfOrder(n)
		logger.Warn("license sales delivered out of chain order", zap.Int("count", n))
	}
}

func latestBlock(ctx context.Context, source LogSource, maxRetries int, retryBackoff time.Duration, logger *zap.Logger) (uint64, error) {
	var head uint64
	err := withRetry(ctx, maxRetries, retryBackoff, func(ctx context.Context) error {
		var err error
		head, err = source.LatestBlockNumber(ctx)
		if err != nil {
			logger.Warn("latest block fetch failed", zap.Error(err))
		}
		return err
	})
	return head, err
}

func filterRange(ctx context.Context, source LogSource, vault common.Address, topic0 common.Hash, blockRange BlockRange, maxRetries int, retryBackoff time.Duration, logger *zap.Logger) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, maxRetries, retryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = source.FilterLogs(ctx, blockRange.From, blockRange.To, []common.Address{vault}, []common.Hash{topic0})
		if err != nil {
			logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
		}
		return err
	})
	return logs, err
}
