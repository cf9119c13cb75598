package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"atlasProtocol/internal/contracts"
	"atlasProtocol/internal/metrics"
	"atlasProtocol/internal/model"
)

const subscribeBuffer = 64

// LogSubscriber opens a push subscription for newly mined logs.
type LogSubscriber interface {
	SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
}

// SubscribeSource can both backfill past blocks and push new logs.
type SubscribeSource interface {
	LogSource
	LogSubscriber
}

// SubscribeConfig holds runtime settings for the subscriber.
type SubscribeConfig struct {
	Vault        common.Address
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

// Subscriber delivers each LicenseSold log as soon as the node pushes it.
// When resuming from a block it first backfills [from, head] with FilterLogs.
type Subscriber struct {
	cfg     SubscribeConfig
	source  SubscribeSource
	decoder *contracts.SaleDecoder
	metrics *metrics.Collector
	logger  *zap.Logger
	order   orderTracker
}

// NewSubscriber builds a Subscriber for the vault contract.
func NewSubscriber(cfg SubscribeConfig, source SubscribeSource, decoder *contracts.SaleDecoder, collector *metrics.Collector, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		cfg:     cfg,
		source:  source,
		decoder: decoder,
		metrics: collector,
		logger:  logger,
	}
}

// Watch subscribes to new logs and, when from > 0, backfills [from, head] before
// forwarding pushed logs. It runs until ctx is done or the subscription fails.
func (s *Subscriber) Watch(ctx context.Context, from uint64, out chan<- model.SaleBatch) error {
	if s.source == nil {
		return fmt.Errorf("log subscriber is nil")
	}
	if s.decoder == nil {
		return fmt.Errorf("decoder is nil")
	}
	if from > 0 && s.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}

	// Subscribe before backfilling so nothing mined in between is missed.
	logs := make(chan types.Log, subscribeBuffer)
	sub, err := s.source.SubscribeLogs(ctx, []common.Address{s.cfg.Vault}, []common.Hash{s.decoder.Topic0()}, logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()
	s.logger.Info("subscribed to license sales", zap.String("vault", s.cfg.Vault.Hex()), zap.Uint64("from", from))

	var backfilled uint64
	if from > 0 {
		backfilled, err = s.backfill(ctx, from, out)
		if err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				return fmt.Errorf("subscription closed")
			}
			return fmt.Errorf("subscription: %w", err)
		case log := <-logs:
			if log.BlockNumber <= backfilled {
				continue
			}
			events := decodeLogs(s.decoder, []types.Log{log}, s.logger)
			if len(events) == 0 {
				continue
			}
			reportOrder(&s.order, events, s.metrics, s.logger)

			event := events[0]
			checkpoint := uint64(0)
			if event.BlockNumber > 0 {
				checkpoint = event.BlockNumber - 1
			}
			batch := model.SaleBatch{
				From:       event.BlockNumber,
				To:         event.BlockNumber,
				Checkpoint: checkpoint,
				Events:     events,
			}
			if err := s.send(ctx, out, batch); err != nil {
				return err
			}
		}
	}
}

// backfill delivers [from, head] in BatchSize ranges and returns the last block covered.
func (s *Subscriber) backfill(ctx context.Context, from uint64, out chan<- model.SaleBatch) (uint64, error) {
	head, err := latestBlock(ctx, s.source, s.cfg.MaxRetries, s.cfg.RetryBackoff, s.logger)
	if err != nil {
		return 0, fmt.Errorf("get latest block: %w", err)
	}
	if from > head {
		return 0, nil
	}

	ranges, err := SplitRange(from, head, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	s.logger.Info("backfill license sales", zap.Uint64("from", from), zap.Uint64("to", head))

	for _, blockRange := range ranges {
		logs, err := filterRange(ctx, s.source, s.cfg.Vault, s.decoder.Topic0(), blockRange, s.cfg.MaxRetries, s.cfg.RetryBackoff, s.logger)
		if err != nil {
			return 0, fmt.Errorf("filter logs %d-%d: %w", blockRange.From, blockRange.To, err)
		}
		events := decodeLogs(s.decoder, logs, s.logger)
		reportOrder(&s.order, events, s.metrics, s.logger)

		batch := model.SaleBatch{
			From:       blockRange.From,
			To:         blockRange.To,
			Checkpoint: blockRange.To,
			Events:     events,
		}
		if err := s.send(ctx, out, batch); err != nil {
			return 0, err
		}
	}
	return head, nil
}

func (s *Subscriber) send(ctx context.Context, out chan<- model.SaleBatch, batch model.SaleBatch) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- batch:
	}
	s.metrics.ObserveBatch(len(batch.Events))
	return nil
}
