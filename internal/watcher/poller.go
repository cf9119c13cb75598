package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"atlasProtocol/internal/contracts"
	"atlasProtocol/internal/metrics"
	"atlasProtocol/internal/model"
)

// LogSource is the read side of the chain client used for polling.
type LogSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// PollConfig holds runtime settings for the poller.
type PollConfig struct {
	Vault         common.Address
	ToBlock       uint64
	Confirmations uint64
	BatchSize     uint64
	PollInterval  time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Poller finds LicenseSold logs by repeatedly filtering new block ranges.
type Poller struct {
	cfg     PollConfig
	source  LogSource
	decoder *contracts.SaleDecoder
	metrics *metrics.Collector
	logger  *zap.Logger
	order   orderTracker
}

// NewPoller builds a Poller with its dependencies.
func NewPoller(cfg PollConfig, source LogSource, decoder *contracts.SaleDecoder, collector *metrics.Collector, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		cfg:     cfg,
		source:  source,
		decoder: decoder,
		metrics: collector,
		logger:  logger,
	}
}

// Watch polls until ctx is done, or until cfg.ToBlock is delivered when set.
func (p *Poller) Watch(ctx context.Context, from uint64, out chan<- model.SaleBatch) error {
	if p.source == nil {
		return fmt.Errorf("log source is nil")
	}
	if p.decoder == nil {
		return fmt.Errorf("decoder is nil")
	}
	if p.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	if p.cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	cursor := from
	if cursor == 0 {
		head, err := p.safeHead(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		cursor = head + 1
		p.logger.Info("start from head", zap.Uint64("from", cursor))
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		next, err := p.pollOnce(ctx, cursor, out)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("poll failed", zap.Error(err), zap.Uint64("cursor", next))
		}
		cursor = next

		if p.cfg.ToBlock > 0 && cursor > p.cfg.ToBlock {
			p.logger.Info("reached end block", zap.Uint64("to", p.cfg.ToBlock))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOnce delivers every range from cursor to the safe head and returns the new cursor.
func (p *Poller) pollOnce(ctx context.Context, cursor uint64, out chan<- model.SaleBatch) (uint64, error) {
	head, err := p.safeHead(ctx)
	if err != nil {
		return cursor, fmt.Errorf("get latest block: %w", err)
	}
	end := head
	if p.cfg.ToBlock > 0 && end > p.cfg.ToBlock {
		end = p.cfg.ToBlock
	}
	if cursor > end {
		return cursor, nil
	}

	ranges, err := SplitRange(cursor, end, p.cfg.BatchSize)
	if err != nil {
		return cursor, err
	}

	for _, blockRange := range ranges {
		p.logger.Debug("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

		logs, err := p.filterLogsWithRetry(ctx, blockRange)
		if err != nil {
			return cursor, fmt.Errorf("filter logs %d-%d: %w", blockRange.From, blockRange.To, err)
		}

		events := decodeLogs(p.decoder, logs, p.logger)
		reportOrder(&p.order, events, p.metrics, p.logger)

		batch := model.SaleBatch{
			From:       blockRange.From,
			To:         blockRange.To,
			Checkpoint: blockRange.To,
			Events:     events,
		}
		select {
		case <-ctx.Done():
			return cursor, ctx.Err()
		case out <- batch:
		}
		p.metrics.ObserveBatch(len(events))
		if len(events) > 0 {
			p.logger.Info("license sales found", zap.Int("events", len(events)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
		}
		cursor = blockRange.To + 1
	}

	return cursor, nil
}

func (p *Poller) safeHead(ctx context.Context) (uint64, error) {
	head, err := latestBlock(ctx, p.source, p.cfg.MaxRetries, p.cfg.RetryBackoff, p.logger)
	if err != nil {
		return 0, err
	}
	if head < p.cfg.Confirmations {
		return 0, nil
	}
	return head - p.cfg.Confirmations, nil
}

func (p *Poller) filterLogsWithRetry(ctx context.Context, blockRange BlockRange) ([]types.Log, error) {
	return filterRange(ctx, p.source, p.cfg.Vault, p.decoder.Topic0(), blockRange, p.cfg.MaxRetries, p.cfg.RetryBackoff, p.logger)
}
