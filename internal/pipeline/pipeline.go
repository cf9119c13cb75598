// Package pipeline turns license sales into confirmed CVS updates, one event at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"atlasProtocol/internal/metrics"
	"atlasProtocol/internal/model"
	"atlasProtocol/internal/oracle"
	"atlasProtocol/internal/storage"
	"atlasProtocol/internal/watcher"
)

const defaultQueueSize = 16

// CVSReader reads the current CVS of an IP asset.
type CVSReader interface {
	GetCVS(ctx context.Context, ipID common.Hash) (*big.Int, error)
}

// CVSWriter submits absolute CVS values and waits for them to be mined.
type CVSWriter interface {
	SubmitCVSUpdate(ctx context.Context, ipID common.Hash, newValue *big.Int) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// Config holds pipeline runtime settings.
type Config struct {
	FromBlock      uint64
	ConfirmTimeout time.Duration
	QueueSize      int
}

// Deps are the collaborators a Pipeline drives. Reader, Writer and Watcher are required.
type Deps struct {
	Reader  CVSReader
	Writer  CVSWriter
	Watcher watcher.Watcher
	State   watcher.StateStore
	Sink    storage.Storage
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Pipeline owns all state of one run: the seen-event set, the lifecycle and the outcome sink.
type Pipeline struct {
	cfg     Config
	reader  CVSReader
	writer  CVSWriter
	watcher watcher.Watcher
	state   watcher.StateStore
	sink    storage.Storage
	checker storage.ProcessedChecker
	metrics *metrics.Collector
	logger  *zap.Logger
	runID   string
	now     func() time.Time

	seen map[string]struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New builds a Pipeline. It does not touch the chain until Start or Process.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Reader == nil {
		return nil, fmt.Errorf("cvs reader is nil")
	}
	if deps.Writer == nil {
		return nil, fmt.Errorf("cvs writer is nil")
	}
	if deps.Watcher == nil {
		return nil, fmt.Errorf("watcher is nil")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = oracle.DefaultConfirmTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runID := uuid.NewString()
	p := &Pipeline{
		cfg:     cfg,
		reader:  deps.Reader,
		writer:  deps.Writer,
		watcher: deps.Watcher,
		state:   deps.State,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		logger:  logger.With(zap.String("run_id", runID)),
		runID:   runID,
		now:     time.Now,
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	if checker, ok := deps.Sink.(storage.ProcessedChecker); ok {
		p.checker = checker
	}
	return p, nil
}

// RunID identifies this pipeline instance in logs and outcomes.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Start resolves the start block and launches the watcher and the single consumer.
// It returns once both goroutines are running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pipeline already started")
	}

	from, resumed, err := watcher.ResolveStart(ctx, p.state, p.cfg.FromBlock)
	if err != nil {
		return fmt.Errorf("resolve start block: %w", err)
	}
	if resumed {
		p.logger.Info("resume from checkpoint", zap.Uint64("from", from))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	workCtx := context.WithoutCancel(ctx)
	p.cancel = cancel
	p.started = true

	batches := make(chan model.SaleBatch, p.cfg.QueueSize)
	watchErr := make(chan error, 1)

	go func() {
		defer close(batches)
		watchErr <- p.watcher.Watch(watchCtx, from, batches)
	}()

	go func() {
		defer close(p.done)
		p.consume(watchCtx, workCtx, batches)

		err := <-watchErr
		if err != nil && watchCtx.Err() != nil && errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			p.logger.Error("watcher stopped", zap.Error(err))
		}
		cancel()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()

	p.logger.Info("pipeline started", zap.Uint64("from", from), zap.Int("queue_size", p.cfg.QueueSize))
	return nil
}

// Stop unsubscribes the watcher. The event in flight keeps running until it
// finishes or its confirmation times out; queued events are left for replay.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		p.logger.Info("stopping pipeline")
		cancel()
	}
}

// Wait blocks until the pipeline has stopped and returns the watcher's terminal error.
// A stop or a completed bounded replay returns nil.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once the pipeline has stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) consume(stopCtx, workCtx context.Context, batches <-chan model.SaleBatch) {
	for {
		select {
		case <-stopCtx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			p.handleBatch(stopCtx, workCtx, batch)
		}
	}
}

// handleBatch processes events in delivery order and commits the checkpoint
// only when every event of the batch was handled.
func (p *Pipeline) handleBatch(stopCtx, workCtx context.Context, batch model.SaleBatch) {
	for i, event := range batch.Events {
		if stopCtx.Err() != nil {
			p.logger.Info("stop requested, leaving events for replay",
				zap.Int("remaining", len(batch.Events)-i),
				zap.Uint64("from", batch.From),
				zap.Uint64("to", batch.To),
			)
			return
		}
		p.Process(workCtx, event)
	}

	if p.state == nil {
		return
	}
	if err := p.state.Save(workCtx, batch.Checkpoint); err != nil {
		p.logger.Error("save checkpoint", zap.Error(err), zap.Uint64("block", batch.Checkpoint))
		return
	}
	p.metrics.SetCommittedBlock(batch.Checkpoint)
}
