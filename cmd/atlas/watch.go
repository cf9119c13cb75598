package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"atlasProtocol/internal/chain"
	"atlasProtocol/internal/config"
	"atlasProtocol/internal/contracts"
	"atlasProtocol/internal/metrics"
	"atlasProtocol/internal/oracle"
	"atlasProtocol/internal/pipeline"
	"atlasProtocol/internal/storage"
	"atlasProtocol/internal/storage/postgres"
	"atlasProtocol/internal/watcher"
)

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, flush, err := newLogger(cfg, "watch")
	if err != nil {
		return err
	}
	defer flush()

	if err := cfg.RequireWatch(); err != nil {
		log.Error("invalid configuration", zap.Error(err))
		return err
	}
	key, err := config.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return err
	}
	vault, err := config.ParseAddress("vault-address", cfg.VaultAddress)
	if err != nil {
		return err
	}
	oracleAddr, err := config.ParseAddress("oracle-address", cfg.OracleAddress)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	collector := metrics.NewCollector("atlas")
	if cfg.MetricsAddr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	reader, err := oracle.NewReader(chainClient, oracleAddr)
	if err != nil {
		return err
	}
	writer, err := oracle.NewWriter(chainClient, oracle.WriterConfig{
		OracleAddress:   oracleAddr,
		PrivateKey:      key,
		ReceiptInterval: cfg.ReceiptInterval,
	}, log)
	if err != nil {
		return err
	}

	decoder, err := contracts.NewSaleDecoder()
	if err != nil {
		return err
	}

	var source watcher.Watcher
	switch cfg.Mode {
	case config.ModeSubscribe:
		source = watcher.NewSubscriber(watcher.SubscribeConfig{
			Vault:        vault,
			BatchSize:    cfg.BatchSize,
			MaxRetries:   cfg.MaxRetries,
			RetryBackoff: cfg.RetryBackoff,
		}, chainClient, decoder, collector, log)
	default:
		source = watcher.NewPoller(watcher.PollConfig{
			Vault:         vault,
			ToBlock:       cfg.ToBlock,
			Confirmations: cfg.Confirmations,
			BatchSize:     cfg.BatchSize,
			PollInterval:  cfg.PollInterval,
			MaxRetries:    cfg.MaxRetries,
			RetryBackoff:  cfg.RetryBackoff,
		}, chainClient, decoder, collector, log)
	}

	var (
		sink  storage.Storage
		state watcher.StateStore
	)
	if cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		sink = store
		if cfg.CheckpointOn {
			state = &watcher.DBStateStore{Store: store, Name: vault.Hex()}
		}
	} else {
		sink = storage.NewJsonlStorage(cfg.Out)
		if cfg.CheckpointOn {
			state = &watcher.FileStateStore{Path: cfg.Checkpoint}
		}
	}

	p, err := pipeline.New(pipeline.Config{
		FromBlock:      cfg.FromBlock,
		ConfirmTimeout: cfg.ConfirmTimeout,
		QueueSize:      cfg.QueueSize,
	}, pipeline.Deps{
		Reader:  reader,
		Writer:  writer,
		Watcher: source,
		State:   state,
		Sink:    sink,
		Metrics: collector,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	log.Info("atlas watch start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("mode", cfg.Mode),
		zap.String("vault", vault.Hex()),
		zap.String("oracle", oracleAddr.Hex()),
		zap.String("signer", writer.From().Hex()),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Bool("postgres", cfg.PGDSN != ""),
		zap.Bool("checkpoint_enabled", cfg.CheckpointOn),
		zap.String("run_id", p.RunID()),
	)

	if err := p.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		p.Stop()
	case <-p.Done():
	}
	return p.Wait()
}
