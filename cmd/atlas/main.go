package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"atlasProtocol/internal/config"
	"atlasProtocol/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "atlas",
		Short:        "Atlas CVS update pipeline",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch license sales and raise CVS on the oracle",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}

	addChainFlags(watchCmd.Flags())
	watchCmd.Flags().String("private-key", "", "signer private key (hex)")
	watchCmd.Flags().String("vault-address", "", "license vault contract address")
	watchCmd.Flags().String("mode", config.ModePoll, "event delivery mode (poll, subscribe)")
	watchCmd.Flags().Uint64("from", 0, "start block (inclusive), 0 means latest")
	watchCmd.Flags().Uint64("to", 0, "end block (inclusive) for a bounded replay, poll mode only")
	watchCmd.Flags().Uint64("confirmations", 0, "blocks to stay behind the head in poll mode")
	watchCmd.Flags().Uint64("batch-size", 2000, "blocks per FilterLogs call")
	watchCmd.Flags().Duration("poll-interval", 12*time.Second, "head polling interval")
	watchCmd.Flags().Duration("confirm-timeout", 60*time.Second, "bound on waiting for an update to be mined")
	watchCmd.Flags().Duration("receipt-interval", 2*time.Second, "receipt polling interval")
	watchCmd.Flags().Int("queue-size", 16, "batches buffered between watcher and pipeline")
	watchCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path")
	watchCmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	watchCmd.Flags().String("pg-dsn", "", "Postgres DSN; when set outcomes and checkpoints go to Postgres")
	watchCmd.Flags().String("out", "./data/cvs_updates.jsonl", "outcome JSONL path when no Postgres DSN is set")
	watchCmd.Flags().Int("max-retries", 5, "maximum retry attempts for watcher reads")
	watchCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	watchCmd.Flags().String("metrics-addr", "", "address serving /metrics, empty disables")
	watchCmd.Flags().String("sentry-dsn", "", "Sentry DSN for error reporting")

	root.AddCommand(watchCmd)
	root.AddCommand(newCVSCommand())

	return root
}

func addChainFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "RPC URL (http, ws or ipc)")
	flags.String("oracle-address", "", "CVS oracle contract address")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	return config.Load(cfgFile, cmd.Flags())
}

func newLogger(cfg config.Config, command string) (*zap.Logger, func(), error) {
	return logger.New(logger.Config{
		Level:     cfg.LogLevel,
		SentryDSN: cfg.SentryDSN,
		Tags:      map[string]string{"command": command},
	})
}
