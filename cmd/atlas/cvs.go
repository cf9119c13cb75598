package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"atlasProtocol/internal/chain"
	"atlasProtocol/internal/config"
	"atlasProtocol/internal/cvs"
	"atlasProtocol/internal/oracle"
	"atlasProtocol/internal/pipeline"
)

func newCVSCommand() *cobra.Command {
	cvsCmd := &cobra.Command{
		Use:   "cvs",
		Short: "Inspect and manually update CVS values",
	}

	getCmd := &cobra.Command{
		Use:   "get <ip-id>",
		Short: "Print the on-chain CVS of an IP asset",
		Args:  cobra.ExactArgs(1),
		RunE:  runCVSGet,
	}
	addChainFlags(getCmd.Flags())
	getCmd.Flags().Bool("json", false, "print the record as JSON")

	setCmd := &cobra.Command{
		Use:   "set <ip-id> <value>",
		Short: "Submit an absolute CVS value, wait for it to be mined and verify it",
		Args:  cobra.ExactArgs(2),
		RunE:  runCVSSet,
	}
	addChainFlags(setCmd.Flags())
	setCmd.Flags().String("private-key", "", "signer private key (hex)")
	setCmd.Flags().Duration("confirm-timeout", oracle.DefaultConfirmTimeout, "bound on waiting for the update to be mined")
	setCmd.Flags().Duration("receipt-interval", oracle.DefaultReceiptInterval, "receipt polling interval")
	setCmd.Flags().String("sentry-dsn", "", "Sentry DSN for error reporting")

	calcCmd := &cobra.Command{
		Use:   "calc <amount> <license-type>",
		Short: "Print the CVS increment for a sale",
		Args:  cobra.ExactArgs(2),
		RunE:  runCVSCalc,
	}

	cvsCmd.AddCommand(getCmd, setCmd, calcCmd)
	return cvsCmd
}

func runCVSGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireReader(); err != nil {
		return err
	}
	ipID, err := config.ParseIPID(args[0])
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

	reader, err := oracle.NewReader(chainClient, oracleAddr)
	if err != nil {
		return err
	}
	record, err := reader.Record(ctx, ipID)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(record)
	}
	fmt.Fprintln(cmd.OutOrStdout(), record.CurrentValue.String())
	return nil
}

func runCVSSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, flush, err := newLogger(cfg, "cvs-set")
	if err != nil {
		return err
	}
	defer flush()

	if err := cfg.RequireWriter(); err != nil {
		return err
	}
	ipID, err := config.ParseIPID(args[0])
	if err != nil {
		return err
	}
	value, err := config.ParseAmount(args[1])
	if err != nil {
		return err
	}
	key, err := config.ParsePrivateKey(cfg.PrivateKey)
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

	previous, err := reader.GetCVS(ctx, ipID)
	if err != nil {
		return err
	}
	if value.Cmp(previous) < 0 {
		log.Warn("manual update lowers cvs", zap.String("previous_cvs", previous.String()), zap.String("new_cvs", value.String()))
	}

	txHash, err := writer.SubmitCVSUpdate(ctx, ipID, value)
	if err != nil {
		return err
	}
	if _, err := writer.AwaitConfirmation(ctx, txHash, cfg.ConfirmTimeout); err != nil {
		log.Error("cvs update failed", zap.Error(err), zap.String("error_kind", pipeline.ErrorKind(err)), zap.String("tx_hash", txHash.Hex()))
		return err
	}

	actual, err := reader.GetCVS(ctx, ipID)
	if err != nil {
		return err
	}
	if actual.Cmp(value) != 0 {
		err := &pipeline.MismatchError{Expected: value, Actual: actual}
		log.Error("cvs verification anomaly", zap.Error(err), zap.String("tx_hash", txHash.Hex()))
		return err
	}

	log.Info("cvs update verified",
		zap.String("ip_id", ipID.Hex()),
		zap.String("previous_cvs", previous.String()),
		zap.String("new_cvs", value.String()),
		zap.String("tx_hash", txHash.Hex()),
	)
	fmt.Fprintln(cmd.OutOrStdout(), txHash.Hex())
	return nil
}

func runCVSCalc(cmd *cobra.Command, args []string) error {
	amount, err := config.ParseAmount(args[0])
	if err != nil {
		return err
	}
	bps, tier := cvs.Rate(args[1])
	increment := cvs.Increment(amount, args[1])

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tier: %s\n", tier)
	fmt.Fprintf(out, "rate_bps: %d\n", bps)
	fmt.Fprintf(out, "increment: %s\n", increment.String())
	return nil
}
