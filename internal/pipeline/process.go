package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"atlasProtocol/internal/cvs"
	"atlasProtocol/internal/model"
	"atlasProtocol/internal/oracle"
)

var errNilCVS = errors.New("cvs reader returned no value")

// Process runs one sale through DETECTED → READING → COMPUTING → SUBMITTING →
// CONFIRMING → VERIFIED, or FAILED at the first error. The second return value is
// false when the sale was already handled, in this run or a recorded earlier one.
// Errors never escape: they end up classified in the outcome.
func (p *Pipeline) Process(ctx context.Context, event model.LicenseSaleEvent) (model.UpdateOutcome, bool) {
	start := p.now()
	key := event.Key()
	logger := p.logger.With(
		zap.String("sale", key),
		zap.String("ip_id", event.IPID.Hex()),
		zap.Uint64("block", event.BlockNumber),
	)

	if _, ok := p.seen[key]; ok {
		logger.Debug("skip duplicate sale")
		return model.UpdateOutcome{}, false
	}

	run := &eventRun{
		outcome: newOutcome(p.runID, event),
		logger:  logger,
	}
	p.advance(run, model.StateDetected)

	if p.checker != nil {
		processed, err := p.checker.IsProcessed(ctx, event.TxHash.Hex(), uint64(event.LogIndex))
		switch {
		case err != nil:
			// Unknown history: a replayed sale could be applied twice.
			p.seen[key] = struct{}{}
			p.fail(run, fmt.Errorf("check processed sales: %w: %v", oracle.ErrTransientChain, err))
			return p.finish(ctx, run, start), true
		case processed:
			p.seen[key] = struct{}{}
			logger.Info("skip sale handled in an earlier run")
			return model.UpdateOutcome{}, false
		}
	}
	p.seen[key] = struct{}{}

	logger.Info("license sale detected",
		zap.String("licensee", event.Licensee.Hex()),
		zap.String("amount", bigString(event.SaleAmount)),
		zap.String("license_type", event.LicenseType),
	)

	p.safeUpdate(ctx, run, event)
	return p.finish(ctx, run, start), true
}

// finish stamps, counts and records a terminal outcome.
func (p *Pipeline) finish(ctx context.Context, run *eventRun, start time.Time) model.UpdateOutcome {
	run.outcome.ProcessedAt = p.now().UTC().Format(time.RFC3339Nano)
	p.metrics.ObserveOutcome(string(run.outcome.State), run.outcome.ErrorKind, p.now().Sub(start))
	if p.sink != nil {
		if err := p.sink.PutOutcome(ctx, run.outcome); err != nil {
			run.logger.Error("record outcome", zap.Error(err))
		}
	}
	return run.outcome
}

// safeUpdate turns a panic inside a collaborator into a FAILED outcome.
func (p *Pipeline) safeUpdate(ctx context.Context, run *eventRun, event model.LicenseSaleEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(run, fmt.Errorf("panic during %s: %v", run.state, r))
		}
	}()
	p.update(ctx, run, event)
}

type eventRun struct {
	outcome model.UpdateOutcome
	state   model.State
	logger  *zap.Logger
}

func (p *Pipeline) update(ctx context.Context, run *eventRun, event model.LicenseSaleEvent) {
	p.advance(run, model.StateReading)
	current, err := p.reader.GetCVS(ctx, event.IPID)
	if err == nil && current == nil {
		err = errNilCVS
	}
	if err != nil {
		p.fail(run, err)
		return
	}
	run.outcome.PreviousCVS = current.String()

	p.advance(run, model.StateComputing)
	bps, tier := cvs.Rate(event.LicenseType)
	increment := cvs.Increment(event.SaleAmount, event.LicenseType)
	newCVS := new(big.Int).Add(current, increment)
	run.outcome.Increment = increment.String()
	run.outcome.NewCVS = newCVS.String()
	run.logger.Info("cvs computed",
		zap.String("tier", tier),
		zap.Int64("rate_bps", bps),
		zap.String("previous_cvs", current.String()),
		zap.String("increment", increment.String()),
		zap.String("new_cvs", newCVS.String()),
	)

	if increment.Sign() == 0 {
		run.logger.Info("zero increment, nothing to submit")
		p.advance(run, model.StateVerified)
		return
	}

	p.advance(run, model.StateSubmitting)
	txHash, err := p.writer.SubmitCVSUpdate(ctx, event.IPID, newCVS)
	if err != nil {
		p.fail(run, err)
		return
	}
	run.outcome.UpdateTxHash = txHash.Hex()

	p.advance(run, model.StateConfirming)
	if _, err := p.writer.AwaitConfirmation(ctx, txHash, p.cfg.ConfirmTimeout); err != nil {
		p.fail(run, err)
		return
	}

	actual, err := p.reader.GetCVS(ctx, event.IPID)
	if err == nil && actual == nil {
		err = errNilCVS
	}
	if err != nil {
		p.fail(run, err)
		return
	}
	if actual.Cmp(newCVS) != 0 {
		p.fail(run, &MismatchError{Expected: newCVS, Actual: actual})
		return
	}

	p.advance(run, model.StateVerified)
	run.logger.Info("cvs update verified", zap.String("new_cvs", newCVS.String()), zap.String("tx_hash", txHash.Hex()))
}

func (p *Pipeline) advance(run *eventRun, next model.State) {
	run.logger.Debug("state transition", zap.String("from", string(run.state)), zap.String("to", string(next)))
	run.state = next
	run.outcome.State = next
}

func (p *Pipeline) fail(run *eventRun, err error) {
	kind := ErrorKind(err)
	run.outcome.FailedAt = run.state
	run.outcome.State = model.StateFailed
	run.outcome.ErrorKind = kind
	run.outcome.Error = err.Error()

	fields := []zap.Field{
		zap.Error(err),
		zap.String("error_kind", kind),
		zap.String("failed_at", string(run.state)),
	}
	if run.outcome.UpdateTxHash != "" {
		fields = append(fields, zap.String("tx_hash", run.outcome.UpdateTxHash))
	}
	if kind == KindVerificationMismatch {
		run.logger.Error("cvs verification anomaly", fields...)
	} else {
		run.logger.Error("cvs update failed", fields...)
	}
	run.state = model.StateFailed
}

func newOutcome(runID string, event model.LicenseSaleEvent) model.UpdateOutcome {
	return model.UpdateOutcome{
		RunID:        runID,
		SaleTxHash:   event.TxHash.Hex(),
		SaleLogIndex: uint64(event.LogIndex),
		BlockNumber:  event.BlockNumber,
		VaultAddress: event.VaultAddress.Hex(),
		IPID:         event.IPID.Hex(),
		Licensee:     event.Licensee.Hex(),
		SaleAmount:   bigString(event.SaleAmount),
		LicenseType:  event.LicenseType,
		State:        model.StateIdle,
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
