package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasProtocol/internal/config"
	"atlasProtocol/internal/model"
	"atlasProtocol/internal/oracle"
	"atlasProtocol/internal/storage"
)

type pendingUpdate struct {
	ipID  common.Hash
	value *big.Int
}

// fakeOracle keeps CVS values in memory and mines submitted updates on AwaitConfirmation.
type fakeOracle struct {
	mu        sync.Mutex
	values    map[common.Hash]*big.Int
	pending   map[common.Hash]pendingUpdate
	submitted []pendingUpdate
	nonce     int64

	readErr   error
	nilRead   bool
	revert    map[common.Hash]bool
	neverMine bool
	skew      int64

	awaiting chan struct{}
	gate     chan struct{}
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		values:  make(map[common.Hash]*big.Int),
		pending: make(map[common.Hash]pendingUpdate),
		revert:  make(map[common.Hash]bool),
	}
}

func (o *fakeOracle) set(ipID common.Hash, value int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values[ipID] = big.NewInt(value)
}

func (o *fakeOracle) GetCVS(_ context.Context, ipID common.Hash) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.readErr != nil {
		return nil, o.readErr
	}
	if o.nilRead {
		return nil, nil
	}
	value, ok := o.values[ipID]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(value), nil
}

func (o *fakeOracle) SubmitCVSUpdate(_ context.Context, ipID common.Hash, newValue *big.Int) (common.Hash, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nonce++
	txHash := common.BigToHash(big.NewInt(o.nonce))
	update := pendingUpdate{ipID: ipID, value: new(big.Int).Set(newValue)}
	o.pending[txHash] = update
	o.submitted = append(o.submitted, update)
	return txHash, nil
}

func (o *fakeOracle) AwaitConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if o.awaiting != nil {
		close(o.awaiting)
		<-o.gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	update, ok := o.pending[txHash]
	if !ok {
		return nil, fmt.Errorf("unknown tx %s: %w", txHash.Hex(), oracle.ErrTransientChain)
	}
	if o.neverMine {
		return nil, fmt.Errorf("tx %s not mined within %s: %w", txHash.Hex(), timeout, oracle.ErrConfirmationTimeout)
	}
	delete(o.pending, txHash)
	if o.revert[update.ipID] {
		return &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusFailed}, fmt.Errorf("tx %s: %w", txHash.Hex(), oracle.ErrTransactionReverted)
	}
	o.values[update.ipID] = new(big.Int).Add(update.value, big.NewInt(o.skew))
	return &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusSuccessful}, nil
}

func (o *fakeOracle) submissions() []pendingUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]pendingUpdate(nil), o.submitted...)
}

// scriptedWatcher delivers fixed batches, then either returns or blocks until canceled.
type scriptedWatcher struct {
	batches []model.SaleBatch
	block   bool
	err     error
	from    chan uint64
}

func (w *scriptedWatcher) Watch(ctx context.Context, from uint64, out chan<- model.SaleBatch) error {
	if w.from != nil {
		w.from <- from
	}
	for _, batch := range w.batches {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- batch:
		}
	}
	if w.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return w.err
}

type memState struct {
	mu    sync.Mutex
	block uint64
	ok    bool
	saves []uint64
}

func (s *memState) Load(context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block, s.ok, nil
}

func (s *memState) Save(_ context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block, s.ok = block, true
	s.saves = append(s.saves, block)
	return nil
}

type memSink struct {
	mu       sync.Mutex
	outcomes []model.UpdateOutcome
}

func (s *memSink) PutOutcome(_ context.Context, outcome model.UpdateOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *memSink) all() []model.UpdateOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.UpdateOutcome(nil), s.outcomes...)
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func sale(ip string, index uint, amount *big.Int, licenseType string) model.LicenseSaleEvent {
	return model.LicenseSaleEvent{
		VaultAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		IPID:         common.HexToHash(ip),
		Licensee:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
		SaleAmount:   amount,
		LicenseType:  licenseType,
		BlockNumber:  100 + uint64(index),
		TxHash:       common.BigToHash(big.NewInt(int64(1000 + index))),
		LogIndex:     index,
	}
}

func newTestPipeline(t *testing.T, chain *fakeOracle, w *scriptedWatcher, deps Deps) *Pipeline {
	t.Helper()
	deps.Reader = chain
	deps.Writer = chain
	if w == nil {
		w = &scriptedWatcher{}
	}
	deps.Watcher = w
	p, err := New(Config{ConfirmTimeout: time.Second}, deps)
	require.NoError(t, err)
	return p
}

func TestProcessEndToEnd(t *testing.T) {
	chain := newFakeOracle()
	chain.set(common.HexToHash("0x0a"), 1000)
	sink := &memSink{}
	p := newTestPipeline(t, chain, nil, Deps{Sink: sink})

	outcome, handled := p.Process(context.Background(), sale("0x0a", 0, tokens(5), "commercial"))
	require.True(t, handled)

	assert.Equal(t, model.StateVerified, outcome.State)
	assert.Equal(t, "1000", outcome.PreviousCVS)
	assert.Equal(t, "250000000000000000", outcome.Increment)
	assert.Equal(t, "250000000000001000", outcome.NewCVS)
	assert.Empty(t, outcome.ErrorKind)
	assert.Equal(t, p.RunID(), outcome.RunID)
	assert.NotEmpty(t, outcome.ProcessedAt)

	submitted := chain.submissions()
	require.Len(t, submitted, 1)
	assert.Equal(t, "250000000000001000", submitted[0].value.String())

	require.Len(t, sink.all(), 1)
	assert.True(t, sink.all()[0].Succeeded())
}

func TestProcessVerificationMismatch(t *testing.T) {
	chain := newFakeOracle()
	chain.set(common.HexToHash("0x0a"), 1000)
	chain.skew = 1
	p := newTestPipeline(t, chain, nil, Deps{})

	outcome, _ := p.Process(context.Background(), sale("0x0a", 0, tokens(5), "commercial"))

	assert.Equal(t, model.StateFailed, outcome.State)
	assert.Equal(t, model.StateConfirming, outcome.FailedAt)
	assert.Equal(t, KindVerificationMismatch, outcome.ErrorKind)
	assert.Contains(t, outcome.Error, "expected 250000000000001000")
	assert.NotEmpty(t, outcome.UpdateTxHash)
}

func TestProcessReadFailure(t *testing.T) {
	chain := newFakeOracle()
	chain.readErr = fmt.Errorf("call getCVS: %w: dial tcp: i/o timeout", oracle.ErrTransientChain)
	p := newTestPipeline(t, chain, nil, Deps{})

	outcome, _ := p.Process(context.Background(), sale("0x0a", 0, tokens(1), "standard"))

	assert.Equal(t, model.StateFailed, outcome.State)
	assert.Equal(t, model.StateReading, outcome.FailedAt)
	assert.Equal(t, KindTransientChain, outcome.ErrorKind)
	assert.Empty(t, chain.submissions())
}

type unreachableSink struct {
	memSink
}

func (s *unreachableSink) IsProcessed(context.Context, string, uint64) (bool, error) {
	return false, errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
}

func TestProcessFailsWhenHistoryIsUnknown(t *testing.T) {
	chain := newFakeOracle()
	sink := &unreachableSink{}
	p := newTestPipeline(t, chain, nil, Deps{Sink: sink})
	event := sale("0x0a", 0, tokens(5), "commercial")

	outcome, handled := p.Process(context.Background(), event)
	require.True(t, handled)
	assert.Equal(t, model.StateFailed, outcome.State)
	assert.Equal(t, model.StateDetected, outcome.FailedAt)
	assert.Equal(t, KindTransientChain, outcome.ErrorKind)
	assert.Contains(t, outcome.Error, "connection refused")
	assert.Empty(t, chain.submissions())
	require.Len(t, sink.all(), 1)

	_, handled = p.Process(context.Background(), event)
	assert.False(t, handled)
}

func TestProcessNilReadIsInternalError(t *testing.T) {
	chain := newFakeOracle()
	chain.nilRead = true
	p := newTestPipeline(t, chain, nil, Deps{})

	outcome, _ := p.Process(context.Background(), sale("0x0a", 0, tokens(5), "commercial"))

	assert.Equal(t, model.StateFailed, outcome.State)
	assert.Equal(t, model.StateReading, outcome.FailedAt)
	assert.Equal(t, KindInternal, outcome.ErrorKind)
	assert.Empty(t, chain.submissions())
}

type panickingWriter struct {
	*fakeOracle
}

func (panickingWriter) SubmitCVSUpdate(context.Context, common.Hash, *big.Int) (common.Hash, error) {
	panic("nonce manager not initialized")
}

func TestPanicInWriterDoesNotStopPipeline(t *testing.T) {
	chain := newFakeOracle()
	sink := &memSink{}
	w := &scriptedWatcher{batches: []model.SaleBatch{
		{From: 100, To: 100, Checkpoint: 100, Events: []model.LicenseSaleEvent{sale("0x0a", 0, tokens(1), "commercial")}},
	}}
	p, err := New(Config{ConfirmTimeout: time.Second}, Deps{
		Reader:  chain,
		Writer:  panickingWriter{chain},
		Watcher: w,
		Sink:    sink,
	})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Wait())

	outcomes := sink.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.StateFailed, outcomes[0].State)
	assert.Equal(t, model.StateSubmitting, outcomes[0].FailedAt)
	assert.Equal(t, KindInternal, outcomes[0].ErrorKind)
	assert.Contains(t, outcomes[0].Error, "nonce manager not initialized")
}

func TestProcessZeroAmountIsNoOp(t *testing.T) {
	chain := newFakeOracle()
	chain.set(common.HexToHash("0x0a"), 77)
	p := newTestPipeline(t, chain, nil, Deps{})

	outcome, _ := p.Process(context.Background(), sale("0x0a", 0, big.NewInt(0), "exclusive"))

	assert.Equal(t, model.StateVerified, outcome.State)
	assert.Equal(t, "0", outcome.Increment)
	assert.Equal(t, "77", outcome.NewCVS)
	assert.Empty(t, chain.submissions())
}

func TestConfirmationTimeoutIsNotRetried(t *testing.T) {
	chain := newFakeOracle()
	ipID := common.HexToHash("0x0a")
	chain.set(ipID, 1000)
	chain.neverMine = true
	p := newTestPipeline(t, chain, nil, Deps{})

	outcome, _ := p.Process(context.Background(), sale("0x0a", 0, tokens(5), "commercial"))
	assert.Equal(t, model.StateFailed, outcome.State)
	assert.Equal(t, KindConfirmationTimeout, outcome.ErrorKind)
	require.Len(t, chain.submissions(), 1)

	// manual resubmission of the same absolute value does not double the increment
	chain.neverMine = false
	newCVS, ok := new(big.Int).SetString(outcome.NewCVS, 10)
	require.True(t, ok)
	txHash, err := chain.SubmitCVSUpdate(context.Background(), ipID, newCVS)
	require.NoError(t, err)
	_, err = chain.AwaitConfirmation(context.Background(), txHash, time.Second)
	require.NoError(t, err)

	value, err := chain.GetCVS(context.Background(), ipID)
	require.NoError(t, err)
	assert.Equal(t, "250000000000001000", value.String())
}

func TestProcessSkipsDuplicates(t *testing.T) {
	chain := newFakeOracle()
	p := newTestPipeline(t, chain, nil, Deps{})
	event := sale("0x0a", 3, tokens(1), "commercial")

	_, handled := p.Process(context.Background(), event)
	assert.True(t, handled)
	_, handled = p.Process(context.Background(), event)
	assert.False(t, handled)
	assert.Len(t, chain.submissions(), 1)
}

func TestProcessSkipsSalesRecordedEarlier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cvs_updates.jsonl")
	event := sale("0x0a", 1, tokens(1), "commercial")

	chain := newFakeOracle()
	first := newTestPipeline(t, chain, nil, Deps{Sink: storage.NewJsonlStorage(path)})
	_, handled := first.Process(context.Background(), event)
	require.True(t, handled)

	second := newTestPipeline(t, chain, nil, Deps{Sink: storage.NewJsonlStorage(path)})
	_, handled = second.Process(context.Background(), event)
	assert.False(t, handled)
	assert.Len(t, chain.submissions(), 1)
}

func TestMonotonicAcrossVerifiedUpdates(t *testing.T) {
	chain := newFakeOracle()
	p := newTestPipeline(t, chain, nil, Deps{})

	licenseTypes := []string{"standard", "commercial", "Exclusive", "enterprise", "other"}
	previous := big.NewInt(0)
	for i := 0; i < 20; i++ {
		amount := new(big.Int).Mul(big.NewInt(int64(i*37%11)), tokens(1))
		outcome, handled := p.Process(context.Background(), sale("0x0a", uint(i), amount, licenseTypes[i%len(licenseTypes)]))
		require.True(t, handled)
		require.Equal(t, model.StateVerified, outcome.State)

		next, ok := new(big.Int).SetString(outcome.NewCVS, 10)
		require.True(t, ok)
		assert.True(t, next.Cmp(previous) >= 0, "cvs decreased from %s to %s", previous, next)
		previous = next
	}
}

func TestFailureIsolation(t *testing.T) {
	chain := newFakeOracle()
	chain.revert[common.HexToHash("0x0a")] = true
	chain.set(common.HexToHash("0x0b"), 10)
	sink := &memSink{}
	state := &memState{}
	w := &scriptedWatcher{batches: []model.SaleBatch{{
		From:       100,
		To:         110,
		Checkpoint: 110,
		Events: []model.LicenseSaleEvent{
			sale("0x0a", 0, tokens(1), "commercial"),
			sale("0x0b", 1, big.NewInt(10_000), "commercial"),
		},
	}}}
	p := newTestPipeline(t, chain, w, Deps{Sink: sink, State: state})

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Wait())

	outcomes := sink.all()
	require.Len(t, outcomes, 2)
	assert.Equal(t, model.StateFailed, outcomes[0].State)
	assert.Equal(t, KindTransactionReverted, outcomes[0].ErrorKind)
	assert.Equal(t, model.StateVerified, outcomes[1].State)
	assert.Equal(t, "510", outcomes[1].NewCVS)
	assert.Equal(t, []uint64{110}, state.saves)
}

func TestNoEventsMeansNoWrites(t *testing.T) {
	chain := newFakeOracle()
	chain.set(common.HexToHash("0x0a"), 1000)
	state := &memState{}
	w := &scriptedWatcher{batches: []model.SaleBatch{
		{From: 1, To: 10, Checkpoint: 10},
		{From: 11, To: 20, Checkpoint: 20},
	}}
	p := newTestPipeline(t, chain, w, Deps{State: state})

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Wait())

	assert.Empty(t, chain.submissions())
	assert.Equal(t, []uint64{10, 20}, state.saves)
	value, err := chain.GetCVS(context.Background(), common.HexToHash("0x0a"))
	require.NoError(t, err)
	assert.Equal(t, "1000", value.String())
}

func TestStartResumesFromCheckpoint(t *testing.T) {
	state := &memState{block: 500, ok: true}
	w := &scriptedWatcher{from: make(chan uint64, 1)}
	p := newTestPipeline(t, newFakeOracle(), w, Deps{State: state})

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, uint64(501), <-w.from)
	require.NoError(t, p.Wait())
	assert.Error(t, p.Start(context.Background()))
}

func TestWaitReturnsWatcherError(t *testing.T) {
	w := &scriptedWatcher{err: errors.New("subscription: websocket closed")}
	p := newTestPipeline(t, newFakeOracle(), w, Deps{})

	require.NoError(t, p.Start(context.Background()))
	assert.EqualError(t, p.Wait(), "subscription: websocket closed")
}

func TestStopLetsInFlightEventFinish(t *testing.T) {
	chain := newFakeOracle()
	chain.awaiting = make(chan struct{})
	chain.gate = make(chan struct{})
	sink := &memSink{}
	state := &memState{}
	w := &scriptedWatcher{
		block: true,
		batches: []model.SaleBatch{{
			From:       100,
			To:         110,
			Checkpoint: 110,
			Events: []model.LicenseSaleEvent{
				sale("0x0a", 0, tokens(1), "commercial"),
				sale("0x0b", 1, tokens(1), "commercial"),
			},
		}},
	}
	p := newTestPipeline(t, chain, w, Deps{Sink: sink, State: state})
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-chain.awaiting:
	case <-time.After(time.Second):
		t.Fatal("update never reached confirmation")
	}
	p.Stop()
	close(chain.gate)

	require.NoError(t, p.Wait())

	outcomes := sink.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, model.StateVerified, outcomes[0].State)
	assert.Len(t, chain.submissions(), 1)
	assert.Empty(t, state.saves)
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: missing private-key", config.ErrConfiguration), KindConfiguration},
		{fmt.Errorf("send tx: %w: eof", oracle.ErrTransientChain), KindTransientChain},
		{fmt.Errorf("tx: %w", oracle.ErrTransactionReverted), KindTransactionReverted},
		{fmt.Errorf("tx: %w", oracle.ErrConfirmationTimeout), KindConfirmationTimeout},
		{&MismatchError{Expected: big.NewInt(2), Actual: big.NewInt(1)}, KindVerificationMismatch},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorKind(tc.err))
	}
}
