package sweeper_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"go-ethpay/payment/chain"
	"go-ethpay/payment/chain/chaintest"
	"go-ethpay/payment/ledger"
	"go-ethpay/payment/metrics"
	"go-ethpay/payment/sweeper"

	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gasBudget = 21000

var master = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// fakeOracle answers with a fixed result per address; unknown addresses are NotFound.
type fakeOracle struct {
	mu      sync.Mutex
	results map[common.Address]chain.BalanceResult
	calls   map[common.Address]int
	panicOn common.Address
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		results: make(map[common.Address]chain.BalanceResult),
		calls:   make(map[common.Address]int),
	}
}

func (o *fakeOracle) set(addr string, res chain.BalanceResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results[common.HexToAddress(addr)] = res
}

func (o *fakeOracle) count(addr string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[common.HexToAddress(addr)]
}

func (o *fakeOracle) CheckBalance(ctx context.Context, address common.Address) chain.BalanceResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[address]++
	if address == o.panicOn {
		panic("provider exploded")
	}
	res, ok := o.results[address]
	if !ok {
		return chain.BalanceResult{Kind: chain.NotFound}
	}
	return res
}

// countingForwarder wraps a forwarder and counts calls per payment.
type countingForwarder struct {
	mu      sync.Mutex
	next    sweeper.Forwarder
	calls   map[string]int
	block   chan struct{}
	entered chan struct{}
}

func (f *countingForwarder) Forward(ctx context.Context, p ledger.Payment, balance *big.Int) chain.Outcome {
	f.mu.Lock()
	f.calls[p.ID]++
	f.mu.Unlock()
	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	return f.next.Forward(ctx, p, balance)
}

func (f *countingForwarder) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type harness struct {
	ledger    *ledger.Ledger
	oracle    *fakeOracle
	backend   *chaintest.Backend
	forwarder *countingForwarder
	clk       *clock.Mock
	sched     *sweeper.Scheduler
	reg       *prometheus.Registry
}

func newHarness(t *testing.T, gasPrice *big.Int) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Add(time.Hour)

	backend := chaintest.NewBackend(gasPrice)
	fwd := chain.NewForwarder(backend, chain.NewFeeEstimator(backend), chain.ForwarderConfig{
		Master:              master,
		GasBudget:           gasBudget,
		ReceiptTimeout:      time.Second,
		ReceiptPollInterval: time.Millisecond,
	}, zerolog.Nop())

	h := &harness{
		ledger:    ledger.New(ledger.WithClock(clk)),
		oracle:    newFakeOracle(),
		backend:   backend,
		forwarder: &countingForwarder{next: fwd, calls: make(map[string]int)},
		clk:       clk,
		reg:       prometheus.NewRegistry(),
	}
	sched, err := sweeper.New(sweeper.Params{
		Ledger:    h.ledger,
		Oracle:    h.oracle,
		Forwarder: h.forwarder,
		Interval:  sweeper.MinInterval,
		Clock:     clk,
		Logger:    zerolog.Nop(),
		Metrics:   metrics.New(h.reg),
	})
	require.NoError(t, err)
	h.sched = sched
	return h
}

func (h *harness) create(t *testing.T, amount string) ledger.View {
	t.Helper()
	v, err := h.ledger.Create("order", amount)
	require.NoError(t, err)
	return v
}

func (h *harness) status(t *testing.T, id string) ledger.View {
	t.Helper()
	v, err := h.ledger.Get(id)
	require.NoError(t, err)
	return v
}

func wei(ether string) *big.Int {
	return ledger.AmountWei(decimal.RequireFromString(ether))
}

func found(ether string) chain.BalanceResult {
	return chain.BalanceResult{Kind: chain.Found, Wei: wei(ether)}
}

func TestTickWithoutPendingPaymentsDoesNoIO(t *testing.T) {
	h := newHarness(t, big.NewInt(1))
	report := h.sched.Tick(context.Background())
	assert.Equal(t, sweeper.Report{}, report)
	assert.Empty(t, h.oracle.calls)
}

func TestPaymentLifecycleCompleted(t *testing.T) {
	h := newHarness(t, big.NewInt(1_000_000_000))
	v := h.create(t, "0.05")

	h.oracle.set(v.Address, found("0"))
	h.sched.Tick(context.Background())
	assert.Equal(t, ledger.StatusPending, h.status(t, v.ID).Status)
	assert.Equal(t, 0, h.forwarder.count(v.ID))

	h.clk.Add(time.Minute)
	h.oracle.set(v.Address, found("0.06"))
	report := h.sched.Tick(context.Background())
	assert.Equal(t, 1, report.Completed)

	got := h.status(t, v.ID)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(got.CreatedAt))
	assert.NotEmpty(t, got.TxHash)
	require.Len(t, h.backend.Sent, 1)
	assert.Equal(t, master, *h.backend.Sent[0].To())

	// terminal payments are never picked up again
	h.sched.Tick(context.Background())
	assert.Equal(t, 1, h.forwarder.count(v.ID))
	assert.Equal(t, 2, h.oracle.count(v.Address))
}

func TestPaymentFailsWhenFeeExceedsBalance(t *testing.T) {
	balance := wei("0.06")
	rate := new(big.Int).Add(new(big.Int).Div(balance, big.NewInt(gasBudget)), big.NewInt(1))
	h := newHarness(t, rate)
	v := h.create(t, "0.05")
	h.oracle.set(v.Address, found("0.06"))

	report := h.sched.Tick(context.Background())
	assert.Equal(t, 1, report.Failed)

	got := h.status(t, v.ID)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.NotEmpty(t, got.FailureReason)
	assert.Empty(t, h.backend.Sent)

	h.sched.Tick(context.Background())
	assert.Equal(t, 1, h.forwarder.count(v.ID))
}

func TestRateLimitedStaysPending(t *testing.T) {
	h := newHarness(t, big.NewInt(1))
	v := h.create(t, "0.05")
	h.oracle.set(v.Address, chain.BalanceResult{Kind: chain.RateLimited})

	for i := 0; i < 3; i++ {
		h.sched.Tick(context.Background())
	}
	assert.Equal(t, ledger.StatusPending, h.status(t, v.ID).Status)
	assert.Equal(t, 3, h.oracle.count(v.Address))
	assert.Equal(t, 0, h.forwarder.count(v.ID))
}

func TestTransientErrorStaysPending(t *testing.T) {
	h := newHarness(t, big.NewInt(1))
	v := h.create(t, "0.05")
	h.oracle.set(v.Address, chain.BalanceResult{Kind: chain.TransientError, Err: assert.AnError})

	h.sched.Tick(context.Background())
	assert.Equal(t, ledger.StatusPending, h.status(t, v.ID).Status)
}

func TestUnderfundedStaysPending(t *testing.T) {
	h := newHarness(t, big.NewInt(1))
	v := h.create(t, "0.05")
	h.oracle.set(v.Address, found("0.049999999"))

	for i := 0; i < 5; i++ {
		h.sched.Tick(context.Background())
	}
	assert.Equal(t, ledger.StatusPending, h.status(t, v.ID).Status)
	assert.Equal(t, 0, h.forwarder.count(v.ID))
}

func TestExactAmountForwardsOnce(t *testing.T) {
	h := newHarness(t, big.NewInt(1))
	v := h.create(t, "0.05")
	h.oracle.set(v.Address, found("0.05"))

	report := h.sched.Tick(context.Background())
	assert.Equal(t, 1, report.Funded)
	assert.Equal(t, 1, h.forwarder.count(v.ID))
	assert.Equal(t, ledger.StatusCompleted, h.status(t, v.ID).Status)
}

func TestOneFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, big.NewInt(1))
	first := h.create(t, "1")
	second := h.create(t, "1")
	third := h.create(t, "1")

	h.oracle.panicOn = common.HexToAddress(first.Address)
	h.oracle.set(second.Address, chain.BalanceResult{Kind: chain.TransientError, Err: assert.AnError})
	h.oracle.set(third.Address, found("1"))

	report := h.sched.Tick(context.Background())
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, ledger.StatusPending, h.status(t, first.ID).Status)
	assert.Equal(t, ledger.StatusPending, h.status(t, second.ID).Status)
	assert.Equal(t, ledger.StatusCompleted, h.status(t, third.ID).Status)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	h := newHarness(t, big.NewInt(1))
	v := h.create(t, "1")
	h.oracle.set(v.Address, found("1"))

	h.forwarder.block = make(chan struct{})
	h.forwarder.entered = make(chan struct{}, 1)

	done := make(chan sweeper.Report)
	go func() { done <- h.sched.Tick(context.Background()) }()
	<-h.forwarder.entered

	report := h.sched.Tick(context.Background())
	assert.True(t, report.Skipped)

	close(h.forwarder.block)
	first := <-done
	assert.Equal(t, 1, first.Completed)
	assert.Equal(t, 1, h.forwarder.count(v.ID))
}

func TestStartTicksOnIntervalAndStop(t *testing.T) {
	h := newHarness(t, big.NewInt(1))
	v := h.create(t, "1")
	h.oracle.set(v.Address, chain.BalanceResult{Kind: chain.RateLimited})

	h.sched.Start(context.Background())
	require.True(t, h.sched.Running())

	h.clk.Add(sweeper.MinInterval)
	require.Eventually(t, func() bool { return h.oracle.count(v.Address) == 1 }, time.Second, time.Millisecond)

	h.oracle.set(v.Address, found("1"))
	require.Eventually(t, func() bool {
		h.clk.Add(sweeper.MinInterval)
		got, _ := h.ledger.Get(v.ID)
		return got.Status == ledger.StatusCompleted
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.forwarder.count(v.ID))
	assert.Equal(t, 1, h.backend.SentCount())

	h.sched.Stop()
	h.sched.Stop()
	assert.False(t, h.sched.Running())
	time.Sleep(50 * time.Millisecond)

	late := h.create(t, "1")
	h.clk.Add(sweeper.MinInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.oracle.count(late.Address))
}

func TestContextCancelClearsRunning(t *testing.T) {
	h := newHarness(t, big.NewInt(1))

	ctx, cancel := context.WithCancel(context.Background())
	h.sched.Start(ctx)
	require.True(t, h.sched.Running())

	cancel()
	require.Eventually(t, func() bool { return !h.sched.Running() }, time.Second, time.Millisecond)
}

func TestStartAfterStopIsRefused(t *testing.T) {
	h := newHarness(t, big.NewInt(1))
	v := h.create(t, "1")

	h.sched.Start(context.Background())
	h.sched.Stop()
	require.False(t, h.sched.Running())
	time.Sleep(20 * time.Millisecond)

	h.sched.Start(context.Background())
	assert.False(t, h.sched.Running())

	h.clk.Add(sweeper.MinInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.oracle.count(v.Address))
}

func TestNewValidatesParams(t *testing.T) {
	h := newHarness(t, big.NewInt(1))

	_, err := sweeper.New(sweeper.Params{})
	assert.Error(t, err)

	_, err = sweeper.New(sweeper.Params{
		Ledger:    h.ledger,
		Oracle:    h.oracle,
		Forwarder: h.forwarder,
		Interval:  time.Second,
	})
	assert.Error(t, err)

	s, err := sweeper.New(sweeper.Params{Ledger: h.ledger, Oracle: h.oracle, Forwarder: h.forwarder})
	require.NoError(t, err)
	assert.False(t, s.Running())
}
