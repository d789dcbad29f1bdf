// Package sweeper runs the polling loop that detects funded payments and
// forwards them to the master address.
package sweeper

import (
	"context"
	"fmt"
	"math/big"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go-ethpay/payment/chain"
	"go-ethpay/payment/ledger"
	"go-ethpay/payment/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"
)

const (
	MinInterval     = 5 * time.Second
	DefaultInterval = 30 * time.Second
)

type Ledger interface {
	ListPending() []ledger.Payment
	Transition(id string, u ledger.Update) error
}

type BalanceChecker interface {
	CheckBalance(ctx context.Context, address common.Address) chain.BalanceResult
}

type Forwarder interface {
	Forward(ctx context.Context, p ledger.Payment, balance *big.Int) chain.Outcome
}

type Params struct {
	Ledger    Ledger
	Oracle    BalanceChecker
	Forwarder Forwarder
	Interval  time.Duration
	Clock     clock.Clock
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Report summarizes one tick.
type Report struct {
	Skipped   bool
	Checked   int
	Funded    int
	Completed int
	Failed    int
}

type Scheduler struct {
	ledger    Ledger
	oracle    BalanceChecker
	forwarder Forwarder
	interval  time.Duration
	clk       clock.Clock
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	inFlight atomic.Bool

	mu       sync.Mutex
	running  bool
	stopped  bool
	gen      uint64 // identifies the current polling loop
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(p Params) (*Scheduler, error) {
	if p.Ledger == nil || p.Oracle == nil || p.Forwarder == nil {
		return nil, fmt.Errorf("sweeper: ledger, oracle and forwarder are required")
	}
	interval := p.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		return nil, fmt.Errorf("sweeper: interval %s is below the %s minimum", interval, MinInterval)
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		ledger:    p.Ledger,
		oracle:    p.Oracle,
		forwarder: p.Forwarder,
		interval:  interval,
		clk:       clk,
		logger:    p.Logger.With().Str("component", "sweeper").Logger(),
		metrics:   p.Metrics,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start fires a tick every interval until Stop is called or ctx is done.
// Ticks run detached from ctx so shutting down never aborts a sweep midway.
// A stopped scheduler cannot be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	ticker := s.clk.Ticker(s.interval)
	tickCtx := context.WithoutCancel(ctx)

	s.logger.Info().Dur("interval", s.interval).Msg("starting payment polling")

	go func() {
		defer ticker.Stop()
		defer func() {
			s.mu.Lock()
			if s.gen == gen {
				s.running = false
			}
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("payment polling stopped due to context cancellation")
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				go s.Tick(tickCtx)
			}
		}
	}()
}

// Stop halts future ticks. It does not wait for a tick already running.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.stopped = true
		s.mu.Unlock()
		close(s.stopCh)
		s.logger.Info().Msg("payment polling stopped")
	})
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick checks every pending payment once, sequentially in creation order. A
// tick that starts while another is in progress is skipped.
func (s *Scheduler) Tick(ctx context.Context) Report {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("previous tick still running, skipping")
		s.metrics.IncSkippedTick()
		return Report{Skipped: true}
	}
	defer s.inFlight.Store(false)

	pending := s.ledger.ListPending()
	if len(pending) == 0 {
		return Report{}
	}

	start := s.clk.Now()
	s.logger.Info().Int("pending", len(pending)).Msg("checking pending payments")

	var report Report
	for _, p := range pending {
		s.process(ctx, p, &report)
	}
	report.Checked = len(pending)

	s.metrics.ObserveTick(s.clk.Now().Sub(start))
	return report
}

func (s *Scheduler) process(ctx context.Context, p ledger.Payment, report *Report) {
	log := s.logger.With().Str("payment_id", p.ID).Str("address", p.Address.Hex()).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("payment check panicked")
		}
	}()

	res := s.oracle.CheckBalance(ctx, p.Address)
	s.metrics.IncBalanceCheck(res.Kind.String())

	switch res.Kind {
	case chain.NotFound:
		log.Debug().Msg("no data found for address")
		return
	case chain.RateLimited:
		log.Info().Msg("rate limited, will retry later")
		return
	case chain.TransientError:
		log.Warn().Err(res.Err).Msg("error checking payment")
		return
	}

	expected := p.ExpectedWei()
	if expected == nil {
		log.Error().Str("amount", p.Amount).Msg("payment has no expected amount")
		return
	}

	log.Info().
		Str("balance", ledger.FormatEther(res.Wei)).
		Str("expected", p.Amount).
		Msg("balance checked")

	if res.Wei.Sign() <= 0 || res.Wei.Cmp(expected) < 0 {
		return
	}
	report.Funded++

	log.Info().Msg("payment received, forwarding")
	out := s.forwarder.Forward(ctx, p, res.Wei)

	update := ledger.Update{Status: ledger.StatusFailed, TxHash: out.TxHash, Reason: out.Reason}
	if out.Kind == chain.Forwarded {
		update.Status = ledger.StatusCompleted
	}
	if err := s.ledger.Transition(p.ID, update); err != nil {
		log.Warn().Err(err).Str("outcome", out.Kind.String()).Msg("could not record forward outcome")
		return
	}
	s.metrics.IncTransition(string(update.Status))

	if update.Status == ledger.StatusCompleted {
		report.Completed++
		log.Info().Str("tx_hash", out.TxHash).Msg("payment forwarded successfully")
		return
	}
	report.Failed++
	log.Error().
		Str("outcome", out.Kind.String()).
		Str("tx_hash", out.TxHash).
		Str("reason", out.Reason).
		Msg("payment failed, funds remain at the disposable address")
}
