// Package ledger keeps the in-memory registry of payments and owns every
// status change.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"go-ethpay/payment/wallet"

	"github.com/facebookgo/clock"
	"github.com/google/btree"
	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("payment not found")
	ErrTerminal          = errors.New("payment already in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Update is a transition out of pending.
type Update struct {
	Status Status
	TxHash string
	Reason string
}

type record struct {
	seq     uint64
	payment Payment
}

// Less orders records by creation sequence, giving insertion order.
func (a *record) Less(b btree.Item) bool {
	return a.seq < b.(*record).seq
}

type Ledger struct {
	mu     sync.RWMutex
	byID   map[string]*record
	order  *btree.BTree
	seq    uint64
	minter wallet.Minter
	clk    clock.Clock
	newID  func() string
}

type Option func(*Ledger)

func WithClock(clk clock.Clock) Option {
	return func(l *Ledger) {
		l.clk = clk
	}
}

func WithMinter(m wallet.Minter) Option {
	return func(l *Ledger) {
		l.minter = m
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		byID:   make(map[string]*record),
		order:  btree.New(2),
		minter: wallet.Random,
		clk:    clock.New(),
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create mints a disposable address and stores a pending payment. Amounts
// that ParseAmount rejects fail with ErrInvalidAmount before any key is made.
func (l *Ledger) Create(orderID, amount string) (View, error) {
	parsed, err := ParseAmount(amount)
	if err != nil {
		return View{}, err
	}
	address, secret, err := l.minter.Mint()
	if err != nil {
		return View{}, fmt.Errorf("mint address: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.newID()
	for l.byID[id] != nil {
		id = l.newID()
	}

	l.seq++
	rec := &record{
		seq: l.seq,
		payment: Payment{
			ID:        id,
			OrderID:   orderID,
			Address:   address,
			Secret:    secret,
			Amount:    amount,
			Wei:       AmountWei(parsed),
			Status:    StatusPending,
			CreatedAt: l.clk.Now(),
		},
	}
	l.byID[id] = rec
	l.order.ReplaceOrInsert(rec)

	return rec.payment.View(), nil
}

func (l *Ledger) Get(id string) (View, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.byID[id]
	if !ok {
		return View{}, ErrNotFound
	}
	return rec.payment.View(), nil
}

// ListPending returns copies of all pending payments in creation order.
func (l *Ledger) ListPending() []Payment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var pending []Payment
	l.order.Ascend(func(it btree.Item) bool {
		p := it.(*record).payment
		if p.Status == StatusPending {
			pending = append(pending, p)
		}
		return true
	})
	return pending
}

func (l *Ledger) ListAll() []View {
	l.mu.RLock()
	defer l.mu.RUnlock()

	views := make([]View, 0, l.order.Len())
	l.order.Ascend(func(it btree.Item) bool {
		views = append(views, it.(*record).payment.View())
		return true
	})
	return views
}

// Transition moves a pending payment to a terminal status. The check and the
// write happen under one lock, so a payment is finalized at most once.
func (l *Ledger) Transition(id string, u Update) error {
	if !u.Status.Terminal() {
		return fmt.Errorf("%w: to %q", ErrInvalidTransition, u.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return ErrNotFound
	}
	if rec.payment.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, rec.payment.Status)
	}

	rec.payment.Status = u.Status
	rec.payment.TxHash = u.TxHash
	if u.Status == StatusCompleted {
		now := l.clk.Now()
		if now.Before(rec.payment.CreatedAt) {
			now = rec.payment.CreatedAt
		}
		rec.payment.CompletedAt = &now
	} else {
		rec.payment.FailureReason = u.Reason
	}
	return nil
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}
