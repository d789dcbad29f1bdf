package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"go-ethpay/payment/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	etherDecimals = 18
	// maxAmountLen bounds the raw input before it reaches the decimal parser.
	maxAmountLen = 64
)

// ErrInvalidAmount is returned for amounts that are not positive ether values
// with at most 18 decimal places and no more than MaxAmount.
var ErrInvalidAmount = errors.New("invalid amount")

// MaxAmount is the largest accepted payment, in ether.
var MaxAmount = decimal.New(1, 9)

// Payment is the internal record, including the disposable key. It must not
// leave the service; use View for anything external.
type Payment struct {
	ID            string
	OrderID       string
	Address       common.Address
	Secret        wallet.Secret
	Amount        string   // in ether, as supplied by the caller
	Wei           *big.Int // Amount in wei, fixed at creation
	Status        Status
	CreatedAt     time.Time
	CompletedAt   *time.Time
	TxHash        string // sweep transaction, once submitted
	FailureReason string
}

// View is the API-facing form of a payment.
type View struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	Address       string     `json:"address"`
	Amount        string     `json:"amount"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	TxHash        string     `json:"txHash,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

func (p Payment) View() View {
	v := View{
		ID:            p.ID,
		OrderID:       p.OrderID,
		Address:       p.Address.Hex(),
		Amount:        p.Amount,
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
		TxHash:        p.TxHash,
		FailureReason: p.FailureReason,
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

// ExpectedWei returns a copy of the amount due in wei, or nil for a payment
// that was not created by a Ledger.
func (p Payment) ExpectedWei() *big.Int {
	if p.Wei == nil {
		return nil
	}
	return new(big.Int).Set(p.Wei)
}

// ParseAmount accepts positive decimal ether amounts up to MaxAmount with at
// most 18 decimal places. The exponent is checked before any arithmetic, so
// inputs like "1e100000000" are rejected without expanding them.
func ParseAmount(s string) (decimal.Decimal, error) {
	if len(s) > maxAmountLen {
		return decimal.Zero, fmt.Errorf("%w: longer than %d characters", ErrInvalidAmount, maxAmountLen)
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w %q: %v", ErrInvalidAmount, s, err)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w %q: must be positive", ErrInvalidAmount, s)
	}
	if amount.Exponent() < -etherDecimals {
		return decimal.Zero, fmt.Errorf("%w %q: more than %d decimal places", ErrInvalidAmount, s, etherDecimals)
	}
	if amount.Exponent() > MaxAmount.Exponent() || amount.GreaterThan(MaxAmount) {
		return decimal.Zero, fmt.Errorf("%w %q: above %s ether", ErrInvalidAmount, s, MaxAmount)
	}
	return amount, nil
}

// AmountWei converts a parsed amount to wei. Ceil only matters for decimals
// that did not come through ParseAmount.
func AmountWei(ether decimal.Decimal) *big.Int {
	return ether.Shift(etherDecimals).Ceil().BigInt()
}

// FormatEther renders wei as a decimal ether string.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}
