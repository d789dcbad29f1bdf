package chain

import (
	"context"
	"math/big"

	"github.com/pkg/errors"
)

var ErrFeeUnavailable = errors.New("fee rate unavailable")

type FeeEstimator struct {
	pricer GasPricer
}

func NewFeeEstimator(pricer GasPricer) *FeeEstimator {
	return &FeeEstimator{pricer: pricer}
}

// CurrentFeeRate returns the network gas price in wei per gas unit.
func (f *FeeEstimator) CurrentFeeRate(ctx context.Context) (*big.Int, error) {
	price, err := f.pricer.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrFeeUnavailable, "suggest gas price: %v", err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, errors.Wrap(ErrFeeUnavailable, "provider returned no gas price")
	}
	return price, nil
}

// MaxSweepable is balance - rate*gasBudget. A result <= 0 means the balance
// cannot cover the fee.
func MaxSweepable(balance, rate *big.Int, gasBudget uint64) *big.Int {
	return new(big.Int).Sub(balance, GasCost(rate, gasBudget))
}

func GasCost(rate *big.Int, gasBudget uint64) *big.Int {
	return new(big.Int).Mul(rate, new(big.Int).SetUint64(gasBudget))
}
