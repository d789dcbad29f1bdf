package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go-ethpay/payment/ledger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type OutcomeKind int

const (
	Forwarded OutcomeKind = iota
	InsufficientForFee
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Forwarded:
		return "forwarded"
	case InsufficientForFee:
		return "insufficient_for_fee"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Outcome struct {
	Kind   OutcomeKind
	TxHash string
	Reason string
}

const (
	defaultReceiptTimeout = 5 * time.Minute
	defaultReceiptPoll    = 2 * time.Second
)

type ForwarderConfig struct {
	Master              common.Address
	GasBudget           uint64
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// Forwarder sweeps a funded disposable address into the master address.
// Nothing here retries: the caller records the outcome as final.
type Forwarder struct {
	backend Backend
	fees    *FeeEstimator
	cfg     ForwarderConfig
	logger  zerolog.Logger

	mu      sync.Mutex
	chainID *big.Int
}

func NewForwarder(backend Backend, fees *FeeEstimator, cfg ForwarderConfig, logger zerolog.Logger) *Forwarder {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = defaultReceiptPoll
	}
	return &Forwarder{
		backend: backend,
		fees:    fees,
		cfg:     cfg,
		logger:  logger.With().Str("component", "forwarder").Logger(),
	}
}

func (f *Forwarder) Forward(ctx context.Context, p ledger.Payment, balance *big.Int) Outcome {
	log := f.logger.With().Str("payment_id", p.ID).Str("address", p.Address.Hex()).Logger()

	feeRate, err := f.fees.CurrentFeeRate(ctx)
	if err != nil {
		return failed("", "fee-unavailable: "+err.Error())
	}

	sweep := MaxSweepable(balance, feeRate, f.cfg.GasBudget)
	if sweep.Sign() <= 0 {
		log.Error().
			Str("balance", ledger.FormatEther(balance)).
			Str("gas_cost", ledger.FormatEther(GasCost(feeRate, f.cfg.GasBudget))).
			Msg("insufficient ETH for gas fees")
		return Outcome{Kind: InsufficientForFee, Reason: "insufficient balance for gas fees"}
	}

	if p.Secret.IsZero() {
		return failed("", "missing signing key")
	}

	signed, err := f.sign(ctx, p, sweep, feeRate)
	if err != nil {
		return failed("", err.Error())
	}
	txHash := signed.Hash().Hex()

	// A send error can still mean the node broadcast the tx, so keep the hash.
	if err := f.backend.SendTransaction(ctx, signed); err != nil {
		return failed(txHash, errors.Wrap(err, "send transaction").Error())
	}
	log.Info().Str("tx_hash", txHash).Str("value", ledger.FormatEther(sweep)).Msg("transaction sent")

	receipt, err := f.waitMined(ctx, signed.Hash())
	if err != nil {
		return failed(txHash, err.Error())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return failed(txHash, "transaction failed on chain")
	}
	return Outcome{Kind: Forwarded, TxHash: txHash}
}

func (f *Forwarder) sign(ctx context.Context, p ledger.Payment, value, gasPrice *big.Int) (*types.Transaction, error) {
	chainID, err := f.networkID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := f.backend.PendingNonceAt(ctx, p.Secret.Address())
	if err != nil {
		return nil, errors.Wrap(err, "pending nonce")
	}

	to := f.cfg.Master
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      f.cfg.GasBudget,
		To:       &to,
		Value:    value,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), p.Secret.ECDSA())
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}
	return signed, nil
}

// networkID queries the chain id once; later calls reuse it.
func (f *Forwarder) networkID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.chainID != nil {
		return f.chainID, nil
	}
	id, err := f.backend.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "chain id")
	}
	f.chainID = id
	return id, nil
}

func (f *Forwarder) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(f.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := f.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			f.logger.Debug().Err(err).Str("tx_hash", hash.Hex()).Msg("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("confirmation timeout after %s", f.cfg.ReceiptTimeout)
			}
			return nil, errors.Wrap(ctx.Err(), "waiting for confirmation")
		case <-ticker.C:
		}
	}
}

func failed(txHash, reason string) Outcome {
	return Outcome{Kind: Failed, TxHash: txHash, Reason: reason}
}
