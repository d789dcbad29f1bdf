package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	userAgent            = "EthereumPaymentProcessor/1.0"
	maxBalanceResponse   = 1 << 20
	defaultLookupTimeout = 10 * time.Second
)

type BalanceKind int

const (
	NotFound BalanceKind = iota
	Found
	RateLimited
	TransientError
)

func (k BalanceKind) String() string {
	switch k {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	case TransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

type BalanceResult struct {
	Kind BalanceKind
	Wei  *big.Int // set when Kind is Found
	Err  error    // set when Kind is TransientError
}

// etherscanResponse is the body of module=account&action=balance.
type etherscanResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

type OracleConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// BalanceOracle looks up address balances through an Etherscan compatible API.
type BalanceOracle struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

func NewBalanceOracle(cfg OracleConfig, logger zerolog.Logger) *BalanceOracle {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if cfg.RequestsPerSecond > 1 {
			burst = int(cfg.RequestsPerSecond)
		}
	}
	return &BalanceOracle{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With().Str("component", "balance_oracle").Logger(),
	}
}

func (o *BalanceOracle) CheckBalance(ctx context.Context, address common.Address) BalanceResult {
	if err := o.limiter.Wait(ctx); err != nil {
		return transient(errors.Wrap(err, "waiting for lookup slot"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.lookupURL(address), nil)
	if err != nil {
		return transient(errors.Wrap(err, "creating balance request"))
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return transient(errors.Wrap(err, "fetching balance"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return BalanceResult{Kind: RateLimited}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return transient(fmt.Errorf("balance provider responded %s", resp.Status))
	}

	var body etherscanResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBalanceResponse)).Decode(&body); err != nil {
		return transient(errors.Wrap(err, "decoding balance response"))
	}

	if body.Status != "1" {
		// NOTOK with "Max rate limit reached" is how Etherscan throttles on a 200.
		if strings.Contains(strings.ToLower(body.Result), "rate limit") {
			return BalanceResult{Kind: RateLimited}
		}
		o.logger.Debug().
			Str("address", address.Hex()).
			Str("message", body.Message).
			Msg("no balance data for address")
		return BalanceResult{Kind: NotFound}
	}

	wei, ok := new(big.Int).SetString(strings.TrimSpace(body.Result), 10)
	if !ok || wei.Sign() < 0 {
		return transient(fmt.Errorf("malformed balance %q", body.Result))
	}
	return BalanceResult{Kind: Found, Wei: wei}
}

func (o *BalanceOracle) lookupURL(address common.Address) string {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "balance")
	params.Set("address", address.Hex())
	params.Set("tag", "latest")
	params.Set("apikey", o.apiKey)

	sep := "?"
	if strings.Contains(o.baseURL, "?") {
		sep = "&"
	}
	return o.baseURL + sep + params.Encode()
}

func transient(err error) BalanceResult {
	return BalanceResult{Kind: TransientError, Err: err}
}
