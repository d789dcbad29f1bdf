package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go-ethpay/config"
	"go-ethpay/log"
	"go-ethpay/payment/api"
	"go-ethpay/payment/chain"
	"go-ethpay/payment/ledger"
	"go-ethpay/payment/metrics"
	"go-ethpay/payment/sweeper"
	"go-ethpay/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintln(os.Stderr, "Configuration errors:")
			for _, p := range verr.Problems {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	logger := log.New(log.Options{
		Service: "paymentservice",
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting to rpc endpoint")
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	payments := ledger.New()

	oracle := chain.NewBalanceOracle(chain.OracleConfig{
		BaseURL:           cfg.EtherscanAPIURL,
		APIKey:            cfg.EtherscanAPIKey,
		Timeout:           cfg.BalanceTimeout,
		RequestsPerSecond: cfg.BalanceRPS,
	}, logger)

	forwarder := chain.NewForwarder(client, chain.NewFeeEstimator(client), chain.ForwarderConfig{
		Master:              cfg.Master(),
		GasBudget:           cfg.GasLimit,
		ReceiptTimeout:      cfg.ReceiptTimeout,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
	}, logger)

	sched, err := sweeper.New(sweeper.Params{
		Ledger:    payments,
		Oracle:    oracle,
		Forwarder: forwarder,
		Interval:  cfg.Interval(),
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("creating sweeper")
	}

	limiter := api.NewRateLimiter(cfg.APIRateLimit)
	limiter.StartCleanup(ctx, time.Minute)

	router := api.NewRouter(api.Options{
		Payments:    payments,
		Logger:      logger,
		Metrics:     m,
		Gatherer:    reg,
		RateLimiter: limiter,
	})

	logger.Info().
		Str("master", cfg.Master().Hex()).
		Dur("polling_interval", cfg.Interval()).
		Int("port", cfg.Port).
		Msg("payment service starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		// polling stops before the HTTP server begins shutting down
		return service.Start(gctx, "", strconv.Itoa(cfg.Port), router, logger, sched.Stop)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("payment service stopped")
		os.Exit(1)
	}
	logger.Info().Msg("payment service stopped")
}
