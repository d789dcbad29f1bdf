// Package api exposes the payment ledger over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go-ethpay/log"
	"go-ethpay/payment/ledger"
	"go-ethpay/payment/metrics"
	"go-ethpay/payment/qrcode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Payments interface {
	Create(orderID, amount string) (ledger.View, error)
	Get(id string) (ledger.View, error)
	ListAll() []ledger.View
}

type Options struct {
	Payments    Payments
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer // serves /metrics when set
	RateLimiter *RateLimiter        // optional
}

type createRequest struct {
	Amount  json.Number `json:"amount"`
	OrderID string      `json:"orderId"`
}

type createResponse struct {
	PaymentID string `json:"paymentId"`
	Address   string `json:"address"`
	Amount    string `json:"amount"`
}

type handler struct {
	payments Payments
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewRouter(opts Options) *gin.Engine {
	h := &handler{
		payments: opts.Payments,
		logger:   opts.Logger.With().Str("component", "api").Logger(),
		metrics:  opts.Metrics,
	}

	r := gin.New()
	r.Use(gin.Recovery(), log.Middleware(opts.Logger), cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/")
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Middleware())
	}
	api.POST("/payment/create", h.createPayment)
	api.GET("/payment/:id/status", h.paymentStatus)
	api.GET("/payment/:id/qrcode", h.paymentQRCode)
	api.GET("/payments", h.listPayments)

	return r
}

func (h *handler) createPayment(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	amount := req.Amount.String()
	if amount == "" || req.OrderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Amount and orderId are required"})
		return
	}

	view, err := h.payments.Create(req.OrderID, amount)
	if errors.Is(err, ledger.ErrInvalidAmount) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("order_id", req.OrderID).Msg("error creating payment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	h.metrics.IncCreated()
	h.logger.Info().
		Str("payment_id", view.ID).
		Str("order_id", view.OrderID).
		Str("address", view.Address).
		Msg("payment created")

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": createResponse{
			PaymentID: view.ID,
			Address:   view.Address,
			Amount:    view.Amount,
		},
	})
}

func (h *handler) paymentStatus(c *gin.Context) {
	view, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": view})
}

func (h *handler) listPayments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.payments.ListAll()})
}

func (h *handler) paymentQRCode(c *gin.Context) {
	view, ok := h.lookup(c)
	if !ok {
		return
	}
	amount, err := ledger.ParseAmount(view.Amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	png, err := qrcode.GeneratePNG(common.HexToAddress(view.Address), ledger.AmountWei(amount), qrcode.DefaultSize)
	if err != nil {
		h.logger.Error().Err(err).Str("payment_id", view.ID).Msg("error generating qr code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *handler) lookup(c *gin.Context) (ledger.View, bool) {
	view, err := h.payments.Get(c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return ledger.View{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return ledger.View{}, false
	}
	return view, true
}
