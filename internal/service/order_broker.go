package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"docxpdf/internal/clock"
	"docxpdf/internal/domain"
	"docxpdf/internal/logger"
)

const (
	defaultProviderURL     = "https://api.razorpay.com"
	defaultProviderTimeout = 30 * time.Second
	maxProviderBody        = 1 << 20
)

// OrderBroker создает заказ у платежного провайдера
type OrderBroker interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (domain.PaymentOrder, error)
	// KeyID возвращает публичный ключ для checkout на стороне клиента
	KeyID() string
	Configured() bool
}

type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	Timeout   time.Duration
}

// RazorpayBroker - клиент REST API заказов, совместимого с Razorpay
type RazorpayBroker struct {
	cfg    RazorpayConfig
	client *http.Client
	clock  clock.Clock
	log    *zap.Logger
}

func NewRazorpayBroker(cfg RazorpayConfig, clk clock.Clock, log *zap.Logger) *RazorpayBroker {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultProviderURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProviderTimeout
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RazorpayBroker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clk,
		log:    log.Named("order_broker"),
	}
}

func (b *RazorpayBroker) KeyID() string {
	return b.cfg.KeyID
}

func (b *RazorpayBroker) Configured() bool {
	return b.cfg.KeyID != "" && b.cfg.KeySecret != ""
}

type createOrderRequest struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Receipt        string `json:"receipt"`
	PaymentCapture int    `json:"payment_capture"`
}

type createOrderResponse struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Receipt   string `json:"receipt"`
	CreatedAt int64  `json:"created_at"`
}

func (b *RazorpayBroker) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (domain.PaymentOrder, error) {
	if !b.Configured() {
		return domain.PaymentOrder{}, domain.ErrProviderNotConfigured
	}
	if amountMinor <= 0 || currency == "" {
		return domain.PaymentOrder{}, fmt.Errorf("%w: invalid amount or currency", domain.ErrProviderRejected)
	}

	body, err := json.Marshal(createOrderRequest{
		Amount:         amountMinor,
		Currency:       currency,
		Receipt:        receipt,
		PaymentCapture: 1,
	})
	if err != nil {
		return domain.PaymentOrder{}, fmt.Errorf("failed to encode order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return domain.PaymentOrder{}, fmt.Errorf("failed to build order request: %w", err)
	}
	req.SetBasicAuth(b.cfg.KeyID, b.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Warn("order request failed", zap.Error(err), zap.String("key_id", logger.Mask(b.cfg.KeyID)))
		return domain.PaymentOrder{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return domain.PaymentOrder{}, fmt.Errorf("%w: failed to read response: %v", domain.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		b.log.Warn("provider error", zap.Int("status", resp.StatusCode))
		return domain.PaymentOrder{}, fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		b.log.Warn("provider rejected order", zap.Int("status", resp.StatusCode), zap.ByteString("body", truncate(raw, 512)))
		return domain.PaymentOrder{}, fmt.Errorf("%w: status %d", domain.ErrProviderRejected, resp.StatusCode)
	}

	var out createOrderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.PaymentOrder{}, fmt.Errorf("%w: malformed order body: %v", domain.ErrProviderRejected, err)
	}
	if out.ID == "" {
		return domain.PaymentOrder{}, fmt.Errorf("%w: order id missing", domain.ErrProviderRejected)
	}
	if out.Amount == 0 {
		out.Amount = amountMinor
	}
	if out.Currency == "" {
		out.Currency = currency
	}
	if out.Receipt == "" {
		out.Receipt = receipt
	}

	createdAt := b.clock.Now()
	if out.CreatedAt > 0 {
		createdAt = time.Unix(out.CreatedAt, 0).UTC()
	}

	return domain.PaymentOrder{
		OrderID:   out.ID,
		Amount:    out.Amount,
		Currency:  out.Currency,
		Receipt:   out.Receipt,
		CreatedAt: createdAt,
	}, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
