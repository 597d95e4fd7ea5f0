package service

import (
	"context"
	"time"

	"docxpdf/internal/domain"
)

// Ledger - журнал выданных заказов и подтвержденных платежей.
// Используется только для учета, состояние сессий в нем не хранится.
type Ledger interface {
	RecordOrder(ctx context.Context, order domain.PaymentOrder, fileCount int) error
	RecordPayment(ctx context.Context, orderID, paymentID string, verifiedAt time.Time) error
}

type NopLedger struct{}

func (NopLedger) RecordOrder(context.Context, domain.PaymentOrder, int) error { return nil }

func (NopLedger) RecordPayment(context.Context, string, string, time.Time) error { return nil }
