package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"docxpdf/internal/domain"
)

var ErrPaymentNotFound = errors.New("payment record not found")

// PaymentRepository ведет журнал заказов и платежей в Postgres
type PaymentRepository struct {
	db *sqlx.DB
}

func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// RecordOrder сохраняет выданный провайдером заказ. Повторная запись того же заказа игнорируется.
func (r *PaymentRepository) RecordOrder(ctx context.Context, order domain.PaymentOrder, fileCount int) error {
	query := `
        INSERT INTO payment_ledger (order_id, amount, currency, receipt, file_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (order_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		order.OrderID,
		order.Amount,
		order.Currency,
		order.Receipt,
		fileCount,
		order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record order: %w", err)
	}
	return nil
}

// RecordPayment отмечает заказ оплаченным. Уже отмеченный заказ не перезаписывается.
func (r *PaymentRepository) RecordPayment(ctx context.Context, orderID, paymentID string, verifiedAt time.Time) error {
	query := `
        UPDATE payment_ledger
        SET payment_id = $1,
            verified_at = $2
        WHERE order_id = $3 AND payment_id IS NULL`

	result, err := r.db.ExecContext(ctx, query, paymentID, verifiedAt, orderID)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}
