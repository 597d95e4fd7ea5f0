package domain

import "time"

// PaymentOrder - заказ, выданный платежным провайдером. Не изменяется после создания.
type PaymentOrder struct {
	OrderID   string    `json:"order_id" db:"order_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Currency  string    `json:"currency" db:"currency"`
	Receipt   string    `json:"receipt" db:"receipt"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
