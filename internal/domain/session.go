package domain

import "time"

// SessionState - состояние сессии конвертации
type SessionState string

const (
	StateFreeAllowed    SessionState = "free_allowed"
	StatePaymentPending SessionState = "payment_pending"
	StateVerified       SessionState = "verified"
)

// Session связывает токен с результатами конвертации пакета и, возможно, с заказом.
// Хранилище отдает копии, изменять сессию можно только через его методы.
type Session struct {
	Token      string             `json:"token"`
	State      SessionState       `json:"state"`
	Artifacts  []ConversionResult `json:"artifacts"`
	WorkDir    string             `json:"-"`
	OrderID    string             `json:"order_id,omitempty"`
	PaymentID  string             `json:"-"`
	ArchiveRef string             `json:"-"`
	CreatedAt  time.Time          `json:"created_at"`
	ExpiresAt  time.Time          `json:"expires_at"`
	Consumed   bool               `json:"consumed"`
	ConsumedAt *time.Time         `json:"consumed_at,omitempty"`
}

// Payable сообщает, можно ли выдавать архив по сессии
func (s Session) Payable() bool {
	return s.State == StateFreeAllowed || s.State == StateVerified
}

// Packaged сообщает, собран ли уже архив
func (s Session) Packaged() bool {
	return s.ArchiveRef != ""
}

// Status возвращает внешний статус сессии для ответа клиенту
func (s Session) Status() string {
	switch {
	case s.Consumed:
		return "delivered"
	case s.Packaged():
		return "packaged"
	default:
		return string(s.State)
	}
}

// NewSession - данные для создания сессии
type NewSession struct {
	State     SessionState
	Artifacts []ConversionResult
	WorkDir   string
}
