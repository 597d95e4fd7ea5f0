// Package session хранит сессии конвертации: токен -> результаты пакета,
// а также обратный индекс заказ -> токен.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"docxpdf/internal/domain"
)

const tokenBytes = 32

var (
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyConsumed   = errors.New("session already consumed")
	ErrAlreadyPaid       = errors.New("session already paid")
	ErrOrderAlreadyBound = errors.New("session already has an order")
	ErrOrderConflict     = errors.New("order is bound to another session")
	ErrOrderMismatch     = errors.New("order does not belong to session")
	ErrOrderExpired      = errors.New("order session expired")
)

// Store - хранилище сессий. Все изменяющие операции атомарны относительно друг друга
// в пределах одного токена; операции над разными токенами не сериализуются.
type Store interface {
	Create(ctx context.Context, s domain.NewSession) (domain.Session, error)
	Get(ctx context.Context, token string) (domain.Session, error)
	BindOrder(ctx context.Context, token, orderID string) error
	// ResolveOrder возвращает токен сессии заказа. ErrOrderExpired - заказ известен, но сессия уже истекла.
	ResolveOrder(ctx context.Context, orderID string) (string, error)
	// MarkPaid переводит сессию из payment_pending в verified ровно один раз
	MarkPaid(ctx context.Context, token, orderID, paymentID string) (domain.Session, error)
	// Package собирает архив один раз; повторные вызовы возвращают уже собранный
	Package(ctx context.Context, token string, build func(domain.Session) (string, error)) (domain.Session, error)
	// Consume отмечает выдачу архива ровно один раз и запускает grace period
	Consume(ctx context.Context, token string) (domain.Session, error)
	Expire(ctx context.Context, token string) bool
	Sweep(now time.Time) int
	ExpireAll(ctx context.Context) int
	Len() int
}

// ReleaseFunc освобождает ресурсы уничтоженной сессии. Вызывается ровно один раз на сессию.
type ReleaseFunc func(s domain.Session)

// Config задает время жизни сессий
type Config struct {
	TTL   time.Duration
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Minute
	}
	return c
}

// NewToken генерирует непредсказуемый токен из 256 бит криптографической случайности
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
