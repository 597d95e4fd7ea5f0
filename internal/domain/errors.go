package domain

import (
	"errors"
	"fmt"
)

var (
	ErrBadInput         = errors.New("bad input")
	ErrPaymentRequired  = errors.New("payment required")
	ErrNothingConverted = errors.New("no document could be converted")

	ErrToolUnavailable = errors.New("conversion tool unavailable")
	ErrRenderFailure   = errors.New("render failure")
	ErrTimeout         = errors.New("conversion timed out")
	ErrOutputMissing   = errors.New("converter produced no output")
	ErrPasswordProtect = errors.New("document is password protected")

	ErrProviderNotConfigured = errors.New("payment provider is not configured")
	ErrProviderUnavailable   = errors.New("payment provider unavailable")
	ErrProviderRejected      = errors.New("payment provider rejected request")

	ErrForgeryRejected = errors.New("verification failed")
	ErrSessionGone     = errors.New("session expired or not found")
)

// BatchError возвращается, когда ни один документ пакета не удалось сконвертировать
type BatchError struct {
	Results []ConversionResult
}

func (e *BatchError) Error() string {
	failed := 0
	for _, r := range e.Results {
		if !r.Success {
			failed++
		}
	}
	return fmt.Sprintf("%s: %d of %d documents failed", ErrNothingConverted, failed, len(e.Results))
}

func (e *BatchError) Unwrap() error {
	return ErrNothingConverted
}

// BadInput оборачивает ErrBadInput с пояснением для пользователя
func BadInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadInput, fmt.Sprintf(format, args...))
}
