package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// PaymentVerifier проверяет подпись платежа: hex(HMAC-SHA256(secret, order_id|payment_id)).
// Сравнение побайтовое и за постоянное время, регистр символов не нормализуется.
type PaymentVerifier struct {
	secret []byte
}

func NewPaymentVerifier(secret string) *PaymentVerifier {
	return &PaymentVerifier{secret: []byte(secret)}
}

func (v *PaymentVerifier) Verify(orderID, paymentID, signature string) bool {
	if v == nil || len(v.secret) == 0 || orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := Sign(v.secret, orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign вычисляет подпись так же, как платежный провайдер
func Sign(secret []byte, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}
