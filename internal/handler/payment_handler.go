package handler

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"docxpdf/internal/domain"
	"docxpdf/internal/service"
)

const maxVerifyBody = 16 << 10

type PaymentHandler struct {
	workflow Workflow
	baseURL  string
	log      *zap.Logger
}

func NewPaymentHandler(workflow Workflow, baseURL string, log *zap.Logger) *PaymentHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentHandler{
		workflow: workflow,
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      log.Named("handler.payment"),
	}
}

// verifyRequest принимает и короткие имена полей, и имена из колбэка checkout
type verifyRequest struct {
	Token             string `json:"token"`
	OrderID           string `json:"order_id"`
	PaymentID         string `json:"payment_id"`
	Signature         string `json:"signature"`
	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
}

func (v verifyRequest) normalize() service.VerifyRequest {
	return service.VerifyRequest{
		Token:     strings.TrimSpace(v.Token),
		OrderID:   strings.TrimSpace(firstNonEmpty(v.OrderID, v.RazorpayOrderID)),
		PaymentID: strings.TrimSpace(firstNonEmpty(v.PaymentID, v.RazorpayPaymentID)),
		Signature: strings.TrimSpace(firstNonEmpty(v.Signature, v.RazorpaySignature)),
	}
}

type verifyResponse struct {
	OK          bool   `json:"ok"`
	DownloadURL string `json:"download_url"`
}

// Verify подтверждает оплату по подписи провайдера.
// Тело - JSON или form-urlencoded с теми же полями.
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxVerifyBody)

	var req verifyRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		if err := r.ParseForm(); err != nil {
			writeError(w, h.log, domain.BadInput("invalid form body"))
			return
		}
		req = verifyRequest{
			Token:             r.FormValue("token"),
			OrderID:           r.FormValue("order_id"),
			PaymentID:         r.FormValue("payment_id"),
			Signature:         r.FormValue("signature"),
			RazorpayOrderID:   r.FormValue("razorpay_order_id"),
			RazorpayPaymentID: r.FormValue("razorpay_payment_id"),
			RazorpaySignature: r.FormValue("razorpay_signature"),
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, domain.BadInput("invalid JSON body"))
		return
	}

	res, err := h.workflow.Verify(r.Context(), req.normalize())
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		OK:          true,
		DownloadURL: downloadURL(h.baseURL, res.Token),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
