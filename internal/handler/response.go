package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"docxpdf/internal/domain"
	"docxpdf/internal/service"
)

// Workflow - операции оркестратора, доступные HTTP слою
type Workflow interface {
	Upload(ctx context.Context, req service.UploadRequest) (*service.UploadResult, error)
	Verify(ctx context.Context, req service.VerifyRequest) (*service.VerifyResult, error)
	Download(ctx context.Context, token string) (*service.Download, error)
	Status(ctx context.Context, token string) (domain.Session, error)
	Preview(ctx context.Context, token string, index int) ([]byte, error)
	QuotaInfo() domain.QuotaInfo
}

type errorResponse struct {
	OK      bool                      `json:"ok"`
	Error   string                    `json:"error"`
	Results []domain.ConversionResult `json:"results,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError - единственное место, где ошибки превращаются в HTTP статусы.
// Диагностика внешних инструментов и провайдера клиенту не отдается.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	resp := errorResponse{}

	var batchErr *domain.BatchError
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &batchErr):
		status, msg = http.StatusUnprocessableEntity, "none of the documents could be converted"
		resp.Results = batchErr.Results
	case errors.As(err, &maxBytesErr):
		status, msg = http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, domain.ErrBadInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrPaymentRequired):
		status, msg = http.StatusPaymentRequired, "payment required"
	case errors.Is(err, domain.ErrForgeryRejected):
		status, msg = http.StatusForbidden, domain.ErrForgeryRejected.Error()
	case errors.Is(err, domain.ErrSessionGone):
		status, msg = http.StatusGone, "session expired or not found, upload your documents again"
	case errors.Is(err, domain.ErrToolUnavailable):
		status, msg = http.StatusServiceUnavailable, "conversion service unavailable, retry later"
	case errors.Is(err, domain.ErrTimeout):
		status, msg = http.StatusServiceUnavailable, domain.FailureTimeout.Hint()
	case errors.Is(err, domain.ErrRenderFailure), errors.Is(err, domain.ErrOutputMissing):
		status, msg = http.StatusInternalServerError, domain.FailureRender.Hint()
	case errors.Is(err, domain.ErrProviderNotConfigured):
		status, msg = http.StatusServiceUnavailable, "payments are not available, reduce the batch to the free limits"
	case errors.Is(err, domain.ErrProviderUnavailable):
		status, msg = http.StatusServiceUnavailable, "payment provider unavailable, retry later"
	case errors.Is(err, domain.ErrProviderRejected):
		status, msg = http.StatusBadGateway, "payment provider rejected the order"
	}

	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}

	resp.Error = msg
	writeJSON(w, status, resp)
}
