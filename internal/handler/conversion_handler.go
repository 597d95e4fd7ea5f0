package handler

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"docxpdf/internal/domain"
	"docxpdf/internal/service"
)

const multipartMemory = 32 << 20

type ConversionHandler struct {
	workflow       Workflow
	baseURL        string
	maxUploadBytes int64
	log            *zap.Logger
}

func NewConversionHandler(workflow Workflow, baseURL string, maxUploadBytes int64, log *zap.Logger) *ConversionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversionHandler{
		workflow:       workflow,
		baseURL:        strings.TrimRight(baseURL, "/"),
		maxUploadBytes: maxUploadBytes,
		log:            log.Named("handler.conversion"),
	}
}

type readyResponse struct {
	Status      string                    `json:"status"`
	Token       string                    `json:"token"`
	DownloadURL string                    `json:"download_url"`
	Results     []domain.ConversionResult `json:"results"`
	ExpiresAt   time.Time                 `json:"expires_at"`
}

type paymentRequiredResponse struct {
	Status    string                    `json:"status"`
	Amount    int64                     `json:"amount"`
	Currency  string                    `json:"currency"`
	OrderID   string                    `json:"order_id"`
	KeyID     string                    `json:"key_id"`
	Reasons   []string                  `json:"reasons"`
	Token     string                    `json:"token"`
	Results   []domain.ConversionResult `json:"results"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

// Convert принимает multipart поле files и необязательные поля paid_order и paid_token
func (h *ConversionHandler) Convert(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, h.log, err)
			return
		}
		writeError(w, h.log, domain.BadInput("expected multipart form with files"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	files := make([]domain.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		files = append(files, uploadedFile(fh))
	}

	res, err := h.workflow.Upload(r.Context(), service.UploadRequest{
		Files:     files,
		PaidOrder: strings.TrimSpace(r.FormValue("paid_order")),
		PaidToken: strings.TrimSpace(r.FormValue("paid_token")),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	if res.Status == service.StatusPaymentRequired {
		writeJSON(w, http.StatusPaymentRequired, paymentRequiredResponse{
			Status:    res.Status,
			Amount:    res.Order.Amount,
			Currency:  res.Order.Currency,
			OrderID:   res.Order.OrderID,
			KeyID:     res.KeyID,
			Reasons:   res.Decision.Reasons,
			Token:     res.Token,
			Results:   res.Results,
			ExpiresAt: res.ExpiresAt,
		})
		return
	}

	writeJSON(w, http.StatusOK, readyResponse{
		Status:      res.Status,
		Token:       res.Token,
		DownloadURL: downloadURL(h.baseURL, res.Token),
		Results:     res.Results,
		ExpiresAt:   res.ExpiresAt,
	})
}

type statusResponse struct {
	Status    string                    `json:"status"`
	OrderID   string                    `json:"order_id,omitempty"`
	Results   []domain.ConversionResult `json:"results"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

func (h *ConversionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.workflow.Status(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    sess.Status(),
		OrderID:   sess.OrderID,
		Results:   sess.Artifacts,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (h *ConversionHandler) GetPreview(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, h.log, domain.BadInput("invalid document index"))
		return
	}

	img, err := h.workflow.Preview(r.Context(), chi.URLParam(r, "token"), index)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.Write(img)
}

func uploadedFile(fh *multipart.FileHeader) domain.UploadedFile {
	return domain.UploadedFile{
		Name: fh.Filename,
		Size: fh.Size,
		Open: func() (io.ReadCloser, error) {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			return f, nil
		},
	}
}

func downloadURL(baseURL, token string) string {
	return baseURL + "/v1/download/" + token
}
