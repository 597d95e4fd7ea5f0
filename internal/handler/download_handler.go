package handler

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type DownloadHandler struct {
	workflow Workflow
	log      *zap.Logger
}

func NewDownloadHandler(workflow Workflow, log *zap.Logger) *DownloadHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &DownloadHandler{
		workflow: workflow,
		log:      log.Named("handler.download"),
	}
}

// Download отдает zip архив сессии
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	dl, err := h.workflow.Download(r.Context(), token)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	defer dl.Body.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Name))
	w.Header().Set("Cache-Control", "no-store")
	if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Body); err != nil {
		h.log.Warn("failed to stream archive", zap.Error(err))
	}
}
