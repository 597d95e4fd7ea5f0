package handler

import (
	"net/http"
)

type QuotaHandler struct {
	workflow Workflow
}

func NewQuotaHandler(workflow Workflow) *QuotaHandler {
	return &QuotaHandler{workflow: workflow}
}

func (h *QuotaHandler) GetQuotaInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.workflow.QuotaInfo())
}
