package service

import (
	"fmt"

	"docxpdf/internal/domain"
)

const bytesPerMB = 1024 * 1024

// QuotaEvaluator решает, укладывается ли пакет в бесплатный тариф.
// Не выполняет ввода-вывода, результат зависит только от аргументов и лимитов.
type QuotaEvaluator struct {
	limits domain.QuotaLimits
}

func NewQuotaEvaluator(limits domain.QuotaLimits) *QuotaEvaluator {
	return &QuotaEvaluator{limits: limits}
}

func (e *QuotaEvaluator) Limits() domain.QuotaLimits {
	return e.limits
}

// Evaluate проверяет все правила без досрочного выхода, чтобы пользователь
// увидел каждое нарушение. alreadyPaid снимает все ограничения.
func (e *QuotaEvaluator) Evaluate(m domain.BatchMetrics, alreadyPaid bool) domain.QuotaDecision {
	if alreadyPaid {
		return domain.QuotaDecision{Allowed: true}
	}

	var reasons []string
	if e.limits.MaxFiles > 0 && m.FileCount > e.limits.MaxFiles {
		reasons = append(reasons, fmt.Sprintf("Free limit: max %d files (got %d)", e.limits.MaxFiles, m.FileCount))
	}
	if e.limits.MaxTotalBytes > 0 && m.TotalSizeBytes > e.limits.MaxTotalBytes {
		reasons = append(reasons, fmt.Sprintf("Free limit: max %s total (got %s)",
			formatMB(e.limits.MaxTotalBytes), formatMB(m.TotalSizeBytes)))
	}
	if pages := m.TotalPages(); e.limits.MaxPages > 0 && pages > e.limits.MaxPages {
		reasons = append(reasons, fmt.Sprintf("Free limit: max %d pages total (got %d)", e.limits.MaxPages, pages))
	}

	if len(reasons) > 0 {
		return domain.QuotaDecision{Allowed: false, Reasons: reasons}
	}
	return domain.QuotaDecision{Allowed: true}
}

func formatMB(n int64) string {
	if n%bytesPerMB == 0 {
		return fmt.Sprintf("%d MB", n/bytesPerMB)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/bytesPerMB)
}
