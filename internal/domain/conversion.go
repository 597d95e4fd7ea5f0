package domain

// FailureKind классифицирует причину неудачной конвертации документа
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureUnsupportedFormat FailureKind = "unsupported_format"
	FailurePasswordProtected FailureKind = "password_protected"
	FailureRender            FailureKind = "render_failure"
	FailureTimeout           FailureKind = "timeout"
	FailureOutputMissing     FailureKind = "output_missing"
)

// ConversionResult - результат конвертации одного входного документа.
// Результаты всегда идут в том же порядке, что и входные документы.
type ConversionResult struct {
	SourceName  string      `json:"source_name"`
	SourceSize  int64       `json:"source_size"`
	OutputName  string      `json:"output_name,omitempty"`
	OutputPath  string      `json:"-"`
	OutputSize  int64       `json:"output_size,omitempty"`
	PageCount   int         `json:"page_count"`
	Success     bool        `json:"success"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
	Warning     string      `json:"warning,omitempty"`
}

// Failed создает результат с ошибкой заданного типа
func Failed(doc Document, kind FailureKind) ConversionResult {
	return ConversionResult{
		SourceName:  doc.Name,
		SourceSize:  doc.SizeBytes,
		FailureKind: kind,
		Message:     kind.Hint(),
	}
}

// Hint возвращает понятное пользователю пояснение без диагностики внешнего инструмента
func (k FailureKind) Hint() string {
	switch k {
	case FailureUnsupportedFormat:
		return "unsupported file type, upload a Word document"
	case FailurePasswordProtected:
		return "document is password protected, remove the password and retry"
	case FailureRender:
		return "document could not be converted, check that it opens correctly and retry"
	case FailureTimeout:
		return "conversion took too long, try a smaller document"
	case FailureOutputMissing:
		return "converter produced no output, retry later"
	default:
		return ""
	}
}

// Succeeded возвращает только успешные результаты в исходном порядке
func Succeeded(results []ConversionResult) []ConversionResult {
	ok := make([]ConversionResult, 0, len(results))
	for _, r := range results {
		if r.Success {
			ok = append(ok, r)
		}
	}
	return ok
}
