package domain

// QuotaLimits описывает бесплатный тариф.
// Размер ограничивается суммарно по пакету, страницы - суммарно по всем PDF.
// Нулевое или отрицательное значение отключает правило.
type QuotaLimits struct {
	MaxFiles      int   `json:"max_files"`
	MaxTotalBytes int64 `json:"max_total_bytes"`
	MaxPages      int   `json:"max_pages"`
}

// FileMetrics - метрики одного файла, участвующие в расчете квоты
type FileMetrics struct {
	SizeBytes int64
	PageCount int
}

// BatchMetrics - метрики пакета для проверки квоты
type BatchMetrics struct {
	FileCount      int
	TotalSizeBytes int64
	Files          []FileMetrics
}

// TotalPages суммирует страницы по всем файлам
func (m BatchMetrics) TotalPages() int {
	total := 0
	for _, f := range m.Files {
		total += f.PageCount
	}
	return total
}

// MetricsFromResults собирает метрики по успешно сконвертированным документам
func MetricsFromResults(results []ConversionResult) BatchMetrics {
	ok := Succeeded(results)
	m := BatchMetrics{
		FileCount: len(ok),
		Files:     make([]FileMetrics, 0, len(ok)),
	}
	for _, r := range ok {
		m.TotalSizeBytes += r.SourceSize
		m.Files = append(m.Files, FileMetrics{SizeBytes: r.SourceSize, PageCount: r.PageCount})
	}
	return m
}

// QuotaDecision - результат проверки квоты.
// Reasons заполняется только при Allowed == false.
type QuotaDecision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// QuotaInfo - публичное описание бесплатного тарифа и цены
type QuotaInfo struct {
	MaxFiles    int    `json:"max_files"`
	MaxTotalMB  int64  `json:"max_total_mb"`
	MaxPages    int    `json:"max_pages"`
	PriceAmount int64  `json:"price_amount"`
	Currency    string `json:"currency"`
}
