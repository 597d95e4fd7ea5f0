package domain

import (
	"io"
	"path"
	"strings"
)

// Document представляет один документ пакета, уже сохраненный в рабочую директорию
type Document struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Path      string `json:"-"`
}

// Ext возвращает расширение файла в нижнем регистре
func (d Document) Ext() string {
	return strings.ToLower(path.Ext(CleanFileName(d.Name)))
}

// BaseName возвращает имя файла без расширения
func (d Document) BaseName() string {
	name := CleanFileName(d.Name)
	return strings.TrimSuffix(name, path.Ext(name))
}

// CleanFileName оставляет от присланного клиентом имени только последний элемент пути.
// Обратный слэш считается разделителем независимо от ОС сервера.
// Пустая строка означает, что имени нет.
func CleanFileName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	base := path.Base(name)
	switch base {
	case ".", "..", "/":
		return ""
	}
	return base
}

// Batch - упорядоченный набор документов одного запроса.
// Количество и общий размер всегда вычисляются, а не хранятся.
type Batch []Document

func (b Batch) Count() int {
	return len(b)
}

func (b Batch) TotalSize() int64 {
	var total int64
	for _, d := range b {
		total += d.SizeBytes
	}
	return total
}

// UploadedFile - входной файл до сохранения на диск
type UploadedFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}
