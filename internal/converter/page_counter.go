package converter

import (
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCounter считает страницы готового PDF
type PageCounter interface {
	PageCount(path string) (int, error)
}

type PDFPageCounter struct{}

func (PDFPageCounter) PageCount(path string) (int, error) {
	return api.PageCountFile(path)
}
