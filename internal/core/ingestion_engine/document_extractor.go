package ingestion_engine

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/markdave123-py/pagewise/internal/core"
)

// PDFPageCounter reads the page count from the PDF page tree without rendering anything.
type PDFPageCounter struct{}

func NewPDFPageCounter() *PDFPageCounter { return &PDFPageCounter{} }

func (PDFPageCounter) CountPages(content []byte) (n int, err error) {
	// The parser panics on some malformed trees.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return 0, fmt.Errorf("open PDF: %w", err)
	}
	return r.NumPage(), nil
}

var _ core.PageCounter = PDFPageCounter{}
