package extract

import (
	"context"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
)

// PDFDocument adapts a PDF file to PageSource.
type PDFDocument struct {
	file   *os.File
	reader *pdf.Reader
}

func OpenPDF(path string) (*PDFDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}

	return &PDFDocument{file: f, reader: reader}, nil
}

func (d *PDFDocument) NumPages() int {
	return d.reader.NumPage()
}

// PageText extracts the plain text of a single 1-based page.
func (d *PDFDocument) PageText(ctx context.Context, page int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if page < 1 || page > d.reader.NumPage() {
		return "", fmt.Errorf("page %d out of range", page)
	}

	p := d.reader.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("failed to extract page %d: %w", page, err)
	}
	return text, nil
}

func (d *PDFDocument) Close() error {
	return d.file.Close()
}
