package extract

import (
	"context"
	"fmt"

	"github.com/simp-lee/epub"
)

// EPUBDocument adapts an EPUB file to ViewSource. A read fraction maps onto
// the content chapter covering that fraction of the spine.
type EPUBDocument struct {
	book     *epub.Book
	chapters []epub.Chapter
}

func OpenEPUB(path string) (*EPUBDocument, error) {
	book, err := epub.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open EPUB: %w", err)
	}

	chapters := book.ContentChapters()
	if len(chapters) == 0 {
		chapters = book.Chapters()
	}
	if len(chapters) == 0 {
		book.Close()
		return nil, fmt.Errorf("EPUB %s has no readable chapters", path)
	}

	return &EPUBDocument{book: book, chapters: chapters}, nil
}

func (d *EPUBDocument) Title() string {
	titles := d.book.Metadata().Titles
	if len(titles) == 0 {
		return ""
	}
	return titles[0]
}

func (d *EPUBDocument) Author() string {
	authors := d.book.Metadata().Authors
	if len(authors) == 0 {
		return ""
	}
	return authors[0].Name
}

// TextAt returns the plain text of the chapter at the given read fraction.
func (d *EPUBDocument) TextAt(ctx context.Context, fraction float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if fraction < 0 {
		fraction = 0
	}
	idx := int(fraction * float64(len(d.chapters)))
	if idx >= len(d.chapters) {
		idx = len(d.chapters) - 1
	}

	text, err := d.chapters[idx].TextContent()
	if err != nil {
		return "", fmt.Errorf("failed to extract chapter %d: %w", idx, err)
	}
	return text, nil
}

func (d *EPUBDocument) Close() error {
	return d.book.Close()
}
