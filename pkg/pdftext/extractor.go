// Package pdftext provides the text-layer extraction capability used by the
// classifier and the layout-text strategy. The production implementation is
// backed by go-fitz (MuPDF); callers depend only on the Extractor interface.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// ErrUnreadable indicates the byte stream is not a parseable document at all.
var ErrUnreadable = errors.New("document is not readable")

// Page holds the recovered text of a single page. Numbers are 1-based.
type Page struct {
	Number int
	Text   string
}

// Document is the recovered text layer of a PDF.
type Document struct {
	PageCount int
	Pages     []Page
}

// FullText joins all page texts with newlines.
func (d *Document) FullText() string {
	var sb strings.Builder
	for _, p := range d.Pages {
		if p.Text == "" {
			continue
		}
		sb.WriteString(p.Text)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// Extractor recovers the embedded text layer of a document.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (*Document, error)
}

// FitzExtractor extracts text with go-fitz. A page that fails to render is
// logged and skipped; a document that cannot be opened returns ErrUnreadable.
type FitzExtractor struct {
	logger *slog.Logger
}

// NewFitzExtractor creates a go-fitz backed extractor.
func NewFitzExtractor(logger *slog.Logger) *FitzExtractor {
	return &FitzExtractor{logger: logger}
}

var pdfMagic = []byte("%PDF-")

// LooksLikePDF reports whether the byte stream carries a PDF header. The
// header may sit after a short preamble (some generators emit a BOM or
// HTTP junk before it).
func LooksLikePDF(data []byte) bool {
	limit := len(data)
	if limit > 1024 {
		limit = 1024
	}
	return bytes.Contains(data[:limit], pdfMagic)
}

// Extract implements Extractor.
func (e *FitzExtractor) Extract(ctx context.Context, data []byte) (*Document, error) {
	if len(data) == 0 || !LooksLikePDF(data) {
		return nil, fmt.Errorf("%w: missing PDF header", ErrUnreadable)
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer doc.Close()

	result := &Document{PageCount: doc.NumPage()}
	for i := 0; i < doc.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pageText, err := doc.Text(i)
		if err != nil {
			e.logger.Warn("failed to extract text from page",
				slog.Int("page", i+1),
				slog.Any("error", err))
			continue
		}
		result.Pages = append(result.Pages, Page{Number: i + 1, Text: pageText})
	}

	return result, nil
}
