// Package classify determines whether a PDF carries a usable embedded text
// layer ("native") or consists of page images ("scanned"), with a quality
// signal for the scanned case. The verdict drives initial strategy selection.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/FACorreiaa/ledger-parse/pkg/pdftext"
)

// Kind is the document kind verdict.
type Kind string

const (
	KindNative  Kind = "native"
	KindScanned Kind = "scanned"
)

// ScanQuality grades the text recoverable from a scanned document.
type ScanQuality string

const (
	QualityGood ScanQuality = "good"
	QualityPoor ScanQuality = "poor"
	QualityNone ScanQuality = "none"
)

// ErrUnreadableDocument indicates the bytes are not a parseable document at
// all. Low quality is a normal classification outcome, never this error.
var ErrUnreadableDocument = errors.New("unreadable document")

// Result is the classification verdict for one document.
type Result struct {
	Kind        Kind
	ScanQuality ScanQuality
	PageCount   int
	TextDensity float64 // average characters per page
	Confidence  float64
	HasText     bool
	// Degraded marks a fail-soft verdict produced because the text-layer
	// capability itself failed; the orchestrator's confidence-based
	// escalation handles the rest.
	Degraded bool

	// Text carries the recovered text layer so downstream strategies do
	// not re-extract it. Nil on degraded results.
	Text *pdftext.Document
}

// Config holds the chars-per-page thresholds. Empirical tuning knobs.
type Config struct {
	NativeCharsPerPage   float64
	GoodScanCharsPerPage float64
	MinTextCharsPerPage  float64
}

// DefaultConfig returns the thresholds observed to work on real statements.
func DefaultConfig() Config {
	return Config{
		NativeCharsPerPage:   500,
		GoodScanCharsPerPage: 200,
		MinTextCharsPerPage:  50,
	}
}

// Classifier inspects PDFs via a text-layer extraction capability.
type Classifier struct {
	extractor pdftext.Extractor
	cfg       Config
	logger    *slog.Logger
}

// NewClassifier creates a classifier with the given extractor and thresholds.
func NewClassifier(extractor pdftext.Extractor, cfg Config, logger *slog.Logger) *Classifier {
	return &Classifier{extractor: extractor, cfg: cfg, logger: logger}
}

// Classify inspects the document bytes and produces a Result.
//
// If the underlying text extraction fails for a document that is plausibly a
// PDF, the classifier does not propagate a hard error: it returns a degraded
// native verdict with low confidence so the pipeline still attempts at least
// one extraction strategy.
func (c *Classifier) Classify(ctx context.Context, data []byte) (*Result, error) {
	if len(data) == 0 || !pdftext.LooksLikePDF(data) {
		return nil, fmt.Errorf("%w: byte stream is not a PDF", ErrUnreadableDocument)
	}

	doc, err := c.extractor.Extract(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("text-layer extraction failed, returning degraded classification",
			slog.Any("error", err))
		return &Result{
			Kind:       KindNative,
			Confidence: 0.3,
			Degraded:   true,
		}, nil
	}

	totalChars := 0
	for _, p := range doc.Pages {
		totalChars += len(p.Text)
	}

	density := 0.0
	if doc.PageCount > 0 {
		density = float64(totalChars) / float64(doc.PageCount)
	}

	result := &Result{
		PageCount:   doc.PageCount,
		TextDensity: density,
		Text:        doc,
	}

	switch {
	case density > c.cfg.NativeCharsPerPage:
		result.Kind = KindNative
		result.HasText = true
		result.Confidence = 0.95
	case density > c.cfg.GoodScanCharsPerPage:
		result.Kind = KindScanned
		result.ScanQuality = QualityGood
		result.HasText = true
		result.Confidence = 0.8
	case density > c.cfg.MinTextCharsPerPage:
		result.Kind = KindScanned
		result.ScanQuality = QualityPoor
		result.HasText = true
		result.Confidence = 0.6
	default:
		result.Kind = KindScanned
		result.ScanQuality = QualityNone
		result.HasText = false
		result.Confidence = 0.7
	}

	c.logger.Debug("document classified",
		slog.String("kind", string(result.Kind)),
		slog.Int("pages", result.PageCount),
		slog.Float64("chars_per_page", density))

	return result, nil
}
