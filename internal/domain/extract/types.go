// Package extract defines the strategy contract for converting a document
// into candidate transactions, the concrete layout-text, OCR and
// vision-model strategies, and the normalization of their heterogeneous
// outputs into the canonical transaction model.
package extract

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/ledger-parse/pkg/pdftext"
)

// Method tags which strategy produced a result.
type Method string

const (
	MethodLayoutText Method = "layout_text"
	MethodOCR        Method = "ocr"
	MethodVision     Method = "vision"
	// MethodHybrid marks an outcome assembled across an escalation.
	MethodHybrid Method = "hybrid"
)

// SignedType classifies the direction of a raw transaction amount.
type SignedType string

const (
	TypeDebit   SignedType = "debit"
	TypeCredit  SignedType = "credit"
	TypeUnknown SignedType = "unknown"
)

// Rect is a bounding box in page coordinates.
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// SourceLocation points back at where on the document a row came from, for
// click-to-highlight verification downstream.
type SourceLocation struct {
	Page int   `json:"page"`
	BBox *Rect `json:"bbox,omitempty"`
}

// RawTransaction is the strategy-agnostic candidate unit. It is produced by
// exactly one strategy invocation and never mutated afterwards; processing
// yields new NormalizedTransaction values instead.
type RawTransaction struct {
	Date           string // free-form, not yet validated
	Description    string
	Amount         *decimal.Decimal
	Type           SignedType
	RunningBalance *decimal.Decimal
	Confidence     float64 // 0..1 per-item confidence
	Location       *SourceLocation
	RawText        string
	AccountTag     string // sub-account label on multi-account statements
}

// AccountSection is a per-account grouping some strategies return for
// multi-account statements.
type AccountSection struct {
	Name           string
	Transactions   []RawTransaction
	OpeningBalance *decimal.Decimal
	ClosingBalance *decimal.Decimal
}

// StrategyResult is the common shape every strategy returns.
type StrategyResult struct {
	Method         Method
	Transactions   []RawTransaction
	Accounts       []AccountSection // set instead of Transactions for multi-account results
	OpeningBalance *decimal.Decimal
	ClosingBalance *decimal.Decimal
	BankDetected   string
	Confidence     float64 // 0..1 overall confidence
	Errors         []string
}

// Document is what strategies consume: the raw bytes plus, when the
// classifier already recovered it, the text layer. Owned by the orchestrator
// for the duration of one run; immutable once received.
type Document struct {
	Data []byte
	Text *pdftext.Document
	// ScanQuality carries the classifier's verdict ("good", "poor", "none")
	// so engine selection can adapt to it. Empty when unclassified.
	ScanQuality string
}

// Strategy converts a document into candidate transactions. Implementations
// must honor context cancellation on every blocking call.
type Strategy interface {
	Name() Method
	// Available reports whether the strategy's backend is configured.
	// An unavailable strategy is skipped, not a document-level failure.
	Available() bool
	Extract(ctx context.Context, doc *Document) (*StrategyResult, error)
}

// ErrorKind is the extraction error taxonomy.
type ErrorKind string

const (
	KindUnreadableDocument  ErrorKind = "unreadable_document"
	KindStrategyUnavailable ErrorKind = "strategy_unavailable"
	KindStrategyTimeout     ErrorKind = "strategy_timeout"
	KindStrategyFailure     ErrorKind = "strategy_failure"
	KindNoTransactions      ErrorKind = "no_transactions_extracted"
)

// Error is a kinded, strategy-attributed extraction error.
type Error struct {
	Kind     ErrorKind
	Strategy Method
	Err      error
}

func (e *Error) Error() string {
	if e.Strategy != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Strategy, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a strategy-attributed Error.
func NewError(kind ErrorKind, strategy Method, err error) *Error {
	return &Error{Kind: kind, Strategy: strategy, Err: err}
}
