// Package reconcile verifies extracted transactions against the statement's
// own arithmetic. All math is exact decimal; a float anywhere in this package
// is a bug.
package reconcile

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/ledger-parse/internal/domain/extract"
)

// Tolerance under which a calculated and a stated balance are considered
// equal. One cent absorbs the rounding banks apply to printed balances.
var Tolerance = decimal.New(1, -2)

// Status is the reconciliation outcome class.
type Status string

const (
	StatusReconciled Status = "reconciled"
	StatusMismatch   Status = "mismatch"
	// StatusUnknown means a required balance was missing, so no verdict
	// could be computed. It is not a failure.
	StatusUnknown Status = "unknown"
)

// Verdict is the result of reconciling one statement.
type Verdict struct {
	Status            Status           `json:"status"`
	IsReconciled      bool             `json:"is_reconciled"`
	OpeningBalance    *decimal.Decimal `json:"opening_balance,omitempty"`
	StatedClosing     *decimal.Decimal `json:"stated_closing,omitempty"`
	CalculatedClosing *decimal.Decimal `json:"calculated_closing,omitempty"`
	Difference        *decimal.Decimal `json:"difference,omitempty"` // stated minus calculated
	TotalCredits      decimal.Decimal  `json:"total_credits"`
	TotalDebits       decimal.Decimal  `json:"total_debits"`
	TransactionCount  int              `json:"transaction_count"`
}

// RowIssue flags a transaction whose printed running balance disagrees with
// the arithmetic from the previous row.
type RowIssue struct {
	SequenceIndex int             `json:"sequence_index"`
	Expected      decimal.Decimal `json:"expected"`
	Printed       decimal.Decimal `json:"printed"`
	Difference    decimal.Decimal `json:"difference"`
}

// Engine reconciles normalized transactions against statement balances.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Reconcile checks opening + credits - debits against the stated closing
// balance. Rows marked excluded do not participate. Either balance missing
// yields StatusUnknown with the totals still filled in; a partial verdict is
// more useful than none.
func (e *Engine) Reconcile(txns []extract.NormalizedTransaction, opening, closing *decimal.Decimal) Verdict {
	verdict := Verdict{
		Status:         StatusUnknown,
		OpeningBalance: opening,
		StatedClosing:  closing,
		TotalCredits:   decimal.Zero,
		TotalDebits:    decimal.Zero,
	}

	for _, tx := range txns {
		if tx.Excluded {
			continue
		}
		verdict.TransactionCount++
		if tx.Credit != nil {
			verdict.TotalCredits = verdict.TotalCredits.Add(*tx.Credit)
		}
		if tx.Debit != nil {
			verdict.TotalDebits = verdict.TotalDebits.Add(*tx.Debit)
		}
	}

	if opening == nil || closing == nil {
		e.logger.Debug("reconciliation skipped, balance missing",
			slog.Bool("has_opening", opening != nil),
			slog.Bool("has_closing", closing != nil))
		return verdict
	}

	calculated := opening.Add(verdict.TotalCredits).Sub(verdict.TotalDebits).Round(2)
	difference := closing.Sub(calculated).Round(2)
	verdict.CalculatedClosing = &calculated
	verdict.Difference = &difference

	if difference.Abs().LessThan(Tolerance) {
		verdict.Status = StatusReconciled
		verdict.IsReconciled = true
	} else {
		verdict.Status = StatusMismatch
		e.logger.Warn("statement does not reconcile",
			slog.String("calculated", calculated.StringFixed(2)),
			slog.String("stated", closing.StringFixed(2)),
			slog.String("difference", difference.StringFixed(2)))
	}
	return verdict
}

// ValidateRunningBalances compares each printed running balance against the
// previous one adjusted by the row's amount. Rows are walked by sequence
// index, not slice position, since review tooling hands back edited and
// possibly reordered lists. The first row with a balance seeds the walk. Rows
// without a printed balance advance the expectation but cannot themselves be
// flagged.
func (e *Engine) ValidateRunningBalances(txns []extract.NormalizedTransaction) []RowIssue {
	ordered := make([]extract.NormalizedTransaction, len(txns))
	copy(ordered, txns)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SequenceIndex < ordered[j].SequenceIndex
	})

	var issues []RowIssue
	var expected *decimal.Decimal

	for _, tx := range ordered {
		if tx.Excluded {
			continue
		}

		if expected != nil {
			next := *expected
			if tx.Credit != nil {
				next = next.Add(*tx.Credit)
			}
			if tx.Debit != nil {
				next = next.Sub(*tx.Debit)
			}
			next = next.Round(2)

			if tx.Balance != nil {
				if diff := tx.Balance.Sub(next).Round(2); !diff.Abs().LessThan(Tolerance) {
					issues = append(issues, RowIssue{
						SequenceIndex: tx.SequenceIndex,
						Expected:      next,
						Printed:       *tx.Balance,
						Difference:    diff,
					})
					// Resync on the printed balance so one bad row does
					// not cascade into flagging every row after it.
					printed := *tx.Balance
					expected = &printed
					continue
				}
			}
			expected = &next
			continue
		}

		if tx.Balance != nil {
			printed := *tx.Balance
			expected = &printed
		}
	}

	if len(issues) > 0 {
		e.logger.Debug("running balance issues found", slog.Int("count", len(issues)))
	}
	return issues
}
