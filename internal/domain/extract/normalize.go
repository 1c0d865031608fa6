package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// NormalizedTransaction is the canonical row shape every strategy's output is
// converted into before reconciliation and serialization.
type NormalizedTransaction struct {
	SequenceIndex     int              `json:"sequence_index"`
	Date              string           `json:"date"` // strict YYYY-MM-DD, "" when unparseable
	Description       string           `json:"description"`
	Debit             *decimal.Decimal `json:"debit,omitempty"`
	Credit            *decimal.Decimal `json:"credit,omitempty"`
	Balance           *decimal.Decimal `json:"balance,omitempty"`
	ConfidencePercent int              `json:"confidence"` // 0..100
	Excluded          bool             `json:"excluded,omitempty"`
	SourcePage        int              `json:"source_page,omitempty"`
	SourceBBox        *Rect            `json:"source_bbox,omitempty"`
	RawText           string           `json:"-"`
}

// NormalizeOptions tunes normalization.
type NormalizeOptions struct {
	DefaultYear       int
	MaxDescriptionLen int
}

// Normalize converts raw strategy output into the canonical model, preserving
// document order. Rows are never dropped here: an unparseable date becomes an
// empty Date with reduced confidence, and a missing amount keeps both Debit
// and Credit nil, so downstream review sees every candidate the strategy saw.
func Normalize(raws []RawTransaction, opts NormalizeOptions) []NormalizedTransaction {
	if opts.MaxDescriptionLen <= 0 {
		opts.MaxDescriptionLen = 200
	}

	out := make([]NormalizedTransaction, 0, len(raws))
	for i, raw := range raws {
		nt := NormalizedTransaction{
			SequenceIndex: i,
			Description:   truncate(collapseSpaces(raw.Description), opts.MaxDescriptionLen),
			Balance:       copyDecimal(raw.RunningBalance),
			RawText:       raw.RawText,
		}
		if raw.AccountTag != "" {
			nt.Description = strings.TrimSpace("[" + raw.AccountTag + "] " + nt.Description)
		}
		if raw.Location != nil {
			nt.SourcePage = raw.Location.Page
			nt.SourceBBox = raw.Location.BBox
		}

		confidence := raw.Confidence
		if y, mo, d, err := ParseDate(raw.Date, opts.DefaultYear); err == nil {
			nt.Date = FormatISO(y, mo, d)
		} else {
			confidence *= 0.5
		}

		nt.Debit, nt.Credit = splitSigned(raw.Amount, raw.Type)
		nt.ConfidencePercent = clampPercent(confidence)

		out = append(out, nt)
	}
	return out
}

// splitSigned routes an amount into exactly one of the debit or credit
// columns. An unknown direction falls back to the amount's own sign; a
// positive unknown is presumed a credit because layout extraction already
// flags withdrawals via parentheses, minus signs or column position.
func splitSigned(amount *decimal.Decimal, t SignedType) (debit, credit *decimal.Decimal) {
	if amount == nil {
		return nil, nil
	}
	abs := amount.Abs().Round(2)
	if abs.IsZero() {
		return nil, nil
	}

	switch t {
	case TypeDebit:
		return &abs, nil
	case TypeCredit:
		return nil, &abs
	default:
		if amount.IsNegative() {
			return &abs, nil
		}
		return nil, &abs
	}
}

// FlattenAccounts merges per-account sections into a single ordered
// transaction list, tagging each row with its account name. The combined
// opening and closing balances are the sums across sections, reported only
// when every section carries the respective balance; a partial sum would
// reconcile against the wrong total.
func FlattenAccounts(sections []AccountSection) (raws []RawTransaction, opening, closing *decimal.Decimal) {
	if len(sections) == 0 {
		return nil, nil, nil
	}

	openingSum, closingSum := decimal.Zero, decimal.Zero
	openingComplete, closingComplete := true, true

	for _, sec := range sections {
		for _, raw := range sec.Transactions {
			if raw.AccountTag == "" {
				raw.AccountTag = sec.Name
			}
			raws = append(raws, raw)
		}
		if sec.OpeningBalance != nil {
			openingSum = openingSum.Add(*sec.OpeningBalance)
		} else {
			openingComplete = false
		}
		if sec.ClosingBalance != nil {
			closingSum = closingSum.Add(*sec.ClosingBalance)
		} else {
			closingComplete = false
		}
	}

	if openingComplete {
		opening = &openingSum
	}
	if closingComplete {
		closing = &closingSum
	}
	return raws, opening, closing
}

// clampPercent converts a 0..1 confidence into a 0..100 integer. A genuine
// zero stays zero; it must not be mistaken for "not scored".
func clampPercent(c float64) int {
	switch {
	case c <= 0:
		return 0
	case c >= 1:
		return 100
	default:
		return int(c*100 + 0.5)
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate limits s to max bytes without cutting through a multibyte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Summary renders a one-line description of a normalized row for logs.
func (t NormalizedTransaction) Summary() string {
	amount := "-"
	switch {
	case t.Debit != nil:
		amount = "-" + t.Debit.StringFixed(2)
	case t.Credit != nil:
		amount = "+" + t.Credit.StringFixed(2)
	}
	return fmt.Sprintf("#%d %s %s %s", t.SequenceIndex, t.Date, amount, t.Description)
}
