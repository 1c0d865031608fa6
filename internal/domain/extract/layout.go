package extract

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/ledger-parse/internal/domain/bankdetect"
	"github.com/FACorreiaa/ledger-parse/pkg/money"
)

// ClosingBalancePolicy selects how the closing balance is chosen when
// several labeled candidates appear on one document.
type ClosingBalancePolicy string

const (
	// PolicyLastOccurrence prefers the candidate nearest the document end.
	PolicyLastOccurrence ClosingBalancePolicy = "last"
	// PolicyMaxValue is the legacy maximum-value heuristic. It misfires on
	// negative balances and multi-account statements; kept only for callers
	// that depend on the old behavior.
	PolicyMaxValue ClosingBalancePolicy = "max"
)

// LayoutConfig tunes the layout-text strategy.
type LayoutConfig struct {
	MaxDescriptionLen    int
	ClosingBalancePolicy ClosingBalancePolicy
	MinAmount            decimal.Decimal
	MaxAmount            decimal.Decimal
}

// DefaultLayoutConfig returns the tested defaults.
func DefaultLayoutConfig() LayoutConfig {
	return LayoutConfig{
		MaxDescriptionLen:    200,
		ClosingBalancePolicy: PolicyLastOccurrence,
		MinAmount:            decimal.New(1, -2),  // 0.01
		MaxAmount:            decimal.New(1, 8),   // 100,000,000
	}
}

// LayoutStrategy parses the recovered text layout of native PDFs into rows
// using column, date and amount heuristics. It needs no external backend and
// is always available.
type LayoutStrategy struct {
	cfg    LayoutConfig
	banks  *bankdetect.Detector
	logger *slog.Logger
}

// NewLayoutStrategy creates the layout-text strategy.
func NewLayoutStrategy(cfg LayoutConfig, banks *bankdetect.Detector, logger *slog.Logger) *LayoutStrategy {
	if cfg.MaxDescriptionLen <= 0 {
		cfg.MaxDescriptionLen = 200
	}
	if cfg.ClosingBalancePolicy == "" {
		cfg.ClosingBalancePolicy = PolicyLastOccurrence
	}
	if cfg.MinAmount.IsZero() {
		cfg.MinAmount = decimal.New(1, -2)
	}
	if cfg.MaxAmount.IsZero() {
		cfg.MaxAmount = decimal.New(1, 8)
	}
	return &LayoutStrategy{cfg: cfg, banks: banks, logger: logger}
}

func (s *LayoutStrategy) Name() Method    { return MethodLayoutText }
func (s *LayoutStrategy) Available() bool { return true }

// Lines matching any of these are page furniture, not transactions.
var skipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*page\s*\d+`),
	regexp.MustCompile(`(?i)\bpage\s+\d+\s+of\s+\d+\b`),
	regexp.MustCompile(`(?i)\bcontinued\b`),
	regexp.MustCompile(`(?i)statement\s*(date|period)`),
	regexp.MustCompile(`(?i)account\s*number`),
	regexp.MustCompile(`(?i)customer\s*service`),
	regexp.MustCompile(`(?i)member\s+fdic`),
	regexp.MustCompile(`(?i)www\.`),
	regexp.MustCompile(`(?i)^date\s+description`),
	regexp.MustCompile(`(?i)terms\s+and\s+conditions`),
}

var (
	openingBalancePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:opening|beginning|starting|previous)\s*balance[:\s]*\$?\s*(\(?-?[\d,]+\.?\d*\)?)`),
		regexp.MustCompile(`(?i)balance\s*(?:forward|brought\s*forward)[:\s]*\$?\s*(\(?-?[\d,]+\.?\d*\)?)`),
	}
	closingBalancePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:closing|ending|new|current)\s*balance[:\s]*\$?\s*(\(?-?[\d,]+\.?\d*\)?)`),
		regexp.MustCompile(`(?i)balance\s*carried\s*forward[:\s]*\$?\s*(\(?-?[\d,]+\.?\d*\)?)`),
	}
)

// Extract implements Strategy. It requires the document's text layer, which
// the classifier already recovered for native PDFs.
func (s *LayoutStrategy) Extract(ctx context.Context, doc *Document) (*StrategyResult, error) {
	if doc.Text == nil || len(doc.Text.Pages) == 0 {
		return nil, NewError(KindStrategyFailure, MethodLayoutText,
			fmt.Errorf("document has no recovered text layer"))
	}

	fullText := doc.Text.FullText()
	result := &StrategyResult{
		Method:       MethodLayoutText,
		BankDetected: s.banks.Detect(fullText),
	}

	result.OpeningBalance = findLabeledBalance(fullText, openingBalancePatterns, PolicyLastOccurrence, true)
	result.ClosingBalance = findLabeledBalance(fullText, closingBalancePatterns, s.cfg.ClosingBalancePolicy, false)

	defaultYear := DetectPeriodEndYear(fullText)
	if defaultYear == 0 {
		defaultYear = latestExplicitYear(fullText)
	}

	var confidenceSum float64
	for _, page := range doc.Text.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lines := strings.Split(page.Text, "\n")
		anchors := detectColumnAnchors(lines)
		var prevBalance *decimal.Decimal
		if result.OpeningBalance != nil && page.Number == 1 {
			v := *result.OpeningBalance
			prevBalance = &v
		}

		for _, line := range lines {
			tx := s.parseLine(line, anchors, page.Number, defaultYear, prevBalance)
			if tx == nil {
				continue
			}
			if tx.RunningBalance != nil {
				v := *tx.RunningBalance
				prevBalance = &v
			}
			confidenceSum += tx.Confidence
			result.Transactions = append(result.Transactions, *tx)
		}
	}

	if n := len(result.Transactions); n > 0 {
		result.Confidence = confidenceSum / float64(n)
	}

	s.logger.Debug("layout extraction finished",
		slog.Int("transactions", len(result.Transactions)),
		slog.String("bank", result.BankDetected))

	return result, nil
}

// findLabeledBalance runs the ordered pattern list over the text and picks a
// candidate according to policy. first selects the first occurrence instead
// (opening balances appear at the top of a statement).
func findLabeledBalance(text string, patterns []*regexp.Regexp, policy ClosingBalancePolicy, first bool) *decimal.Decimal {
	type candidate struct {
		value decimal.Decimal
		pos   int
	}
	var candidates []candidate

	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			raw := text[m[2]:m[3]]
			value, err := money.ParseAmount(raw)
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{value: value, pos: m[0]})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case first:
			if c.pos < best.pos {
				best = c
			}
		case policy == PolicyMaxValue:
			if c.value.GreaterThan(best.value) {
				best = c
			}
		default: // PolicyLastOccurrence
			if c.pos > best.pos {
				best = c
			}
		}
	}
	return &best.value
}

var reExplicitYear = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)

func latestExplicitYear(text string) int {
	best := 0
	for _, m := range reExplicitYear.FindAllString(text, -1) {
		if y := atoi(m); y > best {
			best = y
		}
	}
	return best
}

// columnAnchors maps column kinds to character positions recovered from a
// header line ("Date  Description  Debit  Credit  Balance").
type columnAnchors struct {
	debit   int
	credit  int
	amount  int
	balance int
}

func newColumnAnchors() columnAnchors {
	return columnAnchors{debit: -1, credit: -1, amount: -1, balance: -1}
}

func (a columnAnchors) hasBalance() bool { return a.balance >= 0 }

var reHeaderLine = regexp.MustCompile(`(?i)\bdate\b.*\b(description|details|memo|particulars)\b`)

// detectColumnAnchors scans for a header row and records the center position
// of each recognized column label. Character offsets stand in for the x
// coordinates the text layer does not supply.
func detectColumnAnchors(lines []string) columnAnchors {
	anchors := newColumnAnchors()

	for _, line := range lines {
		if !reHeaderLine.MatchString(line) {
			continue
		}
		lower := strings.ToLower(line)
		for _, col := range []struct {
			keys []string
			dst  *int
		}{
			{[]string{"withdrawal", "debit", "money out"}, &anchors.debit},
			{[]string{"deposit", "credit", "money in"}, &anchors.credit},
			{[]string{"amount"}, &anchors.amount},
			{[]string{"balance"}, &anchors.balance},
		} {
			for _, key := range col.keys {
				if idx := strings.Index(lower, key); idx >= 0 {
					*col.dst = idx + len(key)/2
					break
				}
			}
		}
		if anchors.hasBalance() || anchors.amount >= 0 || anchors.debit >= 0 {
			return anchors
		}
	}
	return anchors
}

// amountToken is a numeric token found on a line, with its position.
type amountToken struct {
	value    decimal.Decimal
	start    int
	end      int
	negative bool // carried a minus sign or parentheses
	raw      string
}

func (t amountToken) center() int { return (t.start + t.end) / 2 }

var reAmountToken = regexp.MustCompile(`\(?\-?\$?\s?(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d{1,2})?\)?`)

// findAmountTokens locates currency-looking numbers on a line, filtered to a
// plausible magnitude range. Bare integers without separators are rejected
// (page numbers, reference codes) unless a decimal point is present.
func (s *LayoutStrategy) findAmountTokens(line string, skipStart, skipEnd int) []amountToken {
	var tokens []amountToken
	for _, loc := range reAmountToken.FindAllStringIndex(line, -1) {
		if loc[0] >= skipStart && loc[1] <= skipEnd {
			continue // inside the date token
		}
		raw := line[loc[0]:loc[1]]
		if !strings.Contains(raw, ".") && !strings.Contains(raw, ",") {
			continue
		}
		value, err := money.ParseAmount(raw)
		if err != nil {
			continue
		}
		abs := value.Abs()
		if abs.LessThan(s.cfg.MinAmount) || abs.GreaterThan(s.cfg.MaxAmount) {
			continue
		}
		tokens = append(tokens, amountToken{
			value:    value,
			start:    loc[0],
			end:      loc[1],
			negative: value.IsNegative(),
			raw:      raw,
		})
	}
	return tokens
}

// anchorTolerance is the maximum character distance between a token and a
// header anchor for the token to be assigned to that column.
const anchorTolerance = 15

// parseLine turns one line of statement text into a raw transaction, or nil
// when the line is furniture or carries no date/amount.
func (s *LayoutStrategy) parseLine(line string, anchors columnAnchors, pageNumber, defaultYear int, prevBalance *decimal.Decimal) *RawTransaction {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	for _, re := range skipPatterns {
		if re.MatchString(line) {
			return nil
		}
	}

	date := FindDateToken(line)
	if date == nil {
		return nil // transaction rows carry dates
	}

	tokens := s.findAmountTokens(line, date.Start, date.End)
	if len(tokens) == 0 {
		return nil
	}

	amount, balance, txType := resolveColumns(tokens, anchors, prevBalance)
	if amount == nil {
		return nil
	}

	description := buildDescription(line, date, tokens, s.cfg.MaxDescriptionLen)

	confidence := 0.3
	if _, _, _, err := ParseDate(date.Raw, defaultYear); err == nil {
		confidence += 0.3
	}
	if !amount.IsZero() {
		confidence += 0.25
	}
	if len(description) > 3 {
		confidence += 0.15
	}

	abs := amount.Abs()
	return &RawTransaction{
		Date:           date.Raw,
		Description:    description,
		Amount:         &abs,
		Type:           txType,
		RunningBalance: balance,
		Confidence:     confidence,
		Location:       &SourceLocation{Page: pageNumber},
		RawText:        trimmed,
	}
}

// resolveColumns assigns numeric tokens to the amount and balance columns.
//
// With header anchors, the token nearest the balance anchor is the running
// balance and the remaining token nearest a debit/credit/amount anchor is
// the amount; landing in the debit or credit column fixes the sign. Without
// anchors, the rightmost of two-plus tokens is presumed the balance and the
// one before it the amount, accepted as such only when the running-balance
// arithmetic against the previous row agrees; otherwise the row is marked
// TypeUnknown so it surfaces for manual review instead of guessing.
func resolveColumns(tokens []amountToken, anchors columnAnchors, prevBalance *decimal.Decimal) (amount, balance *decimal.Decimal, txType SignedType) {
	signOf := func(t amountToken, fallback SignedType) SignedType {
		if t.negative {
			return TypeDebit
		}
		return fallback
	}

	if len(tokens) == 1 {
		t := tokens[0]
		return &t.value, nil, signOf(t, TypeCredit)
	}

	if anchors.hasBalance() {
		balanceIdx := -1
		bestDist := anchorTolerance + 1
		for i, t := range tokens {
			if d := absInt(t.center() - anchors.balance); d < bestDist {
				bestDist = d
				balanceIdx = i
			}
		}
		if balanceIdx >= 0 {
			b := tokens[balanceIdx].value
			balance = &b

			// Each remaining token goes to its nearest column anchor.
			var amountTok *amountToken
			txType = TypeUnknown
			for i := range tokens {
				if i == balanceIdx {
					continue
				}
				tok := tokens[i]
				kind, dist := nearestAnchor(tok.center(), anchors)
				if dist > anchorTolerance {
					if amountTok == nil {
						amountTok, txType = &tok, signOf(tok, TypeUnknown)
					}
					continue
				}
				switch kind {
				case columnDebit:
					amountTok, txType = &tok, TypeDebit
				case columnCredit:
					amountTok, txType = &tok, TypeCredit
				case columnAmount:
					amountTok, txType = &tok, signOf(tok, TypeCredit)
				}
			}
			if amountTok == nil {
				return nil, balance, TypeUnknown
			}
			return &amountTok.value, balance, txType
		}
	}

	// No anchors: rightmost token is presumed the running balance.
	last := tokens[len(tokens)-1]
	beforeLast := tokens[len(tokens)-2]
	balance = &last.value
	amount = &beforeLast.value

	if prevBalance != nil {
		diff := last.value.Sub(*prevBalance).Round(2)
		switch {
		case diff.Equal(beforeLast.value.Abs().Round(2)):
			return amount, balance, TypeCredit
		case diff.Equal(beforeLast.value.Abs().Neg().Round(2)):
			return amount, balance, TypeDebit
		}
	}
	return amount, balance, signOf(beforeLast, TypeUnknown)
}

type columnKind int

const (
	columnNone columnKind = iota
	columnDebit
	columnCredit
	columnAmount
)

// nearestAnchor finds the non-balance column anchor closest to pos.
func nearestAnchor(pos int, anchors columnAnchors) (columnKind, int) {
	kind := columnNone
	best := int(^uint(0) >> 1)
	for _, c := range []struct {
		anchor int
		kind   columnKind
	}{
		{anchors.debit, columnDebit},
		{anchors.credit, columnCredit},
		{anchors.amount, columnAmount},
	} {
		if c.anchor < 0 {
			continue
		}
		if d := absInt(pos - c.anchor); d < best {
			best = d
			kind = c.kind
		}
	}
	return kind, best
}

func buildDescription(line string, date *DateToken, tokens []amountToken, maxLen int) string {
	type span struct{ start, end int }
	spans := []span{{date.Start, date.End}}
	for _, t := range tokens {
		spans = append(spans, span{t.start, t.end})
	}

	var sb strings.Builder
	for i, r := range line {
		covered := false
		for _, sp := range spans {
			if i >= sp.start && i < sp.end {
				covered = true
				break
			}
		}
		if covered {
			sb.WriteRune(' ')
		} else {
			sb.WriteRune(r)
		}
	}

	desc := strings.Join(strings.Fields(sb.String()), " ")
	return truncate(desc, maxLen)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
