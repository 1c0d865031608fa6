package extract

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestNormalizeBasic(t *testing.T) {
	raws := []RawTransaction{
		{Date: "01/15/2024", Description: "GROCERY  STORE", Amount: dec("45.00"), Type: TypeDebit, RunningBalance: dec("1234.56"), Confidence: 0.9, Location: &SourceLocation{Page: 2}},
		{Date: "01/16/2024", Description: "PAYROLL", Amount: dec("2500.00"), Type: TypeCredit, Confidence: 0.8},
	}

	out := Normalize(raws, NormalizeOptions{})
	require.Len(t, out, 2)

	first := out[0]
	assert.Equal(t, 0, first.SequenceIndex)
	assert.Equal(t, "2024-01-15", first.Date)
	assert.Equal(t, "GROCERY STORE", first.Description)
	require.NotNil(t, first.Debit)
	assert.True(t, first.Debit.Equal(decimal.RequireFromString("45.00")))
	assert.Nil(t, first.Credit)
	require.NotNil(t, first.Balance)
	assert.Equal(t, 90, first.ConfidencePercent)
	assert.Equal(t, 2, first.SourcePage)

	second := out[1]
	assert.Equal(t, 1, second.SequenceIndex)
	assert.Nil(t, second.Debit)
	require.NotNil(t, second.Credit)
}

// A zero per-item confidence stays zero. Coercing falsy confidence to a
// default reads as full confidence downstream, which is the worst possible
// lie about OCR output.
func TestNormalizeConfidenceZeroPreserved(t *testing.T) {
	raws := []RawTransaction{
		{Date: "01/15/2024", Description: "SMUDGED ROW", Amount: dec("10.00"), Type: TypeDebit, Confidence: 0},
	}
	out := Normalize(raws, NormalizeOptions{})
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].ConfidencePercent)
}

func TestNormalizeDebitCreditMutuallyExclusive(t *testing.T) {
	gofakeit.Seed(7)

	var raws []RawTransaction
	for i := 0; i < 200; i++ {
		amount := decimal.NewFromFloat(gofakeit.Float64Range(-5000, 5000)).Round(2)
		raws = append(raws, RawTransaction{
			Date:        gofakeit.Date().Format("01/02/2006"),
			Description: gofakeit.Company(),
			Amount:      &amount,
			Type:        []SignedType{TypeDebit, TypeCredit, TypeUnknown}[i%3],
			Confidence:  gofakeit.Float64Range(0, 1),
		})
	}

	for _, tx := range Normalize(raws, NormalizeOptions{}) {
		assert.False(t, tx.Debit != nil && tx.Credit != nil,
			"row %d has both debit and credit", tx.SequenceIndex)
	}
}

func TestNormalizeUnknownSignFoldedByAmountSign(t *testing.T) {
	raws := []RawTransaction{
		{Date: "01/15/2024", Description: "A", Amount: dec("-45.00"), Type: TypeUnknown, Confidence: 1},
		{Date: "01/15/2024", Description: "B", Amount: dec("45.00"), Type: TypeUnknown, Confidence: 1},
		{Date: "01/15/2024", Description: "C", Amount: nil, Type: TypeUnknown, Confidence: 1},
	}
	out := Normalize(raws, NormalizeOptions{})

	require.NotNil(t, out[0].Debit)
	assert.Nil(t, out[0].Credit)
	require.NotNil(t, out[1].Credit)
	assert.Nil(t, out[1].Debit)
	assert.Nil(t, out[2].Debit)
	assert.Nil(t, out[2].Credit)
}

func TestNormalizeUnparseableDateKeptWithPenalty(t *testing.T) {
	raws := []RawTransaction{
		{Date: "smudge", Description: "KEPT ANYWAY", Amount: dec("5.00"), Type: TypeDebit, Confidence: 0.8},
	}
	out := Normalize(raws, NormalizeOptions{})
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Date)
	assert.Equal(t, 40, out[0].ConfidencePercent)
}

func TestNormalizeDescriptionTruncated(t *testing.T) {
	long := strings.Repeat("X", 500)
	out := Normalize([]RawTransaction{
		{Date: "01/15/2024", Description: long, Amount: dec("5.00"), Type: TypeDebit, Confidence: 1},
	}, NormalizeOptions{MaxDescriptionLen: 200})
	assert.Len(t, out[0].Description, 200)
}

// Byte-limited truncation must land on a rune boundary, never emitting
// invalid UTF-8 from a split multibyte character.
func TestNormalizeTruncationRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 120) // two bytes per rune
	out := Normalize([]RawTransaction{
		{Date: "01/15/2024", Description: long, Amount: dec("5.00"), Type: TypeDebit, Confidence: 1},
	}, NormalizeOptions{MaxDescriptionLen: 201})

	desc := out[0].Description
	assert.True(t, utf8.ValidString(desc))
	assert.Equal(t, strings.Repeat("é", 100), desc) // byte 201 is mid-rune

	assert.Equal(t, strings.Repeat("é", 100), truncate(long, 200))
	assert.Equal(t, long, truncate(long, 240))
}

func TestNormalizeAccountTagPrefixed(t *testing.T) {
	out := Normalize([]RawTransaction{
		{Date: "01/15/2024", Description: "TRANSFER", Amount: dec("5.00"), Type: TypeDebit, Confidence: 1, AccountTag: "Savings"},
	}, NormalizeOptions{})
	assert.Equal(t, "[Savings] TRANSFER", out[0].Description)
}

func TestFlattenAccounts(t *testing.T) {
	sections := []AccountSection{
		{
			Name:           "Checking",
			OpeningBalance: dec("100.00"),
			ClosingBalance: dec("150.00"),
			Transactions:   []RawTransaction{{Date: "01/02/2024", Description: "A", Amount: dec("50.00"), Type: TypeCredit}},
		},
		{
			Name:           "Savings",
			OpeningBalance: dec("1000.00"),
			ClosingBalance: dec("1000.00"),
			Transactions:   []RawTransaction{{Date: "01/03/2024", Description: "B", Amount: dec("1.00"), Type: TypeCredit}},
		},
	}

	raws, opening, closing := FlattenAccounts(sections)
	require.Len(t, raws, 2)
	assert.Equal(t, "Checking", raws[0].AccountTag)
	assert.Equal(t, "Savings", raws[1].AccountTag)
	require.NotNil(t, opening)
	assert.True(t, opening.Equal(decimal.RequireFromString("1100.00")))
	require.NotNil(t, closing)
	assert.True(t, closing.Equal(decimal.RequireFromString("1150.00")))
}

// A section without balances poisons the aggregate: summing the rest would
// reconcile against a number that is not the whole statement.
func TestFlattenAccountsPartialBalances(t *testing.T) {
	sections := []AccountSection{
		{Name: "Checking", OpeningBalance: dec("100.00"), ClosingBalance: dec("150.00")},
		{Name: "Savings"},
	}

	_, opening, closing := FlattenAccounts(sections)
	assert.Nil(t, opening)
	assert.Nil(t, closing)
}
