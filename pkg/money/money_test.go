package money

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "45.00", want: "45"},
		{name: "thousands separator", input: "1,234.56", want: "1234.56"},
		{name: "dollar sign", input: "$2,500.00", want: "2500"},
		{name: "euro sign", input: "€99.95", want: "99.95"},
		{name: "pound sign", input: "£10.50", want: "10.5"},
		{name: "minus sign", input: "-45.00", want: "-45"},
		{name: "parentheses negative", input: "(45.00)", want: "-45"},
		{name: "parentheses with symbol", input: "($1,234.56)", want: "-1234.56"},
		{name: "european decimal comma", input: "1.234,56", want: "1234.56"},
		{name: "lone decimal comma", input: "45,50", want: "45.5"},
		{name: "leading whitespace", input: "  45.00", want: "45"},
		{name: "bare integer", input: "1234", want: "1234"},
		{name: "empty", input: "", wantErr: true},
		{name: "not a number", input: "GROCERY", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

// Repeated cent-level additions must never drift the way binary floats do.
func TestDecimalAdditionNoDrift(t *testing.T) {
	sum := decimal.Zero
	tenCents := decimal.RequireFromString("0.10")
	twentyCents := decimal.RequireFromString("0.20")

	for i := 0; i < 1000; i++ {
		sum = sum.Add(tenCents).Add(twentyCents)
	}
	assert.True(t, sum.Equal(decimal.RequireFromString("300.00")),
		"expected exactly 300.00, got %s", sum)
}

func TestCentsRoundTrip(t *testing.T) {
	for _, s := range []string{"0.01", "45.00", "1234.56", "-99.99", "0.00"} {
		d := decimal.RequireFromString(s)
		assert.True(t, FromCents(Cents(d)).Equal(d), "round trip of %s", s)
	}
}

func TestRound2(t *testing.T) {
	assert.Equal(t, "45.68", Round2(decimal.RequireFromString("45.6789")).String())
	assert.Equal(t, "-45.68", Round2(decimal.RequireFromString("-45.675")).String())
}

func TestDisplay(t *testing.T) {
	d := decimal.RequireFromString("1234.56")
	assert.Equal(t, "$1,234.56", Display(d, USD))
}

func TestParseAmountRandomizedRoundTrip(t *testing.T) {
	// Formatting any cent amount and parsing it back must be lossless.
	for cents := int64(-250000); cents <= 250000; cents += 1237 {
		d := FromCents(cents)
		formatted := d.StringFixed(2)
		parsed, err := ParseAmount(formatted)
		require.NoError(t, err, "input %s", formatted)
		assert.True(t, parsed.Equal(d), "round trip of %s", formatted)
	}
}

func TestParseAmountPreservesScaleAcrossSum(t *testing.T) {
	inputs := []string{"0.10", "0.20", "0.30", "0.01", "0.02"}
	sum := decimal.Zero
	for _, s := range inputs {
		d, err := ParseAmount(s)
		require.NoError(t, err)
		sum = sum.Add(d)
	}
	assert.Equal(t, "0.63", sum.StringFixed(2))
}

func ExampleParseAmount() {
	d, _ := ParseAmount("($1,234.56)")
	fmt.Println(d.StringFixed(2))
	// Output: -1234.56
}
