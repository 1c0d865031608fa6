// Package money provides currency-safe financial arithmetic for statement
// processing. Amount strings lifted from bank documents are parsed into
// shopspring decimals; display values wrap go-money so minor-unit handling
// follows ISO-4217.
package money

import (
	"fmt"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// USD is the default currency for statements with no detectable currency.
const USD = "USD"

var currencySymbols = []string{"$", "€", "£", "R$", "¥", "₹", "USD", "EUR", "GBP"}

// ParseAmount parses an amount token as it appears on a bank statement:
// "1,234.56", "$45.00", "(200.00)", "-13.37", "1.234,56" (European).
// Parenthesized and minus-prefixed values come back negative.
func ParseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		negative = true
		cleaned = strings.Trim(cleaned, "()")
	}

	for _, sym := range currencySymbols {
		cleaned = strings.ReplaceAll(cleaned, sym, "")
	}
	cleaned = strings.TrimSpace(cleaned)

	if strings.HasPrefix(cleaned, "-") {
		negative = true
		cleaned = strings.TrimPrefix(cleaned, "-")
	}

	if european(cleaned) {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	} else {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// european reports whether the cleaned numeric string uses comma as the
// decimal separator (1.234,56). When both separators appear, the rightmost
// one wins; a lone comma followed by at most two digits is treated as a
// decimal comma.
func european(s string) bool {
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		return lastComma > lastDot
	case lastComma >= 0:
		return len(s)-lastComma-1 <= 2
	default:
		return false
	}
}

// Round2 rounds to two decimal places, the resolution of reconciliation.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Cents converts a decimal amount to integer minor units (rounded).
func Cents(d decimal.Decimal) int64 {
	return d.Mul(decimal.New(1, 2)).Round(0).IntPart()
}

// FromCents converts integer minor units back to a decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Display formats a decimal amount for human output in the given currency,
// e.g. Display(d, "USD") -> "$1,234.56". Unknown currencies fall back to USD.
func Display(d decimal.Decimal, currencyCode string) string {
	currency := gomoney.GetCurrency(currencyCode)
	if currency == nil {
		currency = gomoney.GetCurrency(USD)
	}
	multiplier := decimal.New(1, int32(currency.Fraction))
	minor := d.Mul(multiplier).Round(0).IntPart()
	return gomoney.New(minor, currency.Code).Display()
}
