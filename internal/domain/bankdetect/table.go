package bankdetect

import (
	"encoding/json"
	"fmt"
)

// Table maps a canonical bank name to the keyword variants that identify it
// in statement text. Loaded once at initialization, read-only thereafter.
type Table map[string][]string

// DefaultTable covers the institutions the extractor is known to handle.
// Callers with additional banks load their own table via ParseTable.
func DefaultTable() Table {
	return Table{
		"Chase":           {"jpmorgan chase", "chase bank", "chase.com"},
		"Bank of America": {"bank of america", "bankofamerica"},
		"Wells Fargo":     {"wells fargo", "wellsfargo"},
		"Citibank":        {"citibank", "citi.com", "citigroup"},
		"Capital One":     {"capital one", "capitalone"},
		"US Bank":         {"u.s. bank", "usbank"},
		"PNC":             {"pnc bank", "pnc financial"},
		"TD Bank":         {"td bank", "td canada trust"},
		"HSBC":            {"hsbc"},
		"Barclays":        {"barclays"},
		"Lloyds":          {"lloyds bank", "lloyds tsb"},
		"NatWest":         {"natwest", "national westminster"},
		"Santander":       {"santander"},
		"ING":             {"ing bank", "ing direct"},
		"Deutsche Bank":   {"deutsche bank"},
		"BNP Paribas":     {"bnp paribas"},
		"Ally":            {"ally bank", "ally financial"},
		"Discover":        {"discover bank", "discover financial"},
		"American Express": {"american express", "amex"},
		"Charles Schwab":  {"charles schwab", "schwab bank"},
	}
}

// ParseTable loads a bank table from JSON bytes of the shape
// {"Bank Name": ["keyword", ...], ...}.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse bank table: %w", err)
	}
	for name, keywords := range t {
		if len(keywords) == 0 {
			return nil, fmt.Errorf("bank %q has no keywords", name)
		}
	}
	return t, nil
}
