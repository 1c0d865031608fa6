// Package bankdetect identifies the issuing bank of a statement by keyword
// matching over the full extracted text. It uses the Aho-Corasick algorithm
// so every keyword of every bank is checked in a single pass through the
// document, with a fuzzy fallback for OCR-mangled names.
package bankdetect

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Detector matches statement text against a bank keyword table.
// The matcher is built once and read-only afterwards, so Detect is safe for
// concurrent use across document runs.
type Detector struct {
	matcher  *ahocorasick.Matcher
	patterns []string // pattern index -> keyword (uppercase)
	banks    []string // pattern index -> canonical bank name
	names    []string // distinct bank names for the fuzzy fallback
}

// NewDetector builds a detector from a bank table.
func NewDetector(table Table) *Detector {
	d := &Detector{}

	for bank, keywords := range table {
		d.names = append(d.names, bank)
		for _, kw := range keywords {
			normalized := strings.ToUpper(strings.TrimSpace(kw))
			if normalized == "" {
				continue
			}
			d.patterns = append(d.patterns, normalized)
			d.banks = append(d.banks, bank)
		}
	}

	if len(d.patterns) > 0 {
		bytePatterns := make([][]byte, len(d.patterns))
		for i, p := range d.patterns {
			bytePatterns[i] = []byte(p)
		}
		d.matcher = ahocorasick.NewMatcher(bytePatterns)
	}

	return d
}

// Detect returns the canonical name of the bank with the most keyword hits
// in the text, or "" when no bank matches. Unmatched is a normal outcome,
// never an error.
func (d *Detector) Detect(text string) string {
	if d.matcher == nil || text == "" {
		return ""
	}

	normalized := strings.ToUpper(text)
	matches := d.matcher.Match([]byte(normalized))

	if len(matches) == 0 {
		return d.detectFuzzy(text)
	}

	hits := make(map[string]int)
	for _, idx := range matches {
		if idx >= 0 && idx < len(d.banks) {
			hits[d.banks[idx]]++
		}
	}

	best := ""
	bestHits := 0
	for bank, n := range hits {
		if n > bestHits || (n == bestHits && bank < best) {
			best = bank
			bestHits = n
		}
	}
	return best
}

// detectFuzzy scans line-sized chunks for near-matches of bank names,
// catching OCR output like "VVELLS FARG0". An edit distance above the
// cutoff is treated as no match.
func (d *Detector) detectFuzzy(text string) string {
	const maxDistance = 2
	const maxLines = 40 // bank identity appears near the top of a statement

	lines := strings.Split(text, "\n")
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}

	best := ""
	bestDistance := maxDistance + 1
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, name := range d.names {
			upper := strings.ToUpper(name)
			for _, chunk := range windowsOf(strings.ToUpper(line), len(name)) {
				distance := fuzzy.LevenshteinDistance(chunk, upper)
				if distance < bestDistance {
					best = name
					bestDistance = distance
				}
			}
		}
	}
	return best
}

// windowsOf slices a line into whitespace-aligned chunks roughly the length
// of the target so fuzzy ranking compares like with like.
func windowsOf(line string, targetLen int) []string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}

	var out []string
	for i := range words {
		chunk := words[i]
		out = append(out, chunk)
		for j := i + 1; j < len(words) && len(chunk) < targetLen+4; j++ {
			chunk = chunk + " " + words[j]
			out = append(out, chunk)
		}
	}
	return out
}
