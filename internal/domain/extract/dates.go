package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Date parsing deliberately avoids time.Parse with locations: routing
// statement dates through a timezone-aware constructor is how off-by-one-day
// shifts happen. Dates are matched into a plain (year, month, day) triple.

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var (
	reDateISO       = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	reDateSlashYear = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{2,4})\b`)
	reDateDayMonth  = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s*(\d{4})?\b`)
	reDateMonthDay  = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:,)?\s*(\d{4})?\b`)
	reDateSlashBare = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})\b`)
)

// DateToken is a date match found in a line of text.
type DateToken struct {
	Raw   string
	Start int
	End   int
}

// FindDateToken locates the first date-looking token in a line. The ordered
// ladder prefers explicit-year forms over year-optional ones.
func FindDateToken(line string) *DateToken {
	for _, re := range []*regexp.Regexp{reDateISO, reDateSlashYear, reDateDayMonth, reDateMonthDay, reDateSlashBare} {
		if loc := re.FindStringIndex(line); loc != nil {
			return &DateToken{Raw: line[loc[0]:loc[1]], Start: loc[0], End: loc[1]}
		}
	}
	return nil
}

// ParseDate resolves a free-form statement date into a (year, month, day)
// triple. Year-less forms take defaultYear. Ambiguous numeric forms default
// to month-first unless the first field cannot be a month.
func ParseDate(raw string, defaultYear int) (year, month, day int, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, 0, 0, fmt.Errorf("empty date")
	}
	if defaultYear == 0 {
		defaultYear = time.Now().UTC().Year()
	}

	if m := reDateISO.FindStringSubmatch(s); m != nil {
		return validate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := reDateSlashYear.FindStringSubmatch(s); m != nil {
		first, second := atoi(m[1]), atoi(m[2])
		y := atoi(m[3])
		if y < 100 {
			y += 2000
		}
		mo, d := resolveMonthDay(first, second)
		return validate(y, mo, d)
	}
	if m := reDateDayMonth.FindStringSubmatch(s); m != nil {
		mo := monthNames[strings.ToLower(m[2])[:3]]
		y := defaultYear
		if m[3] != "" {
			y = atoi(m[3])
		}
		return validate(y, mo, atoi(m[1]))
	}
	if m := reDateMonthDay.FindStringSubmatch(s); m != nil {
		mo := monthNames[strings.ToLower(m[1])[:3]]
		y := defaultYear
		if m[3] != "" {
			y = atoi(m[3])
		}
		return validate(y, mo, atoi(m[2]))
	}
	if m := reDateSlashBare.FindStringSubmatch(s); m != nil {
		mo, d := resolveMonthDay(atoi(m[1]), atoi(m[2]))
		return validate(defaultYear, mo, d)
	}

	return 0, 0, 0, fmt.Errorf("unrecognized date format: %q", raw)
}

// FormatISO renders a (year, month, day) triple as strict YYYY-MM-DD.
func FormatISO(year, month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

func resolveMonthDay(first, second int) (month, day int) {
	// A field above 12 can only be a day.
	if first > 12 && second <= 12 {
		return second, first
	}
	return first, second
}

func validate(y, mo, d int) (int, int, int, error) {
	if mo < 1 || mo > 12 {
		return 0, 0, 0, fmt.Errorf("month out of range: %d", mo)
	}
	if d < 1 || d > 31 {
		return 0, 0, 0, fmt.Errorf("day out of range: %d", d)
	}
	if y < 1900 || y > 2200 {
		return 0, 0, 0, fmt.Errorf("year out of range: %d", y)
	}
	return y, mo, d, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var reStatementPeriod = regexp.MustCompile(`(?i)(?:statement\s+period|period|from)[:\s]+(\S[^\n]*?)\s+(?:to|through|-|–)\s+(\S[^\n]{0,20})`)

// DetectPeriodEndYear finds the statement period's end year in the full
// document text, for inferring years on year-less transaction dates.
// Returns 0 when no period is detectable.
func DetectPeriodEndYear(text string) int {
	m := reStatementPeriod.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	if y, _, _, err := ParseDate(m[2], 0); err == nil {
		return y
	}
	return 0
}
