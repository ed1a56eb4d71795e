package textutil

import (
	"regexp"
	"strconv"
	"time"
)

var (
	kanjiDate   = regexp.MustCompile(`(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日`)
	numericDate = regexp.MustCompile(`(\d{4})[/.-](\d{1,2})[/.-](\d{1,2})`)
)

// ParseDate reads a YYYY年M月D日 date, falling back to numeric and ISO-8601
// forms. The boolean is false when nothing parseable was found.
func ParseDate(s string) (time.Time, bool) {
	s = Normalize(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	for _, re := range []*regexp.Regexp{kanjiDate, numericDate} {
		if m := re.FindStringSubmatch(s); m != nil {
			if t, ok := buildDate(m[1], m[2], m[3]); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func buildDate(ys, ms, ds string) (time.Time, bool) {
	y, err := strconv.Atoi(ys)
	if err != nil {
		return time.Time{}, false
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 1 || m > 12 {
		return time.Time{}, false
	}
	d, err := strconv.Atoi(ds)
	if err != nil || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes Feb 30 into March; reject that.
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}
