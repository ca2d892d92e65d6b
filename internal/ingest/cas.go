package ingest

import (
	"regexp"
	"strings"
)

var (
	casExact    = regexp.MustCompile(`^\d{2,7}-\d{2}-\d$`)
	casEmbedded = regexp.MustCompile(`(\d{2,7}-\d{2}-\d)`)
)

// CleanCAS extracts a CAS registry number from free text such as
// "CAS: 5989-27-5". It returns false when no well-formed number with a valid
// check digit is found.
func CleanCAS(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if !casExact.MatchString(s) {
		m := casEmbedded.FindStringSubmatch(s)
		if m == nil {
			return "", false
		}
		s = m[1]
	}
	if !ValidCASChecksum(s) {
		return "", false
	}
	return s, true
}

// ValidCASChecksum verifies the trailing check digit: the sum of the other
// digits, each multiplied by its position counted from the right, modulo 10.
func ValidCASChecksum(cas string) bool {
	digits := strings.ReplaceAll(cas, "-", "")
	if len(digits) < 5 {
		return false
	}
	check := int(digits[len(digits)-1] - '0')
	sum := 0
	pos := 1
	for i := len(digits) - 2; i >= 0; i-- {
		d := digits[i]
		if d < '0' || d > '9' {
			return false
		}
		sum += int(d-'0') * pos
		pos++
	}
	return sum%10 == check
}
