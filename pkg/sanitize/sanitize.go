package sanitize

import "regexp"

// Plain email addresses, case-insensitive.
var reEmail = regexp.MustCompile(`(?i)[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}`)

// Common phone shapes: +xx..., (xxx) xxx-xxxx, 08xx...
// Only digits, spaces, minus, dot, parens, and plus are allowed; at least
// nine digits total so the pattern is not too aggressive.
var rePhone = regexp.MustCompile(`\+?\d[\d\s\-\.()]{7,}\d`)

// RedactPII strips contact details from appointment descriptions shown to a
// lawyer before the consultation is confirmed.
func RedactPII(s string) string {
	if s == "" {
		return s
	}
	s = reEmail.ReplaceAllString(s, "[redacted email]")
	s = rePhone.ReplaceAllString(s, "[redacted phone]")
	return s
}

// Summary truncates a description for list views, cutting on a word boundary.
func Summary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	i := max
	for i > 0 && i < len(s) && s[i] != ' ' {
		i--
	}
	if i <= 0 {
		i = max
	}
	return s[:i] + "…"
}
