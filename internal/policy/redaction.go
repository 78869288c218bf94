package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	secretPattern = regexp.MustCompile(`(?i)\b(?:sk|pk|api[_-]?key|token|bearer)[-_ ][A-Za-z0-9_\-]{16,}\b`)
)

// RedactPII masks common high-risk PII patterns. Coding-agent transcripts
// also routinely quote credentials, so common API key shapes are masked too.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := secretPattern.ReplaceAllString(out, "[REDACTED_SECRET]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}
