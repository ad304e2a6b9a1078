package learning

import "regexp"

// canonicalization strips instance-specific substrings from error messages so
// that two occurrences of the same failure share one error_pattern. Rule
// order matters: timestamps and addresses are consumed before the generic
// digit-run rule so "2024-06-01" becomes DATE rather than N-N-N.
var canonicalRules = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}`), "DATE"},
	{regexp.MustCompile(`\d{2}:\d{2}:\d{2}`), "TIME"},
	{regexp.MustCompile(`0x[0-9a-fA-F]+`), "HEX"},
	{regexp.MustCompile(`line \d+`), "line N"},
	{regexp.MustCompile(`column \d+`), "column N"},
	{regexp.MustCompile(`at position \d+`), "at position N"},
	{regexp.MustCompile(`\d+`), "N"},
}

// canonicalMaxLen caps patterns so the index stays cheap to scan.
const canonicalMaxLen = 200

// Canonicalize reduces an error message to its pattern form. Idempotent:
// the output contains no digit runs, so a second pass is a no-op.
func Canonicalize(errorMessage string) string {
	pattern := errorMessage
	for _, rule := range canonicalRules {
		pattern = rule.re.ReplaceAllString(pattern, rule.replacement)
	}
	if len(pattern) > canonicalMaxLen {
		pattern = pattern[:canonicalMaxLen]
	}
	return pattern
}
