// Package redact masks personal identifiers in user text before it leaves the process.
package redact

import "regexp"

type rule struct {
	re   *regexp.Regexp
	mask string
}

// Order matters: IP addresses and ids would otherwise be read as phone numbers.
var rules = []rule{
	{regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)*\.\w+`), "[EMAIL]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[ID_NUM]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP_ADDR]"},
	{regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?(?:\(\d{2,4}\)[\s.-]?)?\d{3,4}[\s.-]?\d{3,4}(?:[\s.-]?\d{2,4})?`), "[PHONE]"},
}

// PII replaces email addresses, national id numbers, IPv4 addresses, and
// phone numbers with placeholder tokens.
func PII(text string) string {
	for _, r := range rules {
		text = r.re.ReplaceAllString(text, r.mask)
	}
	return text
}
