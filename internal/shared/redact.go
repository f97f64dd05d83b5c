package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// redaction masks one secret shape. repl may reference capture groups so
// the reader can still tell what was hidden.
type redaction struct {
	re   *regexp.Regexp
	repl string
}

// Secrets that can surface in backend errors, store errors and audit
// details: model API keys, gateway keys, database credentials and AWS keys.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|token|secret)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(password\s*=\s*)\S+`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`([a-z][a-z0-9+.\-]*://[^:/@\s]+:)[^@\s]+@`), "${1}" + redactedPlaceholder + "@"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), redactedPlaceholder},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), redactedPlaceholder},
	{regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`), redactedPlaceholder},
}

// Redact masks secret-bearing substrings of input.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range redactions {
		out = r.re.ReplaceAllString(out, r.repl)
	}
	return out
}
