package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPattern is one redaction rule. keepPrefix rules preserve the first
// capture group (the key name or header prefix) so redacted lines stay
// attributable.
type secretPattern struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var secretPatterns = []secretPattern{
	// key=value assignments with secret-bearing key names
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), keepPrefix: true},
	// Authorization header bearer tokens
	{re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), keepPrefix: true},
	// Telegram bot tokens (numeric id, colon, secret part)
	{re: regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_-]{30,}\b`)},
	// provider-style keys an agent may echo in run output
	{re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	// token/secret UUID assignments
	{re: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), keepPrefix: true},
}

// Redact replaces secret-bearing substrings in the input with [REDACTED].
// Applied to every string that can reach logs, audit records or bus events.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		if p.keepPrefix {
			out = p.re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
		} else {
			out = p.re.ReplaceAllString(out, redactedPlaceholder)
		}
	}
	return out
}
