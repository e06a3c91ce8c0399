package safety

import (
	"fmt"
	"regexp"
)

// LeakWarning describes a credential found in outbound run output.
type LeakWarning struct {
	Pattern string
	Sample  string // first few chars of the match for logging
}

// Scrubber removes leaked secrets from sandbox output before delivery.
// Sandboxes carry provider credentials in their environment, and an agent
// that cats its own env or a .env file would otherwise forward them
// verbatim to the chat.
type Scrubber struct{}

// NewScrubber creates a new Scrubber.
func NewScrubber() *Scrubber {
	return &Scrubber{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		// Telegram bot tokens: numeric bot id, colon, secret part.
		re:   regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_-]{30,}\b`),
		desc: "bot token",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scrub replaces every leaked secret in output with a typed placeholder
// and reports what it removed. The caller delivers the cleaned text and
// logs the warnings; the original never leaves the process.
func (d *Scrubber) Scrub(output string) (string, []LeakWarning) {
	if output == "" {
		return output, nil
	}

	var warnings []LeakWarning
	clean := output
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(clean, 3) // limit to 3 matches per pattern
		for _, match := range matches {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{
				Pattern: pat.desc,
				Sample:  sample,
			})
		}
		if len(matches) > 0 {
			clean = pat.re.ReplaceAllString(clean, fmt.Sprintf("[REDACTED %s]", pat.desc))
		}
	}
	return clean, warnings
}
