package safety

import (
	"strings"
	"testing"
)

func TestScrubRemovesAPIKeys(t *testing.T) {
	d := NewScrubber()
	clean, warnings := d.Scrub("the env says API_KEY=abcdef0123456789abcdef and nothing else")

	if strings.Contains(clean, "abcdef0123456789abcdef") {
		t.Fatalf("secret survived scrub: %q", clean)
	}
	if !strings.Contains(clean, "[REDACTED") {
		t.Fatalf("placeholder missing: %q", clean)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(warnings))
	}
	if warnings[0].Pattern != "API key" {
		t.Fatalf("pattern = %q, want %q", warnings[0].Pattern, "API key")
	}
}

func TestScrubRemovesBotTokens(t *testing.T) {
	d := NewScrubber()
	token := "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw0"
	clean, warnings := d.Scrub("my config contains " + token)

	if strings.Contains(clean, token) {
		t.Fatalf("bot token survived scrub: %q", clean)
	}
	if len(warnings) == 0 {
		t.Fatal("no warning for bot token")
	}
	if warnings[0].Pattern != "bot token" {
		t.Fatalf("pattern = %q, want %q", warnings[0].Pattern, "bot token")
	}
}

func TestScrubRemovesProviderKeys(t *testing.T) {
	d := NewScrubber()
	tests := []struct {
		text string
		desc string
	}{
		{"found sk-abcdefghij0123456789abcd in the logs", "OpenAI API key"},
		{"key AIzaSyA0123456789abcdefghijklmnopqrstu here", "Google API key"},
		{"header was Bearer abc123def456ghi789jkl", "Bearer token"},
	}
	for _, tt := range tests {
		clean, warnings := d.Scrub(tt.text)
		if len(warnings) == 0 {
			t.Errorf("no warning for %q", tt.text)
			continue
		}
		if warnings[0].Pattern != tt.desc {
			t.Errorf("pattern = %q, want %q", warnings[0].Pattern, tt.desc)
		}
		if clean == tt.text {
			t.Errorf("text unchanged for %q", tt.text)
		}
	}
}

func TestScrubTruncatesSamples(t *testing.T) {
	d := NewScrubber()
	_, warnings := d.Scrub("Bearer abcdefghijklmnopqrstuvwxyz0123456789")
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(warnings))
	}
	if len(warnings[0].Sample) > 20 {
		t.Fatalf("sample too long: %q", warnings[0].Sample)
	}
	if !strings.HasSuffix(warnings[0].Sample, "...") {
		t.Fatalf("long sample not truncated: %q", warnings[0].Sample)
	}
}

func TestScrubLeavesCleanTextAlone(t *testing.T) {
	d := NewScrubber()
	tests := []string{
		"",
		"The deploy finished without errors.",
		"Give me a colon: and a number 123456 separately",
		"sk-short is not a key",
	}
	for _, input := range tests {
		clean, warnings := d.Scrub(input)
		if clean != input {
			t.Errorf("clean text modified: %q -> %q", input, clean)
		}
		if len(warnings) != 0 {
			t.Errorf("false positive for %q: %v", input, warnings)
		}
	}
}
