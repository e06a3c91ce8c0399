// Package safety screens text crossing the sandbox boundary. Inbound user
// messages are checked for prompt-injection attempts before they reach a
// cubicle; outbound run output is scrubbed of leaked credentials before it
// reaches a chat.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the screening verdict for a piece of inbound text.
type Action int

const (
	// ActionAllow passes the text through untouched.
	ActionAllow Action = iota
	// ActionWarn lets the text through but flags it for logging.
	ActionWarn
	// ActionBlock rejects the text before it reaches the sandbox.
	ActionBlock
)

// CheckResult reports what a screen found.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string // which pattern matched (for logging)
}

// Sanitizer screens chat messages for prompt injection and control-channel
// forgery before they are handed to an agent process. Blocks are reserved
// for unambiguous injection grammar; anything merely suspicious warns and
// passes, so operators see it in the log without losing the message.
type Sanitizer struct {
	rules []screenRule
}

type screenRule struct {
	action Action
	reason string
	re     *regexp.Regexp
}

// NewSanitizer builds a screen with the built-in rule table.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{rules: builtinScreens()}
}

func builtinScreens() []screenRule {
	block := func(reason, expr string) screenRule {
		return screenRule{action: ActionBlock, reason: reason, re: regexp.MustCompile(expr)}
	}
	warn := func(reason, expr string) screenRule {
		return screenRule{action: ActionWarn, reason: reason, re: regexp.MustCompile(expr)}
	}
	return []screenRule{
		// Rewiring the agent's identity or standing instructions.
		block("role manipulation: ignore previous instructions",
			`(?i)\b(ignore|disregard)\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`),
		block("role manipulation: identity override",
			`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`),
		block("role manipulation: system prompt override",
			`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		block("role manipulation: memory wipe",
			`(?i)\bforget\s+(everything|all|your)\b`),

		// Extracting the agent's instructions.
		block("prompt leaking: system prompt extraction",
			`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`),
		block("prompt leaking: system prompt query",
			`(?i)\bwhat\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?)\b`),

		// User text carrying a sandbox control event, hoping the agent
		// echoes it onto stderr where the runner parses it.
		warn("injection marker: control event in user text",
			`"type"\s*:\s*"(approval_request|exec_notice|meeting_request|result)"`),
		// Coaching the agent to write its own approval decision file.
		warn("injection marker: decision file path in user text",
			`(?i)\.control/[\w-]+\.json`),
		// Claiming the gate was already cleared.
		warn("injection marker: claimed operator approval",
			`(?i)\b(the\s+)?operator\s+(has\s+)?(already\s+)?approved\b`),

		// Suspicious but not definitively malicious.
		warn("injection marker: [SYSTEM] tag",
			`(?i)\[\s*SYSTEM\s*\]`),
		warn("injection marker: chat template tag",
			`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		// Base64 of "ignore"/"Ignore".
		warn("potential encoded injection",
			`(?i)(aWdub3Jl|SWdub3Jl)`),
	}
}

// Check screens input text and returns the first matching verdict. Block
// rules are ordered before warn rules, so a message tripping both is
// reported as blocked.
func (s *Sanitizer) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Action: ActionAllow}
	}
	for _, rule := range s.rules {
		if rule.re.MatchString(input) {
			return CheckResult{Action: rule.action, Reason: rule.reason, Pattern: rule.re.String()}
		}
	}
	return CheckResult{Action: ActionAllow}
}

// MustAllow returns an error if the check result is Block.
func (r CheckResult) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("prompt injection detected: %s", r.Reason)
	}
	return nil
}
