package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Control event types the sandbox runtime may emit, one JSON object per
// stderr line. Conversational text rides stdout; anything on stderr that
// does not validate is debug chatter and gets dropped.
const (
	EventApprovalRequest = "approval_request"
	EventExecNotice      = "exec_notice"
	EventMeetingRequest  = "meeting_request"
	EventResult          = "result"
)

// ControlEvent is one decoded control line. Which fields are set depends
// on Type; the schema enforces the per-type required sets.
type ControlEvent struct {
	Type string `json:"type"`

	// approval_request, exec_notice, meeting_request
	Token string `json:"token,omitempty"`

	// approval_request, exec_notice
	Command string `json:"command,omitempty"`
	// exec_notice
	Output string `json:"output,omitempty"`

	// meeting_request
	Role  string `json:"role,omitempty"`
	Topic string `json:"topic,omitempty"`

	// result
	Message      string   `json:"message,omitempty"`
	Action       string   `json:"action,omitempty"`
	Terminal     []string `json:"terminal,omitempty"`
	PanelActions []string `json:"panel_actions,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"`
}

// Usage carries the run cost figure computed inside the sandbox.
type Usage struct {
	Cost float64 `json:"cost"`
}

const controlEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["approval_request", "exec_notice", "meeting_request", "result"]},
		"token": {"type": "string", "minLength": 1, "maxLength": 64, "pattern": "^[A-Za-z0-9-]+$"},
		"command": {"type": "string", "minLength": 1},
		"output": {"type": "string"},
		"role": {"type": "string", "minLength": 1},
		"topic": {"type": "string"},
		"message": {"type": "string"},
		"action": {"type": "string"},
		"terminal": {"type": "array", "items": {"type": "string"}},
		"panel_actions": {"type": "array", "items": {"type": "string"}},
		"usage": {
			"type": "object",
			"properties": {"cost": {"type": "number", "minimum": 0}}
		}
	},
	"allOf": [
		{"if": {"properties": {"type": {"const": "approval_request"}}}, "then": {"required": ["token", "command"]}},
		{"if": {"properties": {"type": {"const": "exec_notice"}}}, "then": {"required": ["token", "command"]}},
		{"if": {"properties": {"type": {"const": "meeting_request"}}}, "then": {"required": ["token", "role"]}},
		{"if": {"properties": {"type": {"const": "result"}}}, "then": {"required": ["message"]}}
	]
}`

// EventParser validates and decodes control lines.
type EventParser struct {
	schema *jsonschema.Schema
}

// NewEventParser compiles the embedded control event schema.
func NewEventParser() (*EventParser, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(controlEventSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal control schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("control.json", doc); err != nil {
		return nil, fmt.Errorf("add control schema resource: %w", err)
	}
	schema, err := c.Compile("control.json")
	if err != nil {
		return nil, fmt.Errorf("compile control schema: %w", err)
	}
	return &EventParser{schema: schema}, nil
}

// Parse decodes one stderr line into a control event. Lines that are not
// JSON objects, or that fail schema validation, return an error; callers
// log and drop them.
func (p *EventParser) Parse(line string) (*ControlEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return nil, fmt.Errorf("not a control line")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := p.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	var ev ControlEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, fmt.Errorf("decode control event: %w", err)
	}
	return &ev, nil
}
