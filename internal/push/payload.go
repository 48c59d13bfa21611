package push

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"mailkeep/internal/faults"
)

// Payload is a validated inbound push payload.
type Payload struct {
	Type    PayloadType `json:"type"`
	Title   string      `json:"title"`
	Body    string      `json:"body,omitempty"`
	Tag     string      `json:"tag,omitempty"`
	URL     string      `json:"url,omitempty"`
	EmailID string      `json:"email_id,omitempty"`
	Actions []Action    `json:"actions,omitempty"`
}

// Action is one interaction offered on a notification: either an open-URL
// action or a mutating mail action identified by name.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
}

// payloadSchema is the closed schema every inbound payload must satisfy:
// a fixed type enum, length-capped strings, at most three actions, and no
// unknown fields.
const payloadSchema = `{
	"type": "object",
	"required": ["type", "title"],
	"additionalProperties": false,
	"properties": {
		"type": {
			"enum": ["new_mail", "vip_mail", "sync_complete", "sync_failed", "reminder"]
		},
		"title":    {"type": "string", "minLength": 1, "maxLength": 200},
		"body":     {"type": "string", "maxLength": 1000},
		"tag":      {"type": "string", "maxLength": 100},
		"url":      {"type": "string", "maxLength": 500},
		"email_id": {"type": "string", "maxLength": 100},
		"actions": {
			"type": "array",
			"maxItems": 3,
			"items": {
				"type": "object",
				"required": ["action", "title"],
				"additionalProperties": false,
				"properties": {
					"action": {"type": "string", "minLength": 1, "maxLength": 50},
					"title":  {"type": "string", "minLength": 1, "maxLength": 50},
					"url":    {"type": "string", "maxLength": 500}
				}
			}
		}
	}
}`

// Validator checks inbound payloads against the compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the payload schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(payloadSchema)))
	if err != nil {
		return nil, fmt.Errorf("parsing payload schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("push-payload.json", doc); err != nil {
		return nil, fmt.Errorf("adding payload schema: %w", err)
	}
	schema, err := compiler.Compile("push-payload.json")
	if err != nil {
		return nil, fmt.Errorf("compiling payload schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// Validate parses and validates raw payload bytes. Any malformed or
// out-of-schema payload yields a validation fault; callers drop those.
func (v *Validator) Validate(raw []byte) (*Payload, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, faults.Validation("push.validate", err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return nil, faults.Validation("push.validate", err)
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, faults.Validation("push.validate", err)
	}
	return &p, nil
}
