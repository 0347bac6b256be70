package protocol

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Inbound payload schemas. Subscribe filters are validated structurally
// here; per-rule semantics are checked at compile time by the filter
// package.
var inboundSchemas = map[MessageType]string{
	TypeHeartbeat: `{
		"type": "object",
		"additionalProperties": true
	}`,
	TypeSubscribe: `{
		"type": "object",
		"properties": {
			"eventType": {"type": "string", "minLength": 1},
			"filter": {"type": "object"}
		},
		"required": ["eventType"],
		"additionalProperties": false
	}`,
	TypeUnsubscribe: `{
		"type": "object",
		"properties": {
			"subscriptionId": {"type": "string", "minLength": 1}
		},
		"required": ["subscriptionId"],
		"additionalProperties": false
	}`,
	TypeGetSubscriptions: `{
		"type": "object",
		"additionalProperties": true
	}`,
}

// Validator checks inbound payloads against per-type JSON schemas.
type Validator struct {
	schemas map[MessageType]*gojsonschema.Schema
}

// NewValidator compiles the inbound schemas.
func NewValidator() (*Validator, error) {
	schemas := make(map[MessageType]*gojsonschema.Schema, len(inboundSchemas))
	for msgType, raw := range inboundSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", msgType, err)
		}
		schemas[msgType] = schema
	}
	return &Validator{schemas: schemas}, nil
}

// ValidateInbound checks the envelope's payload against the schema for its
// type. A missing payload is treated as an empty object.
func (v *Validator) ValidateInbound(env *Envelope) error {
	schema, ok := v.schemas[env.Type]
	if !ok {
		return fmt.Errorf("unsupported message type: %s", env.Type)
	}

	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("invalid %s payload: %s", env.Type, strings.Join(problems, "; "))
	}
	return nil
}
