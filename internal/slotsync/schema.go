package slotsync

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	SchemaNotification = "notification.json"
	SchemaGraphWebhook = "graph-webhook.json"
	SchemaReserve      = "reserve.json"
	SchemaCancel       = "cancel.json"
	SchemaReschedule   = "reschedule.json"
	SchemaHold         = "hold.json"
	SchemaSeriesCancel = "series-cancel.json"
	SchemaMigration    = "migration.json"
)

const schemaBaseURL = "https://slotsync.local/schemas/"

var requestSchemas = map[string]string{
	SchemaNotification: `{
		"type": "object",
		"required": ["resourceId", "changeToken"],
		"properties": {
			"connectionId": {"type": "string"},
			"channelId": {"type": "string"},
			"resourceId": {"type": "string", "minLength": 1},
			"changeToken": {"type": "string", "minLength": 1},
			"resourceState": {"type": "string"}
		}
	}`,
	SchemaGraphWebhook: `{
		"type": "object",
		"required": ["value"],
		"properties": {
			"value": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["subscriptionId", "resource"],
					"properties": {
						"subscriptionId": {"type": "string", "minLength": 1},
						"clientState": {"type": "string"},
						"changeType": {"type": "string"},
						"resource": {"type": "string"},
						"resourceData": {"type": "object"}
					}
				}
			}
		}
	}`,
	SchemaReserve: `{
		"type": "object",
		"required": ["account"],
		"properties": {
			"account": {"type": "string", "minLength": 1},
			"slotId": {"type": "string"},
			"start": {"type": "string", "format": "date-time"},
			"end": {"type": "string", "format": "date-time"},
			"participant": {"type": "string"},
			"title": {"type": "string"},
			"timezone": {"type": "string"},
			"connectionId": {"type": "string"},
			"idempotencyKey": {"type": "string"},
			"expectedVersion": {"type": "integer", "minimum": 0},
			"draft": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"anyOf": [{"required": ["slotId"]}, {"required": ["start", "end"]}]
	}`,
	SchemaCancel: `{
		"type": "object",
		"required": ["slotId", "expectedVersion"],
		"properties": {
			"slotId": {"type": "string", "minLength": 1},
			"expectedVersion": {"type": "integer", "minimum": 1}
		}
	}`,
	SchemaReschedule: `{
		"type": "object",
		"required": ["slotId", "expectedVersion", "start", "end"],
		"properties": {
			"slotId": {"type": "string", "minLength": 1},
			"expectedVersion": {"type": "integer", "minimum": 1},
			"start": {"type": "string", "format": "date-time"},
			"end": {"type": "string", "format": "date-time"},
			"timezone": {"type": "string"},
			"confirm": {"type": "boolean"},
			"draft": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
	SchemaHold: `{
		"type": "object",
		"required": ["account", "start", "end"],
		"properties": {
			"account": {"type": "string", "minLength": 1},
			"start": {"type": "string", "format": "date-time"},
			"end": {"type": "string", "format": "date-time"},
			"participant": {"type": "string"},
			"idempotencyKey": {"type": "string"},
			"ttlSeconds": {"type": "integer", "minimum": 1, "maximum": 86400}
		}
	}`,
	SchemaSeriesCancel: `{
		"type": "object",
		"required": ["recurrenceId", "mode"],
		"properties": {
			"recurrenceId": {"type": "string", "minLength": 1},
			"mode": {"enum": ["ALL_EVENTS", "SINGLE_EVENT"]},
			"slotId": {"type": "string"},
			"expectedVersion": {"type": "integer", "minimum": 0},
			"from": {"type": "string", "format": "date-time"}
		}
	}`,
	SchemaMigration: `{
		"type": "object",
		"properties": {
			"source": {"enum": ["legacy", "provider"]},
			"connectionId": {"type": "string"},
			"restart": {"type": "boolean"},
			"batchSize": {"type": "integer", "minimum": 1, "maximum": 5000}
		}
	}`,
}

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledSchema map[string]*jsonschema.Schema
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	compiledSchema = make(map[string]*jsonschema.Schema, len(requestSchemas))
	for name, raw := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", name, err)
			return
		}
		if err := c.AddResource(schemaBaseURL+name, doc); err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", name, err)
			return
		}
	}
	for name := range requestSchemas {
		sch, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", name, err)
			return
		}
		compiledSchema[name] = sch
	}
}

// ValidateJSON checks body against one of the named request schemas and
// returns a *ValidationError describing the first violation.
func ValidateJSON(name string, body []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	sch, ok := compiledSchema[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &ValidationError{Message: "body is not valid JSON"}
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			field := strings.Join(verr.InstanceLocation, ".")
			leaf := deepestCause(verr)
			if len(leaf.InstanceLocation) > 0 {
				field = strings.Join(leaf.InstanceLocation, ".")
			}
			return &ValidationError{Field: field, Message: lastLine(leaf.Error())}
		}
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

func deepestCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "- "))
}
