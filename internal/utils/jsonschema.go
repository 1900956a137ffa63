package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Schema names registered by NewTelemetrySchemaValidator
const (
	SchemaTelemetryMessage = "telemetry_message"
	SchemaTelemetryBatch   = "telemetry_batch"
)

// telemetryMessageSchema describes a single-device message arriving over MQTT, Kafka or HTTP.
// Identity is checked by the resolver, so only the shape of values is enforced here.
const telemetryMessageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "device_id": {"type": "integer", "minimum": 1},
    "gateway_id": {"type": "integer", "minimum": 1},
    "edge_key": {"type": "string", "minLength": 1},
    "token": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "source": {"type": "string"},
    "values": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": ["number", "string", "boolean", "null"]}
    }
  },
  "required": ["values"]
}`

const telemetryBatchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "gateway_id": {"type": "integer", "minimum": 1},
    "records": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "device_id": {"type": "integer"},
          "edge_key": {"type": "string"},
          "datapoint_id": {"type": "integer"},
          "datapoint": {"type": "string"},
          "timestamp": {"type": "string"},
          "value": {"type": ["number", "boolean", "null"]},
          "string_value": {"type": "string"},
          "quality": {"type": "string"}
        }
      }
    }
  },
  "required": ["records"]
}`

// JSONSchemaValidator handles validation against JSON schemas
type JSONSchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewJSONSchemaValidator creates an empty validator
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// NewTelemetrySchemaValidator creates a validator with the inbound telemetry schemas loaded
func NewTelemetrySchemaValidator() (*JSONSchemaValidator, error) {
	v := NewJSONSchemaValidator()
	if err := v.LoadSchema(SchemaTelemetryMessage, telemetryMessageSchema); err != nil {
		return nil, err
	}
	if err := v.LoadSchema(SchemaTelemetryBatch, telemetryBatchSchema); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadSchema loads and compiles a JSON schema
func (v *JSONSchemaValidator) LoadSchema(name, schema string) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	v.mu.Lock()
	v.schemas[name] = compiled
	v.mu.Unlock()
	return nil
}

// ValidateBytes validates a raw JSON document against a named schema
func (v *JSONSchemaValidator) ValidateBytes(name string, doc []byte) error {
	v.mu.RLock()
	schema, ok := v.schemas[name]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
	}

	return nil
}
