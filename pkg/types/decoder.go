package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const rawMeasurementSchema = `{
  "type": "object",
  "required": ["barcode", "machine_id", "product_id", "test_step", "measured_value", "timestamp"],
  "properties": {
    "barcode":        {"type": "string", "minLength": 1, "maxLength": 255},
    "machine_id":     {"type": "string", "minLength": 1, "maxLength": 50},
    "product_id":     {"type": "string", "maxLength": 50},
    "test_step":      {"type": "string"},
    "measured_value": {"type": "number"},
    "timestamp":      {"type": "string", "format": "date-time"}
  }
}`

const processedEventSchema = `{
  "type": "object",
  "required": ["barcode", "machine_id", "product_id", "measured_value", "status", "timestamp"],
  "properties": {
    "barcode":        {"type": "string"},
    "machine_id":     {"type": "string"},
    "product_id":     {"type": "string"},
    "measured_value": {"type": "number"},
    "status":         {"enum": ["PASS", "FAIL"]},
    "timestamp":      {"type": "string", "format": "date-time"}
  }
}`

var (
	rawMeasurementValidator = mustCompile(rawMeasurementSchema)
	processedEventValidator = mustCompile(processedEventSchema)
)

func mustCompile(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("types: invalid embedded schema: %v", err))
	}
	return s
}

// DeserializationError reports a payload that can never be processed, no matter
// how often it is redelivered.
type DeserializationError struct {
	Reason string
	Err    error
}

func (e *DeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deserialization failed: %s: %v", e.Reason, e.Err)
	}
	return "deserialization failed: " + e.Reason
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// DecodeRawMeasurement validates payload against the raw measurement schema and decodes it.
// Any failure is a *DeserializationError.
func DecodeRawMeasurement(payload []byte) (*RawMeasurement, error) {
	if err := validate(rawMeasurementValidator, payload); err != nil {
		return nil, err
	}
	var m RawMeasurement
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, &DeserializationError{Reason: "decode raw measurement", Err: err}
	}
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}

// DecodeProcessedEvent is the PayloadDecoder for the processed stream.
func DecodeProcessedEvent(payload []byte) (*ProcessedEvent, error) {
	if err := validate(processedEventValidator, payload); err != nil {
		return nil, err
	}
	var e ProcessedEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, &DeserializationError{Reason: "decode processed event", Err: err}
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

// DecodeJSON accepts any well-formed JSON document and returns it verbatim.
func DecodeJSON(payload []byte) (*json.RawMessage, error) {
	if !json.Valid(payload) {
		return nil, &DeserializationError{Reason: "payload is not valid JSON"}
	}
	raw := json.RawMessage(append([]byte(nil), payload...))
	return &raw, nil
}

func validate(schema *gojsonschema.Schema, payload []byte) error {
	if !json.Valid(payload) {
		return &DeserializationError{Reason: "payload is not valid JSON"}
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &DeserializationError{Reason: "schema validation", Err: err}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &DeserializationError{Reason: strings.Join(msgs, "; ")}
	}
	return nil
}
