package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the outer frame contract. Per-kind payload fields are
// checked separately by Validate so that diagnostics can name the offending
// field instead of pointing at a schema path.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["kind", "senderId", "timestamp", "payload"],
	"properties": {
		"kind": {"type": "string", "minLength": 1},
		"senderId": {"type": "string", "minLength": 1},
		"timestamp": {"type": "integer"},
		"payload": {"type": "object"},
		"signature": {"type": "string"},
		"proof": {"type": "string"}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("accord://envelope.schema.json", bytes.NewReader([]byte(envelopeSchema))); err != nil {
		panic(fmt.Sprintf("envelope: schema resource: %v", err))
	}
	return c.MustCompile("accord://envelope.schema.json")
}

func validateSchema(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("envelope: not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("envelope: schema violation: %w", err)
	}
	return nil
}
