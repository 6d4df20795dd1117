package remotestore

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// changeEventSchema is the contract every push frame must satisfy before
// it is decoded. Frames that fail validation are dropped, never surfaced.
const changeEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["eventId", "kind", "resource", "row"],
	"properties": {
		"eventId": {"type": "string", "minLength": 1},
		"kind": {"enum": ["insert", "update", "delete"]},
		"resource": {"type": "string", "minLength": 1},
		"row": {"type": "object"}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func eventSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(changeEventSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("change-event.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("change-event.json")
	})
	return compiledSchema, schemaErr
}

// validateEventFrame checks a raw websocket frame against the change event
// schema. A schema compilation failure disables validation rather than
// blocking delivery.
func validateEventFrame(frame []byte) error {
	schema, err := eventSchema()
	if err != nil || schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
