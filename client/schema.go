package client

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/server_message.json
var serverMessageSchema []byte

const serverMessageSchemaURL = "https://liveroom.local/schema/server_message.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func serverSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(serverMessageSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse server message schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(serverMessageSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add server message schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(serverMessageSchemaURL)
	})
	return compiledSchema, schemaErr
}

// validateFrame checks a raw frame against the server message schema.
func validateFrame(frame []byte) error {
	sch, err := serverSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return sch.Validate(inst)
}
