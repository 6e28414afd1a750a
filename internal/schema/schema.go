// Package schema validates event payloads against embedded JSON schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Names of the embedded schemas.
const (
	JobDispatched = "job_dispatched"
	RawPage       = "raw_page"
	PageAck       = "page_ack"
)

//go:embed schemas/*.json
var files embed.FS

// ValidationError reports a document that does not satisfy its schema.
type ValidationError struct {
	Schema string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s: %v", e.Schema, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator holds the compiled schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.AssertFormat = true

	names := []string{JobDispatched, RawPage, PageAck}
	for _, name := range names {
		raw, err := files.ReadFile(path.Join("schemas", name+".json"))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(resourceURL(name), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		compiled, err := compiler.Compile(resourceURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// Validate checks a JSON document against the named schema.
func (v *Validator) Validate(name string, doc []byte) error {
	compiled, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return &ValidationError{Schema: name, Err: fmt.Errorf("decode document: %w", err)}
	}
	if err := compiled.Validate(decoded); err != nil {
		return &ValidationError{Schema: name, Err: err}
	}
	return nil
}

func resourceURL(name string) string {
	return "mem://schemas/" + name + ".json"
}
