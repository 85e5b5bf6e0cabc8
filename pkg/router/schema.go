package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSchemaCompile is returned when a schema document cannot be compiled.
var ErrSchemaCompile = errors.New("schema compile failed")

const schemaBase = "mem://dataport/"

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	return c
}

// CompileSchema compiles a JSON Schema (draft 2020-12) document. Format
// assertions are enabled so "uuid" and "date-time" are enforced.
func CompileSchema(name string, doc []byte) (*jsonschema.Schema, error) {
	out, err := CompileSchemas(map[string][]byte{name: doc})
	if err != nil {
		return nil, err
	}
	return out[name], nil
}

// CompileSchemas compiles a set of documents that may reference each other
// by file name, e.g. {"$ref": "task.json"} from "tasks". Keys are names
// without the .json suffix.
func CompileSchemas(docs map[string][]byte) (map[string]*jsonschema.Schema, error) {
	names := make([]string, 0, len(docs))
	for n := range docs {
		names = append(names, n)
	}
	sort.Strings(names)

	c := newCompiler()
	for _, n := range names {
		if err := c.AddResource(schemaBase+n+".json", bytes.NewReader(docs[n])); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSchemaCompile, n, err)
		}
	}

	out := make(map[string]*jsonschema.Schema, len(names))
	for _, n := range names {
		s, err := c.Compile(schemaBase + n + ".json")
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSchemaCompile, n, err)
		}
		out[n] = s
	}
	return out, nil
}

// DecodeJSON decodes a single JSON value the way the validator expects it,
// with numbers kept as json.Number.
func DecodeJSON(payload []byte) (any, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON (%d bytes)", len(payload))
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
