package agent

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "mem://output.schema.json"

// CompileSchema compiles a JSON Schema document. An empty document accepts
// any JSON object.
func CompileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "agent: parse output schema")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, eris.Wrap(err, "agent: load output schema")
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, eris.Wrap(err, "agent: compile output schema")
	}
	return sch, nil
}

// schemaCache memoizes compiled schemas by document text. Prompt rows are
// immutable so the text is a stable key.
type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	c.mu.Lock()
	sch, ok := c.schemas[key]
	c.mu.Unlock()
	if ok {
		return sch, nil
	}

	sch, err := CompileSchema(raw)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.schemas[key] = sch
	c.mu.Unlock()
	return sch, nil
}

// validate checks doc against sch and returns a readable reason on failure.
func validate(sch *jsonschema.Schema, doc string) (string, bool) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(doc)))
	if err != nil {
		return "invalid JSON: " + err.Error(), false
	}
	if err := sch.Validate(inst); err != nil {
		return err.Error(), false
	}
	return "", true
}
