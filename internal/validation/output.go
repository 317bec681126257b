package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tessira/flowrt/pkg/schema"
)

// OutputValidator validates node completion outputs against per-node JSON
// schemas (Draft 2020-12). Compiled schemas are cached by their raw bytes.
// Safe for concurrent use.
type OutputValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewOutputValidator creates an empty OutputValidator.
func NewOutputValidator() *OutputValidator {
	return &OutputValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks output data against a JSON schema provided as raw bytes.
// A nil/empty schema means no validation. The output is round-tripped through
// JSON so numbers become json.Number, as the jsonschema library requires.
func (v *OutputValidator) Validate(output map[string]any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid output schema").WithCause(err)
	}

	doc, err := toJSONValue(output)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize output").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "output schema violation: %s", err.Error()).WithCause(err)
	}
	return nil
}

// CheckSchema compiles a schema without validating anything, so callers can
// reject malformed schemas at registration time.
func (v *OutputValidator) CheckSchema(schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	_, err := v.getOrCompile(schemaBytes)
	return err
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *OutputValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("flowrt://output-schema/%d", len(v.cache))

	// Use a fresh compiler per schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
