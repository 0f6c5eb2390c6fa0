package envelope

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry validates envelope payloads against per-type JSON Schemas.
// Types without a registered schema pass unless the registry is strict.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	strict  bool
}

// NewSchemaRegistry creates an empty, permissive registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Strict makes the registry reject envelopes whose type has no schema.
func (r *SchemaRegistry) Strict() *SchemaRegistry {
	r.strict = true
	return r
}

// Register compiles a JSON Schema (draft 2020-12) for an envelope type,
// replacing any previous schema for that type.
func (r *SchemaRegistry) Register(eventType, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://lodestar.schemas.local/events/%s.schema.json", eventType)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("schema load for %s: %w", eventType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema compile for %s: %w", eventType, err)
	}

	r.mu.Lock()
	r.schemas[eventType] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks the envelope payload against the schema registered for its
// type. Violations are permanent: the same payload fails on every redelivery.
func (r *SchemaRegistry) Validate(e *Envelope) error {
	r.mu.RLock()
	schema, ok := r.schemas[e.Type]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return Permanent(fmt.Errorf("no schema registered for type %q", e.Type))
		}
		return nil
	}

	var payload any
	if err := e.UnmarshalPayload(&payload); err != nil {
		return err
	}
	if err := schema.Validate(payload); err != nil {
		return Permanent(fmt.Errorf("payload of %s %s: %w", e.Type, e.ID, err))
	}
	return nil
}

// Types returns the envelope types with registered schemas.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	return out
}
