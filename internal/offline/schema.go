package offline

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry validates action payloads against a JSON Schema chosen by
// action kind. Kinds without a schema are accepted as long as the payload is
// JSON.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

var builtinActionSchemas = map[string]string{
	"todo.create": `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"courseId": {"type": "string"},
			"dueDate": {"type": "string"}
		}
	}`,
	"todo.complete": `{
		"type": "object",
		"required": ["todoId"],
		"properties": {"todoId": {"type": "string", "minLength": 1}}
	}`,
	"quest.complete": `{
		"type": "object",
		"required": ["questId"],
		"properties": {
			"questId": {"type": "string", "minLength": 1},
			"xpAwarded": {"type": "integer", "minimum": 0}
		}
	}`,
	"course.update": `{
		"type": "object",
		"required": ["courseId"],
		"properties": {
			"courseId": {"type": "string", "minLength": 1},
			"progress": {"type": "number", "minimum": 0, "maximum": 100}
		}
	}`,
	"pet.feed": `{
		"type": "object",
		"required": ["petId", "coinsSpent"],
		"properties": {
			"petId": {"type": "string", "minLength": 1},
			"coinsSpent": {"type": "integer", "minimum": 1}
		}
	}`,
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
}

// NewDefaultSchemaRegistry returns a registry preloaded with the schemas of
// the built-in action kinds.
func NewDefaultSchemaRegistry() (*SchemaRegistry, error) {
	r := NewSchemaRegistry()
	for kind, src := range builtinActionSchemas {
		if err := r.Register(kind, src); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *SchemaRegistry) Register(kind, schemaJSON string) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", kind, err)
	}
	location := "mem://actions/" + kind + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", kind, err)
	}
	schema, err := compiler.Compile(location)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = schema
	return nil
}

func (r *SchemaRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for kind := range r.schemas {
		out = append(out, kind)
	}
	return out
}

// Validate checks payload against the schema registered for kind.
func (r *SchemaRegistry) Validate(kind string, payload []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ValidationError{Kind: kind, Fields: []FieldError{{Field: "payload", Reason: "must be valid JSON"}}}
	}
	if r == nil {
		return nil
	}
	r.mu.RLock()
	schema, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Kind: kind, Fields: schemaFieldErrors(verr)}
		}
		return err
	}
	return nil
}

func schemaFieldErrors(verr *jsonschema.ValidationError) []FieldError {
	leaves := []*jsonschema.ValidationError{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, e)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	out := make([]FieldError, 0, len(leaves))
	for _, leaf := range leaves {
		field := "payload"
		if len(leaf.InstanceLocation) > 0 {
			field = "payload." + strings.Join(leaf.InstanceLocation, ".")
		}
		out = append(out, FieldError{Field: field, Reason: leaf.Error()})
	}
	return out
}
