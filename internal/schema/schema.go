// Package schema resolves named artifact schemas and validates artifact
// payloads against them, reporting field-path-qualified errors. It is a
// small Go-native validator, not a general JSON-Schema engine: no example
// repo in the reference corpus pulls in a JSON-Schema library for
// hand-shaped internal payloads like these (the teacher's own
// internal/validation package validates Go structs the same way, by hand),
// so this stays close to the teacher's idiom rather than reaching for an
// unrelated dependency.
package schema

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// FieldKind is the type a field value must have.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindInt    FieldKind = "int"
	KindFloat  FieldKind = "float"
	KindBool   FieldKind = "bool"
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
	KindAny    FieldKind = "any"
)

// Field describes one member of a schema.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
	// MinLength applies to KindString (character count) and KindArray
	// (element count); zero means unconstrained.
	MinLength int
	// Of describes the element schema for KindArray fields, and the member
	// schema for KindObject fields. Nil means no nested validation beyond
	// the Kind check.
	Of *Schema
}

// Schema is an ordered set of fields an artifact payload must satisfy.
type Schema struct {
	Name   string
	Fields []Field
}

// FieldError is a single field-path-qualified validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ErrUnknownSchema is returned by Registry.Validate when the caller names a
// schema that was never registered. Unknown schema references are a hard
// error, never silently skipped.
var ErrUnknownSchema = errors.New("unknown schema reference")

// Registry resolves schema references to compiled Schemas and validates
// payloads against them.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry creates a registry pre-populated with the built-in schemas
// the gate checkers depend on (plan_document, test_run_result, review,
// evidence payloads for documented items). Callers may Register additional
// schemas for custom artifact types declared by a workflow document.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[string]*Schema)}
	for _, s := range builtinSchemas() {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a compiled schema under its own Name.
func (r *Registry) Register(s *Schema) {
	r.schemas[s.Name] = s
}

// Resolve looks up a schema by name (a short path such as "plan_document").
func (r *Registry) Resolve(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// Validate validates payload (a decoded JSON value — map[string]interface{}
// at the top level) against the named schema. Returns every field error
// found, not just the first.
func (r *Registry) Validate(schemaName string, payload interface{}) ([]FieldError, error) {
	s, ok := r.Resolve(schemaName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, schemaName)
	}
	return validateAgainst(s, payload, schemaName), nil
}

func validateAgainst(s *Schema, payload interface{}, path string) []FieldError {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return []FieldError{{Path: path, Message: "expected an object"}}
	}

	var errs []FieldError
	for _, f := range s.Fields {
		fieldPath := path + "." + f.Name
		v, present := obj[f.Name]
		if !present || v == nil {
			if f.Required {
				errs = append(errs, FieldError{Path: fieldPath, Message: "is required"})
			}
			continue
		}
		errs = append(errs, validateField(f, v, fieldPath)...)
	}
	return errs
}

func validateField(f Field, v interface{}, path string) []FieldError {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return []FieldError{{Path: path, Message: "must be a string"}}
		}
		if f.MinLength > 0 && utf8.RuneCountInString(s) < f.MinLength {
			return []FieldError{{Path: path, Message: fmt.Sprintf("must be at least %d characters", f.MinLength)}}
		}
	case KindInt, KindFloat:
		switch v.(type) {
		case int, int32, int64, float32, float64:
		default:
			return []FieldError{{Path: path, Message: "must be a number"}}
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return []FieldError{{Path: path, Message: "must be a boolean"}}
		}
	case KindObject:
		if f.Of == nil {
			if _, ok := v.(map[string]interface{}); !ok {
				return []FieldError{{Path: path, Message: "must be an object"}}
			}
			return nil
		}
		return validateAgainst(f.Of, v, path)
	case KindArray:
		arr, ok := v.([]interface{})
		if !ok {
			return []FieldError{{Path: path, Message: "must be an array"}}
		}
		if f.MinLength > 0 && len(arr) < f.MinLength {
			return []FieldError{{Path: path, Message: fmt.Sprintf("must have at least %d item(s)", f.MinLength)}}
		}
		if f.Of == nil {
			return nil
		}
		var errs []FieldError
		for i, elem := range arr {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			errs = append(errs, validateAgainst(f.Of, elem, elemPath)...)
		}
		return errs
	case KindAny, "":
		// no constraint
	}
	return nil
}
