package webhook

import (
	"fmt"
)

/* Per-webhook payload schemas are a tagged union over a small set of JSON
 * types. Validation is a pure function over the union, independent of any
 * serialization framework: callers hand in the already-decoded payload.
 */

// FieldType represents the declared type of a schema field
type FieldType int

const (
	TypeString FieldType = iota + 1
	TypeNumber
	TypeBoolean
	TypeObject
	TypeArray
)

// String returns the string representation of the field type
func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeBoolean:
		return "boolean"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	default:
		return "unknown"
	}
}

// NewFieldType creates a FieldType from a string
func NewFieldType(str string) FieldType {
	switch str {
	case "string":
		return TypeString
	case "number":
		return TypeNumber
	case "boolean":
		return TypeBoolean
	case "object":
		return TypeObject
	case "array":
		return TypeArray
	default:
		return FieldType(0)
	}
}

// Validate checks if the field type is valid
func (t FieldType) Validate() error {
	if t < TypeString || t > TypeArray {
		return fmt.Errorf("invalid field type: %d", t)
	}
	return nil
}

// Field declares one named field of a webhook payload schema
type Field struct {
	Name        string
	Type        FieldType
	Required    bool
	Description string
}

// Schema is the versioned list of declared payload fields for one webhook
type Schema struct {
	Version int
	Fields  []Field
}

// Validate checks the schema declaration itself
func (s Schema) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be at least 1")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema field name cannot be empty")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate schema field: %s", f.Name)
		}
		seen[f.Name] = true
		if err := f.Type.Validate(); err != nil {
			return fmt.Errorf("schema field %q: %w", f.Name, err)
		}
	}
	return nil
}

// Result holds the outcome of validating a payload against a schema
type Result struct {
	Valid  bool
	Errors []string
}

// Check validates a decoded payload against the schema. It collects every
// violation instead of failing fast, so callers can report the full list.
// Fields not declared in the schema are permitted: the schema is additive,
// not exclusive.
func (s Schema) Check(payload map[string]interface{}) Result {
	var errs []string

	for _, field := range s.Fields {
		value, present := payload[field.Name]

		if !present || value == nil {
			if field.Required {
				errs = append(errs, fmt.Sprintf("missing required field %q", field.Name))
			}
			continue
		}

		if !matchesType(value, field.Type) {
			errs = append(errs, fmt.Sprintf("field %q must be of type %s", field.Name, field.Type))
		}
	}

	return Result{
		Valid:  len(errs) == 0,
		Errors: errs,
	}
}

// matchesType checks a decoded JSON value against a declared field type.
// encoding/json decodes numbers into float64 when the target is interface{}.
func matchesType(value interface{}, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		_, ok := value.(float64)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeObject:
		_, ok := value.(map[string]interface{})
		return ok
	case TypeArray:
		_, ok := value.([]interface{})
		return ok
	default:
		return false
	}
}
