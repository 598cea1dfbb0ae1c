package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Kind is the expected type of a submission field.
type Kind int

const (
	String Kind = iota + 1
	Int
	Number
	Bool
	List
	StringList
	Map
	StringMap
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "integer"
	case Number:
		return "number"
	case Bool:
		return "boolean"
	case List:
		return "list"
	case StringList:
		return "list of strings"
	case Map:
		return "object"
	case StringMap:
		return "object of strings"
	}
	return "unknown"
}

// Field describes one key of a submission payload.
type Field struct {
	Name     string
	Kind     Kind
	Optional bool

	// Positive requires Int and Number values to be greater than zero.
	Positive bool

	// OneOf restricts String values, compared case-insensitively.
	OneOf []string
}

// Rule is a cross-field check run after every field passed.
type Rule func(payload map[string]any) error

// Schema validates a submission payload for one backend mode.
type Schema struct {
	Fields []Field
	Rules  []Rule
}

// Validate checks payload against the schema and returns a *ValidationError
// describing the first problem found.
func (s Schema) Validate(payload map[string]any) error {
	if payload == nil {
		return &ValidationError{Field: "data", Reason: "is missing"}
	}
	for _, f := range s.Fields {
		if err := f.check(payload); err != nil {
			return err
		}
	}
	for _, rule := range s.Rules {
		if err := rule(payload); err != nil {
			return err
		}
	}
	return nil
}

// RequiredWhen makes fields mandatory when the boolean flag is true.
func RequiredWhen(flag string, fields ...Field) Rule {
	return func(payload map[string]any) error {
		if on, _ := payload[flag].(bool); !on {
			return nil
		}
		for _, f := range fields {
			f.Optional = false
			if err := f.check(payload); err != nil {
				return err
			}
		}
		return nil
	}
}

// RequiredIfEquals makes fields mandatory when field holds value.
func RequiredIfEquals(field, value string, fields ...Field) Rule {
	return func(payload map[string]any) error {
		if s, _ := payload[field].(string); !strings.EqualFold(s, value) {
			return nil
		}
		for _, f := range fields {
			f.Optional = false
			if err := f.check(payload); err != nil {
				return err
			}
		}
		return nil
	}
}

func (f Field) check(payload map[string]any) error {
	v, ok := payload[f.Name]
	if !ok || v == nil {
		if f.Optional {
			return nil
		}
		return &ValidationError{Field: f.Name, Reason: "is missing"}
	}

	mismatch := &ValidationError{
		Field:  f.Name,
		Reason: fmt.Sprintf("has unexpected type %T, expecting %s", v, f.Kind),
	}

	switch f.Kind {
	case String:
		s, ok := v.(string)
		if !ok {
			return mismatch
		}
		if len(f.OneOf) > 0 && !slices.ContainsFunc(f.OneOf, func(o string) bool { return strings.EqualFold(o, s) }) {
			return &ValidationError{Field: f.Name, Reason: fmt.Sprintf("must be one of %s", strings.Join(f.OneOf, ", "))}
		}
	case Int:
		n, ok := asInt(v)
		if !ok {
			return mismatch
		}
		if f.Positive && n <= 0 {
			return &ValidationError{Field: f.Name, Reason: "should be greater than 0"}
		}
	case Number:
		n, ok := asFloat(v)
		if !ok {
			return mismatch
		}
		if f.Positive && n <= 0 {
			return &ValidationError{Field: f.Name, Reason: "should be greater than 0"}
		}
	case Bool:
		if _, ok := v.(bool); !ok {
			return mismatch
		}
	case List:
		if !isList(v) {
			return mismatch
		}
	case StringList:
		if !isStringList(v) {
			return mismatch
		}
	case Map:
		if _, ok := v.(map[string]any); !ok {
			if _, ok := v.(map[string]string); !ok {
				return mismatch
			}
		}
	case StringMap:
		if !isStringMap(v) {
			return mismatch
		}
	}
	return nil
}

// asInt accepts Go integers and integral JSON numbers. Booleans never count.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return asInt(float64(n))
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string:
		return true
	}
	return false
}

func isStringList(v any) bool {
	switch l := v.(type) {
	case []string:
		return true
	case []any:
		for _, item := range l {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}

func isStringMap(v any) bool {
	switch m := v.(type) {
	case map[string]string:
		return true
	case map[string]any:
		for _, item := range m {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}

// Decode copies a validated payload into a typed submission struct using
// its mapstructure tags.
func Decode(payload map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: false,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(payload); err != nil {
		return &ValidationError{Field: "data", Reason: err.Error()}
	}
	return nil
}
