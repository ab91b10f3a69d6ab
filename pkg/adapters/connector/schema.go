package connector

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
)

// FieldType is the value kind a parameter accepts.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
	FieldURL    FieldType = "url"
	FieldEnum   FieldType = "enum"
	FieldMap    FieldType = "map" // string to string, e.g. headers
)

// Field declares one connection parameter.
type Field struct {
	Name        string    `yaml:"name" json:"name"`
	Type        FieldType `yaml:"type" json:"type"`
	Label       string    `yaml:"label" json:"label,omitempty"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Required    bool      `yaml:"required" json:"required"`
	Default     any       `yaml:"default" json:"default,omitempty"`
	Options     []string  `yaml:"options" json:"options,omitempty"`
	Min         *int      `yaml:"min" json:"min,omitempty"`
	Max         *int      `yaml:"max" json:"max,omitempty"`
}

// SecretSpec describes the secret a connection of this type stores in the vault.
type SecretSpec struct {
	Label    string `yaml:"label" json:"label"`
	Required bool   `yaml:"required" json:"required"`
}

// Schema is the parameter contract of a connection type.
type Schema struct {
	Fields []Field     `yaml:"fields" json:"fields"`
	Secret *SecretSpec `yaml:"secret" json:"secret,omitempty"`
}

// ParseSchema decodes a YAML schema document.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse connector schema: %w", err)
	}
	for _, f := range s.Fields {
		switch f.Type {
		case FieldString, FieldInt, FieldBool, FieldURL, FieldMap:
		case FieldEnum:
			if len(f.Options) == 0 {
				return nil, fmt.Errorf("enum field %q has no options", f.Name)
			}
		default:
			return nil, fmt.Errorf("field %q has unknown type %q", f.Name, f.Type)
		}
	}
	return &s, nil
}

// MustParseSchema is ParseSchema for embedded documents.
func MustParseSchema(data []byte) *Schema {
	s, err := ParseSchema(data)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the declared field called name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks params against the schema: unknown keys, missing required
// fields, wrong kinds, enum membership and integer bounds are all reported
// together.
func (s *Schema) Validate(params map[string]any) error {
	var problems []string

	for key := range params {
		if _, ok := s.Field(key); !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown parameter", key))
		}
	}

	for _, f := range s.Fields {
		v, present := params[f.Name]
		if !present || v == nil || v == "" {
			if f.Required {
				problems = append(problems, fmt.Sprintf("%s: required", f.Name))
			}
			continue
		}
		if msg := f.check(v); msg != "" {
			problems = append(problems, fmt.Sprintf("%s: %s", f.Name, msg))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return apperrors.Validation("invalid connection parameters: %s", strings.Join(problems, "; "))
}

func (f Field) check(v any) string {
	switch f.Type {
	case FieldString:
		if _, ok := v.(string); !ok {
			return "must be a string"
		}
	case FieldInt:
		n, ok := toInt(v)
		if !ok {
			return "must be an integer"
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("must be at least %d", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("must be at most %d", *f.Max)
		}
	case FieldBool:
		if _, ok := toBool(v); !ok {
			return "must be a boolean"
		}
	case FieldURL:
		s, ok := v.(string)
		if !ok {
			return "must be a URL string"
		}
		u, err := url.Parse(s)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return "must be an absolute http(s) URL"
		}
	case FieldEnum:
		s, ok := v.(string)
		if !ok || !slices.Contains(f.Options, s) {
			return fmt.Sprintf("must be one of %s", strings.Join(f.Options, ", "))
		}
	case FieldMap:
		if _, ok := toStringMap(v); !ok {
			return "must be an object of strings"
		}
	}
	return ""
}

// WithDefaults returns a copy of params with declared defaults filled in.
func (s *Schema) WithDefaults(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+len(s.Fields))
	for k, v := range params {
		out[k] = v
	}
	for _, f := range s.Fields {
		if v, ok := out[f.Name]; (!ok || v == nil || v == "") && f.Default != nil {
			out[f.Name] = f.Default
		}
	}
	return out
}
