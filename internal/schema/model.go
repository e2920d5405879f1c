// Package schema provides the declarative row-model facility: named fields
// with semantic types, optionality, source-column aliases and constraints.
// A RowModel drives three things: in-memory validation of raw records,
// alias-to-canonical renaming, and target-table DDL generation in the
// storage layer.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// FieldType is the semantic type of a field.
type FieldType string

// Supported semantic field types.
const (
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeBool     FieldType = "bool"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
)

// Sentinel errors for row-model construction.
var (
	ErrNoFields          = errors.New("row model must declare at least one field")
	ErrEmptyFieldName    = errors.New("field name cannot be empty")
	ErrDuplicateField    = errors.New("duplicate field name")
	ErrDuplicateAlias    = errors.New("duplicate source alias")
	ErrUnknownFieldType  = errors.New("unknown field type")
	ErrBadPattern        = errors.New("invalid field pattern")
	ErrReservedFieldName = errors.New("field name collides with a bookkeeping column")
)

// reservedNames are the bookkeeping columns the storage layer adds to every
// stage and target table. Declared fields must not collide with them.
var reservedNames = map[string]bool{
	"etl_id":           true,
	"etl_row_hash":     true,
	"etl_created_at":   true,
	"etl_updated_at":   true,
	"file_row_number":  true,
	"file_load_log_id": true,
	"source_filename":  true,
}

// validTypes is the closed set of semantic types.
var validTypes = map[FieldType]bool{
	TypeString:   true,
	TypeInt:      true,
	TypeFloat:    true,
	TypeBool:     true,
	TypeDate:     true,
	TypeDateTime: true,
}

// Field declares one column of a row model.
type Field struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	// Alias is the column name in the source file; defaults to Name.
	Alias string `yaml:"alias"`

	// Constraints. Pointers distinguish "unset" from zero.
	MaxLength *int     `yaml:"max_length"`
	MinLength *int     `yaml:"min_length"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	Enum      []string `yaml:"enum"`
	Pattern   string   `yaml:"pattern"`

	pattern *regexp.Regexp
}

// SourceAlias returns the column name expected in the source file.
func (f *Field) SourceAlias() string {
	if f.Alias != "" {
		return f.Alias
	}

	return f.Name
}

// RowModel is an immutable, validated set of fields. Alias lookups are
// case-insensitive: source files disagree on header casing more often than
// not.
type RowModel struct {
	fields  []Field
	byAlias map[string]*Field
	byName  map[string]*Field
}

// NewRowModel validates the field declarations and builds the lookup maps.
func NewRowModel(fields []Field) (*RowModel, error) {
	if len(fields) == 0 {
		return nil, ErrNoFields
	}

	m := &RowModel{
		fields:  make([]Field, len(fields)),
		byAlias: make(map[string]*Field, len(fields)),
		byName:  make(map[string]*Field, len(fields)),
	}
	copy(m.fields, fields)

	for i := range m.fields {
		f := &m.fields[i]

		if f.Name == "" {
			return nil, ErrEmptyFieldName
		}

		if f.Type == "" {
			f.Type = TypeString
		}

		if !validTypes[f.Type] {
			return nil, fmt.Errorf("%w: %q on field %q", ErrUnknownFieldType, f.Type, f.Name)
		}

		if f.Pattern != "" {
			compiled, err := regexp.Compile(f.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %w", ErrBadPattern, f.Name, err)
			}

			f.pattern = compiled
		}

		name := strings.ToLower(f.Name)
		if reservedNames[name] {
			return nil, fmt.Errorf("%w: %q", ErrReservedFieldName, f.Name)
		}

		if _, exists := m.byName[name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}

		m.byName[name] = f

		alias := strings.ToLower(f.SourceAlias())
		if _, exists := m.byAlias[alias]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateAlias, f.SourceAlias())
		}

		m.byAlias[alias] = f
	}

	return m, nil
}

// Fields returns the declared fields in declaration order.
func (m *RowModel) Fields() []Field {
	return m.fields
}

// FieldByName looks up a field by canonical name, case-insensitively.
func (m *RowModel) FieldByName(name string) (*Field, bool) {
	f, ok := m.byName[strings.ToLower(name)]

	return f, ok
}

// AliasFor returns the source-file column name for a canonical field name.
// Unknown names are returned unchanged.
func (m *RowModel) AliasFor(name string) string {
	if f, ok := m.FieldByName(name); ok {
		return f.SourceAlias()
	}

	return name
}

// RequiredAliases returns the source aliases of all required fields.
func (m *RowModel) RequiredAliases() []string {
	var aliases []string

	for i := range m.fields {
		if m.fields[i].Required {
			aliases = append(aliases, m.fields[i].SourceAlias())
		}
	}

	return aliases
}

// Compatible reports whether two row models describe the same table shape:
// same field names with same types and optionality. Two sources sharing a
// target table must be compatible.
func (m *RowModel) Compatible(other *RowModel) bool {
	if len(m.fields) != len(other.fields) {
		return false
	}

	for name, f := range m.byName {
		o, ok := other.byName[name]
		if !ok || o.Type != f.Type || o.Required != f.Required {
			return false
		}
	}

	return true
}
