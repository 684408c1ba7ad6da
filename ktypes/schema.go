package ktypes

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrFieldNotFound       = errors.New("field not found")
	ErrInvalidPrimaryIndex = errors.New("invalid primary index")
)

// FieldType is the declared type of a schema field.
type FieldType = Kind

// SourceKind describes where a field originates.
type SourceKind uint8

const (
	SourceDynamic SourceKind = iota
	SourceTable
	SourceAlias
)

// SourceDefinition records field provenance.
type SourceDefinition struct {
	Kind       SourceKind
	Connection string
	Name       string
}

// FieldDefinition describes one column of a schema.
type FieldDefinition struct {
	Name     string
	Typ      FieldType
	Nullable bool
	Source   SourceDefinition
}

// Schema is the ordered list of fields of a record stream plus the
// positions forming the record key.
type Schema struct {
	Fields       []FieldDefinition
	PrimaryIndex []int
}

// Field appends a field definition and returns the schema for chaining.
func (s *Schema) Field(def FieldDefinition, primary bool) *Schema {
	s.Fields = append(s.Fields, def)
	if primary {
		s.PrimaryIndex = append(s.PrimaryIndex, len(s.Fields)-1)
	}
	return s
}

// FieldIndex returns the position and definition of the named field.
func (s Schema) FieldIndex(name string) (int, FieldDefinition, error) {
	for i, f := range s.Fields {
		if f.Name == name {
			return i, f, nil
		}
	}
	return -1, FieldDefinition{}, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
}

// Validate checks that every primary index refers to an existing field.
func (s Schema) Validate() error {
	for _, idx := range s.PrimaryIndex {
		if idx < 0 || idx >= len(s.Fields) {
			return fmt.Errorf("%w: index %d out of range for %d fields", ErrInvalidPrimaryIndex, idx, len(s.Fields))
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s Schema) Clone() Schema {
	return Schema{
		Fields:       slices.Clone(s.Fields),
		PrimaryIndex: slices.Clone(s.PrimaryIndex),
	}
}

// NullRecord returns a record holding one null per field.
func (s Schema) NullRecord() Record {
	return NullRecord(len(s.Fields))
}

// HasPrimaryKey reports whether updates and deletes are addressable.
func (s Schema) HasPrimaryKey() bool {
	return len(s.PrimaryIndex) > 0
}
