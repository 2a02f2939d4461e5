package chunk

import "fmt"

// FieldType enumerates the column types a chunk can carry.
type FieldType uint8

const (
	TypeInt64 FieldType = iota
	TypeFloat64
	TypeString
	TypeBool
)

// String returns the name of the field type.
func (t FieldType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

// Field describes one column of a schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema is the fixed column layout shared by every chunk of a scan.
//
// The first field is the key column; scan ranges and bloom filters are
// defined over it. Schemas are immutable after construction.
type Schema struct {
	fields []Field
	byName map[string]int
}

// NewSchema creates a schema from the given fields.
// The first field must be of type int64 (the key column).
func NewSchema(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("chunk: schema needs at least one field")
	}
	if fields[0].Type != TypeInt64 {
		return nil, fmt.Errorf("chunk: key column %q must be int64, got %s", fields[0].Name, fields[0].Type)
	}
	byName := make(map[string]int, len(fields))
	for i, f := range fields {
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("chunk: duplicate field %q", f.Name)
		}
		byName[f.Name] = i
	}
	return &Schema{fields: fields, byName: byName}, nil
}

// MustSchema is like NewSchema but panics on error. Intended for tests
// and static schema definitions.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// NumFields returns the number of columns.
func (s *Schema) NumFields() int { return len(s.fields) }

// Field returns the i-th field.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Fields returns all fields. The returned slice must not be mutated.
func (s *Schema) Fields() []Field { return s.fields }

// FieldIndex returns the index of the named field.
func (s *Schema) FieldIndex(name string) (int, bool) {
	i, ok := s.byName[name]
	return i, ok
}

// KeyIndex returns the index of the key column.
func (s *Schema) KeyIndex() int { return 0 }

// RowWidth returns an approximate per-row byte width, used only for
// memory accounting when sizing chunk pools.
func (s *Schema) RowWidth() int {
	w := 0
	for _, f := range s.fields {
		switch f.Type {
		case TypeInt64, TypeFloat64:
			w += 8
		case TypeString:
			w += 24 // header only; payload is workload dependent
		case TypeBool:
			w++
		}
	}
	return w
}
