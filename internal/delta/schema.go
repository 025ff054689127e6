package delta

import (
	"bytes"
	"reflect"
	"time"
)

type Type string

const (
	TypeInt       Type = "int"
	TypeLong      Type = "long"
	TypeFloat     Type = "float"
	TypeDouble    Type = "double"
	TypeBoolean   Type = "boolean"
	TypeString    Type = "string"
	TypeBytes     Type = "bytes"
	TypeDecimal   Type = "decimal"
	TypeDate      Type = "date"
	TypeTime      Type = "time"
	TypeTimestamp Type = "timestamp"
)

// Temporal reports whether values of the type are time.Time.
func (t Type) Temporal() bool {
	return t == TypeDate || t == TypeTimestamp
}

type Field struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

type Schema struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Equal compares field lists. Record names are engine-specific and ignored.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// Row is a canonical structured row. Values holds nil for SQL NULL.
type Row struct {
	Schema *Schema
	Values map[string]any
}

func (r *Row) Get(name string) any {
	if r == nil {
		return nil
	}
	return r.Values[name]
}

func (r *Row) Equal(o *Row) bool {
	if r == nil || o == nil {
		return r == o
	}
	if !r.Schema.Equal(o.Schema) || len(r.Values) != len(o.Values) {
		return false
	}
	for k, v := range r.Values {
		ov, ok := o.Values[k]
		if !ok || !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	}
	return reflect.DeepEqual(a, b)
}
