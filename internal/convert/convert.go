package convert

import (
	"fmt"
	"time"

	"github.com/deltaflow/deltaflow/internal/delta"
)

// Struct is an engine-native structured row. Implementations translate their
// own type system into canonical fields and values.
type Struct interface {
	// Name is the engine's record name, e.g. "server.inventory.customers.Value".
	Name() string
	// Fields lists the row's fields in declaration order.
	Fields() []delta.Field
	// Value returns the canonical Go value of a field: int32, int64, float32,
	// float64, bool, string, []byte, time.Time, time.Duration or nil.
	Value(name string) (any, error)
}

// FieldNames returns the names of s in declaration order. A nil Struct has no
// fields.
func FieldNames(s Struct) []string {
	if s == nil {
		return nil
	}
	fields := s.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// Projection selects columns of a row. An empty Include keeps every column
// not listed in Exclude.
type Projection struct {
	Include []string
	Exclude []string
}

func (p Projection) keep(name string) bool {
	for _, e := range p.Exclude {
		if e == name {
			return false
		}
	}
	if len(p.Include) == 0 {
		return true
	}
	for _, i := range p.Include {
		if i == name {
			return true
		}
	}
	return false
}

type Converter struct {
	// Adjust corrects temporal values. Nil leaves them untouched.
	Adjust TemporalAdjuster
}

func New(adjust TemporalAdjuster) *Converter {
	return &Converter{Adjust: adjust}
}

// Convert builds a canonical schema and row from s. The input is never
// modified.
func (c *Converter) Convert(s Struct, p Projection) (*delta.Schema, *delta.Row, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("no row to convert")
	}

	schema := &delta.Schema{Name: s.Name()}
	values := make(map[string]any)

	for _, field := range s.Fields() {
		if !p.keep(field.Name) {
			continue
		}

		v, err := s.Value(field.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", field.Name, err)
		}

		if t, ok := v.(time.Time); ok && field.Type.Temporal() && c.Adjust != nil {
			v = c.Adjust(t)
		}

		schema.Fields = append(schema.Fields, field)
		values[field.Name] = v
	}

	return schema, &delta.Row{Schema: schema, Values: values}, nil
}
