package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/deltaflow/deltaflow/internal/delta"
)

// Row is a decoded tuple. It implements convert.Struct.
type Row struct {
	name   string
	fields []delta.Field
	values map[string]any
}

func newRow(name string) *Row {
	return &Row{name: name, values: make(map[string]any)}
}

func (r *Row) add(field delta.Field, value any) {
	r.fields = append(r.fields, field)
	r.values[field.Name] = value
}

func (r *Row) Name() string { return r.name }

func (r *Row) Fields() []delta.Field { return r.fields }

func (r *Row) Value(name string) (any, error) {
	v, ok := r.values[name]
	if !ok {
		return nil, fmt.Errorf("row %s has no column %s", r.name, name)
	}
	return v, nil
}

// project returns a row holding only the named columns, in the given order.
// Columns missing from r are left out.
func (r *Row) project(name string, columns []string) *Row {
	out := newRow(name)
	for _, c := range columns {
		for _, f := range r.fields {
			if f.Name == c {
				out.add(f, r.values[c])
				break
			}
		}
	}
	return out
}

func fieldType(oid uint32) delta.Type {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID:
		return delta.TypeInt
	case pgtype.Int8OID:
		return delta.TypeLong
	case pgtype.Float4OID:
		return delta.TypeFloat
	case pgtype.Float8OID:
		return delta.TypeDouble
	case pgtype.BoolOID:
		return delta.TypeBoolean
	case pgtype.ByteaOID:
		return delta.TypeBytes
	case pgtype.NumericOID:
		return delta.TypeDecimal
	case pgtype.DateOID:
		return delta.TypeDate
	case pgtype.TimeOID:
		return delta.TypeTime
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return delta.TypeTimestamp
	default:
		return delta.TypeString
	}
}

// decodeColumn decodes one pgoutput column value.
func decodeColumn(m *pgtype.Map, oid uint32, format int16, data []byte) (any, error) {
	dt, ok := m.TypeForOID(oid)
	if !ok {
		if format == pgtype.BinaryFormatCode {
			return data, nil
		}
		return string(data), nil
	}
	v, err := dt.Codec.DecodeValue(m, oid, format, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s value: %w", dt.Name, err)
	}
	return v, nil
}

// canonical maps a pgx value onto the Go types convert.Struct promises.
func canonical(v any, t delta.Type) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case int16:
		return int32(val), nil
	case int32, int64, float32, float64, bool, string, []byte:
		return val, nil
	case time.Time:
		if t == delta.TypeDate {
			y, m, d := val.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return val.UTC(), nil
	case pgtype.Time:
		if !val.Valid {
			return nil, nil
		}
		return time.Duration(val.Microseconds) * time.Microsecond, nil
	case pgtype.Numeric:
		if !val.Valid {
			return nil, nil
		}
		dv, err := val.Value()
		if err != nil {
			return nil, fmt.Errorf("failed to encode numeric: %w", err)
		}
		return dv, nil
	case [16]byte:
		return uuid.UUID(val).String(), nil
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to encode json: %w", err)
		}
		return string(b), nil
	case fmt.Stringer:
		return val.String(), nil
	default:
		return fmt.Sprint(val), nil
	}
}
