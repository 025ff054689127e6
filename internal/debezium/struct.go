package debezium

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/deltaflow/deltaflow/internal/delta"
)

// Kafka Connect and Debezium logical type names.
const (
	connectDate      = "org.apache.kafka.connect.data.Date"
	connectTime      = "org.apache.kafka.connect.data.Time"
	connectTimestamp = "org.apache.kafka.connect.data.Timestamp"
	connectDecimal   = "org.apache.kafka.connect.data.Decimal"

	debeziumDate           = "io.debezium.time.Date"
	debeziumTime           = "io.debezium.time.Time"
	debeziumMicroTime      = "io.debezium.time.MicroTime"
	debeziumNanoTime       = "io.debezium.time.NanoTime"
	debeziumTimestamp      = "io.debezium.time.Timestamp"
	debeziumMicroTimestamp = "io.debezium.time.MicroTimestamp"
	debeziumNanoTimestamp  = "io.debezium.time.NanoTimestamp"
	debeziumZonedTimestamp = "io.debezium.time.ZonedTimestamp"
)

// Struct is a decoded Connect struct. It implements convert.Struct.
type Struct struct {
	name   string
	fields []delta.Field
	values map[string]any
}

func (s *Struct) Name() string { return s.name }

func (s *Struct) Fields() []delta.Field { return s.fields }

func (s *Struct) Value(name string) (any, error) {
	v, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("struct %s has no field %s", s.name, name)
	}
	return v, nil
}

func (s *Struct) add(field delta.Field, value any) {
	s.fields = append(s.fields, field)
	s.values[field.Name] = value
}

// fieldSchema is one entry of a Connect struct schema.
type fieldSchema struct {
	field    string
	typ      string
	name     string
	optional bool
	params   gjson.Result
}

func parseFieldSchema(r gjson.Result) fieldSchema {
	return fieldSchema{
		field:    r.Get("field").String(),
		typ:      r.Get("type").String(),
		name:     r.Get("name").String(),
		optional: r.Get("optional").Bool(),
		params:   r.Get("parameters"),
	}
}

// objectMembers indexes a JSON object by key, keeping document order.
func objectMembers(obj gjson.Result) ([]string, map[string]gjson.Result) {
	var keys []string
	members := make(map[string]gjson.Result)
	obj.ForEach(func(k, v gjson.Result) bool {
		keys = append(keys, k.String())
		members[k.String()] = v
		return true
	})
	return keys, members
}

// structWithSchema decodes value against a Connect struct schema.
func structWithSchema(schema, value gjson.Result) (*Struct, error) {
	st := &Struct{name: schema.Get("name").String(), values: make(map[string]any)}
	_, members := objectMembers(value)

	for _, fr := range schema.Get("fields").Array() {
		fs := parseFieldSchema(fr)
		typ := connectType(fs)
		v, err := connectValue(fs, members[fs.field])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fs.field, err)
		}
		st.add(delta.Field{Name: fs.field, Type: typ, Nullable: fs.optional}, v)
	}
	return st, nil
}

// structSchemaless infers field types from JSON values. Every field is
// nullable since nothing says otherwise.
func structSchemaless(name string, value gjson.Result) *Struct {
	st := &Struct{name: name, values: make(map[string]any)}
	keys, members := objectMembers(value)

	for _, k := range keys {
		v := members[k]
		field := delta.Field{Name: k, Type: delta.TypeString, Nullable: true}
		var val any
		switch v.Type {
		case gjson.Null:
		case gjson.True, gjson.False:
			field.Type = delta.TypeBoolean
			val = v.Bool()
		case gjson.Number:
			if strings.ContainsAny(v.Raw, ".eE") {
				field.Type = delta.TypeDouble
				val = v.Float()
			} else {
				field.Type = delta.TypeLong
				val = v.Int()
			}
		case gjson.String:
			val = v.String()
		default:
			val = v.Raw
		}
		st.add(field, val)
	}
	return st
}

func connectType(fs fieldSchema) delta.Type {
	switch fs.name {
	case connectDate, debeziumDate:
		return delta.TypeDate
	case connectTime, debeziumTime, debeziumMicroTime, debeziumNanoTime:
		return delta.TypeTime
	case connectTimestamp, debeziumTimestamp, debeziumMicroTimestamp, debeziumNanoTimestamp, debeziumZonedTimestamp:
		return delta.TypeTimestamp
	case connectDecimal:
		return delta.TypeDecimal
	}

	switch fs.typ {
	case "int8", "int16", "int32":
		return delta.TypeInt
	case "int64":
		return delta.TypeLong
	case "float", "float32":
		return delta.TypeFloat
	case "double", "float64":
		return delta.TypeDouble
	case "boolean":
		return delta.TypeBoolean
	case "bytes":
		return delta.TypeBytes
	default:
		return delta.TypeString
	}
}

func connectValue(fs fieldSchema, v gjson.Result) (any, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}

	switch fs.name {
	case connectDate, debeziumDate:
		days, err := integer(v, 32)
		if err != nil {
			return nil, err
		}
		return time.Unix(days*86400, 0).UTC(), nil
	case connectTime, debeziumTime:
		ms, err := integer(v, 32)
		if err != nil {
			return nil, err
		}
		return time.Duration(ms) * time.Millisecond, nil
	case debeziumMicroTime:
		us, err := integer(v, 64)
		if err != nil {
			return nil, err
		}
		return time.Duration(us) * time.Microsecond, nil
	case debeziumNanoTime:
		ns, err := integer(v, 64)
		if err != nil {
			return nil, err
		}
		return time.Duration(ns), nil
	case connectTimestamp, debeziumTimestamp:
		ms, err := integer(v, 64)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(ms).UTC(), nil
	case debeziumMicroTimestamp:
		us, err := integer(v, 64)
		if err != nil {
			return nil, err
		}
		return time.UnixMicro(us).UTC(), nil
	case debeziumNanoTimestamp:
		ns, err := integer(v, 64)
		if err != nil {
			return nil, err
		}
		return time.Unix(0, ns).UTC(), nil
	case debeziumZonedTimestamp:
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return nil, fmt.Errorf("invalid zoned timestamp %q: %w", v.String(), err)
		}
		return t.UTC(), nil
	case connectDecimal:
		return decimal(v.String(), fs.params.Get("scale").Int())
	}

	switch fs.typ {
	case "int8", "int16", "int32":
		n, err := integer(v, 32)
		return int32(n), err
	case "int64":
		return integer(v, 64)
	case "float", "float32":
		return float32(v.Float()), nil
	case "double", "float64":
		return v.Float(), nil
	case "boolean":
		return v.Bool(), nil
	case "bytes":
		b, err := base64.StdEncoding.DecodeString(v.String())
		if err != nil {
			return nil, fmt.Errorf("invalid bytes: %w", err)
		}
		return b, nil
	case "string":
		return v.String(), nil
	default:
		// Nested structs, arrays and maps are kept as their JSON text.
		return v.Raw, nil
	}
}

func integer(v gjson.Result, bits int) (int64, error) {
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("expected number, got %s", v.Type)
	}
	n, err := strconv.ParseInt(v.Raw, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid int%d %s: %w", bits, v.Raw, err)
	}
	return n, nil
}

// decimal renders a Connect Decimal: base64 big-endian two's complement
// unscaled value with the scale from the schema parameters.
func decimal(encoded string, scale int64) (string, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid decimal: %w", err)
	}

	unscaled := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		unscaled.Sub(unscaled, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}

	return formatDecimal(unscaled, int(scale)), nil
}

func formatDecimal(unscaled *big.Int, scale int) string {
	neg := unscaled.Sign() < 0
	digits := new(big.Int).Abs(unscaled).String()

	if scale > 0 {
		if len(digits) <= scale {
			digits = strings.Repeat("0", scale-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	} else if scale < 0 {
		digits += strings.Repeat("0", -scale)
	}

	if neg {
		return "-" + digits
	}
	return digits
}
