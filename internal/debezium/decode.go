// Package debezium decodes Debezium change event envelopes serialized with the
// Kafka Connect JSON converter, with or without embedded schemas.
package debezium

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/source"
)

var ErrMalformed = errors.New("malformed change event")

// Decode parses one message. An empty or null value is a tombstone and yields
// a record with no payload.
func Decode(key, value []byte) (*cdc.Record, error) {
	rec := &cdc.Record{}

	k, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	if k != nil {
		rec.Key = k
	}

	if isNull(value) {
		return rec, nil
	}
	if !gjson.ValidBytes(value) {
		return nil, fmt.Errorf("%w: value is not valid JSON", ErrMalformed)
	}

	root := gjson.ParseBytes(value)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: value is not an object", ErrMalformed)
	}

	envelope, schema := root, gjson.Result{}
	if p := root.Get("payload"); p.Exists() && root.Get("schema").Exists() {
		envelope, schema = p, root.Get("schema")
	}
	if envelope.Type == gjson.Null {
		return rec, nil
	}

	payload := &cdc.Payload{
		Op:     envelope.Get("op").String(),
		Source: toMap(envelope.Get("source")),
	}
	if ts := envelope.Get("ts_ms"); ts.Type == gjson.Number {
		ms := ts.Int()
		payload.Timestamp = &ms
	}

	name := recordName(schema, payload.Source)
	for _, image := range []string{"before", "after"} {
		st, err := decodeImage(schema, envelope, image, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, image, err)
		}
		if st == nil {
			continue
		}
		if image == "before" {
			payload.Before = st
		} else {
			payload.After = st
		}
	}
	rec.Payload = payload

	if offset := root.Get("offset"); offset.IsObject() {
		rec.Offset = toMap(offset)
	} else {
		rec.Offset = deriveOffset(payload.Source)
	}

	return rec, nil
}

func isNull(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}

func decodeKey(key []byte) (*Struct, error) {
	if isNull(key) {
		return nil, nil
	}
	if !gjson.ValidBytes(key) {
		return nil, fmt.Errorf("%w: key is not valid JSON", ErrMalformed)
	}

	root := gjson.ParseBytes(key)
	if p := root.Get("payload"); p.Exists() && root.Get("schema").Exists() {
		if !p.IsObject() {
			return nil, nil
		}
		st, err := structWithSchema(root.Get("schema"), p)
		if err != nil {
			return nil, fmt.Errorf("%w: key: %v", ErrMalformed, err)
		}
		return st, nil
	}
	if !root.IsObject() {
		return nil, nil
	}
	return structSchemaless("Key", root), nil
}

// decodeImage returns nil when the image is absent or null.
func decodeImage(schema, envelope gjson.Result, image, name string) (*Struct, error) {
	v := envelope.Get(image)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsObject() {
		return nil, fmt.Errorf("expected object, got %s", v.Type)
	}

	if schema.Exists() {
		for _, f := range schema.Get("fields").Array() {
			if f.Get("field").String() == image {
				return structWithSchema(f, v)
			}
		}
	}
	return structSchemaless(name, v), nil
}

// recordName picks the Value struct name from the envelope schema, or builds
// one from the source block.
func recordName(schema gjson.Result, src map[string]any) string {
	for _, f := range schema.Get("fields").Array() {
		if f.Get("field").String() == "after" || f.Get("field").String() == "before" {
			if n := f.Get("name").String(); n != "" {
				return n
			}
		}
	}
	name := ""
	for _, k := range []string{"name", "db", "schema", "table"} {
		if s, ok := src[k].(string); ok && s != "" {
			if name != "" {
				name += "."
			}
			name += s
		}
	}
	return name + ".Value"
}

// deriveOffset builds the position map Debezium would have committed from
// the source block.
func deriveOffset(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	offset := make(map[string]any, len(src)+1)
	for k, v := range src {
		offset[k] = v
	}
	if s, ok := src[source.KeySnapshot].(string); ok && s == "last" {
		offset[source.KeySnapshotCompleted] = true
	}
	return offset
}

// toMap converts a JSON object, keeping numbers as json.Number so large
// positions survive.
func toMap(r gjson.Result) map[string]any {
	if !r.IsObject() {
		return nil
	}
	m := make(map[string]any)
	r.ForEach(func(k, v gjson.Result) bool {
		m[k.String()] = scalar(v)
		return true
	})
	return m
}

func scalar(v gjson.Result) any {
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.Number:
		return json.Number(v.Raw)
	case gjson.String:
		return v.String()
	default:
		if v.IsObject() {
			return toMap(v)
		}
		return v.Raw
	}
}

// DecodeLine parses one line of a capture file. A line is either a bare value
// or an object with "key" and "value" members.
func DecodeLine(line []byte) (*cdc.Record, error) {
	if gjson.ValidBytes(line) {
		k, v := gjson.GetBytes(line, "key"), gjson.GetBytes(line, "value")
		if k.Exists() && v.Exists() {
			return Decode([]byte(k.Raw), []byte(v.Raw))
		}
	}
	return Decode(nil, line)
}
