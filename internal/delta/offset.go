package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type offsetEntry struct {
	key   string
	value []byte
}

// Offset is the canonical, serializable capture position: an ordered mapping
// from key to bytes. The zero value is an empty offset.
type Offset struct {
	entries []offsetEntry
}

// Put sets key to value, keeping the original position of an existing key.
func (o *Offset) Put(key string, value []byte) {
	v := append([]byte(nil), value...)
	for i := range o.entries {
		if o.entries[i].key == key {
			o.entries[i].value = v
			return
		}
	}
	o.entries = append(o.entries, offsetEntry{key: key, value: v})
}

func (o Offset) Get(key string) ([]byte, bool) {
	for _, e := range o.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// GetString returns the value for key as a string, or def when absent.
func (o Offset) GetString(key, def string) string {
	if v, ok := o.Get(key); ok {
		return string(v)
	}
	return def
}

func (o Offset) Keys() []string {
	keys := make([]string, len(o.entries))
	for i, e := range o.entries {
		keys[i] = e.key
	}
	return keys
}

func (o Offset) Len() int { return len(o.entries) }

func (o Offset) IsEmpty() bool { return len(o.entries) == 0 }

func (o Offset) Equal(other Offset) bool {
	if len(o.entries) != len(other.entries) {
		return false
	}
	for i := range o.entries {
		if o.entries[i].key != other.entries[i].key || !bytes.Equal(o.entries[i].value, other.entries[i].value) {
			return false
		}
	}
	return true
}

func (o Offset) Clone() Offset {
	var c Offset
	for _, e := range o.entries {
		c.Put(e.key, e.value)
	}
	return c
}

func (o Offset) String() string {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, e := range o.entries {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", e.key, e.value)
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON writes the offset as an object in key order.
func (o Offset) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, e := range o.entries {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(string(e.value))
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (o *Offset) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		o.entries = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("offset must be a JSON object")
	}

	var out Offset
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("offset key must be a string")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("offset value for %q: %w", key, err)
		}
		out.Put(key, []byte(value))
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*o = out
	return nil
}
