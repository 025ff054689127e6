package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// encode renders a position value as bytes: numbers in decimal, booleans as
// "true"/"false", strings verbatim. Nil is reported as absent.
func encode(v any) ([]byte, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		return []byte(val), true
	case []byte:
		return append([]byte(nil), val...), true
	case bool:
		return []byte(strconv.FormatBool(val)), true
	case int:
		return []byte(strconv.FormatInt(int64(val), 10)), true
	case int32:
		return []byte(strconv.FormatInt(int64(val), 10)), true
	case int64:
		return []byte(strconv.FormatInt(val, 10)), true
	case uint32:
		return []byte(strconv.FormatUint(uint64(val), 10)), true
	case uint64:
		return []byte(strconv.FormatUint(val, 10)), true
	case float32:
		return []byte(strconv.FormatFloat(float64(val), 'f', -1, 32)), true
	case float64:
		return []byte(strconv.FormatFloat(val, 'f', -1, 64)), true
	case json.Number:
		return []byte(val.String()), true
	case fmt.Stringer:
		return []byte(val.String()), true
	}
	return []byte(fmt.Sprint(v)), true
}

// truthy reads a snapshot marker. Debezium emits booleans in older releases
// and "true", "first", "last" and friends in newer ones; "false" and
// "incremental" are not part of an initial snapshot.
func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return snapshotMarker(val)
	case []byte:
		return snapshotMarker(string(val))
	}
	return false
}

func snapshotMarker(s string) bool {
	switch strings.ToLower(s) {
	case "true", "first", "first_in_data_collection", "last", "last_in_data_collection":
		return true
	}
	return false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
