// Package sink delivers normalized events downstream.
package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deltaflow/deltaflow/internal/delta"
)

// message is the wire form of an event.
type message struct {
	Kind          string         `json:"kind"`
	Database      string         `json:"database"`
	Table         string         `json:"table"`
	Schema        string         `json:"schema,omitempty"`
	Operation     string         `json:"operation"`
	Fields        []delta.Field  `json:"fields,omitempty"`
	PrimaryKey    []string       `json:"primary_key,omitempty"`
	Row           map[string]any `json:"row,omitempty"`
	TransactionID *string        `json:"transaction_id,omitempty"`
	IngestTime    *time.Time     `json:"ingest_time,omitempty"`
	Offset        delta.Offset   `json:"offset"`
}

// Encode renders an event as one JSON object.
func Encode(event delta.Event) ([]byte, error) {
	var msg message

	switch e := event.(type) {
	case *delta.DDLEvent:
		msg = message{
			Kind:       "ddl",
			Database:   e.Database,
			Table:      e.TableName,
			Schema:     e.SchemaName,
			Operation:  string(e.Operation),
			PrimaryKey: e.PrimaryKey,
			Offset:     e.Offset,
		}
		if e.Schema != nil {
			msg.Fields = e.Schema.Fields
		}
	case *delta.DMLEvent:
		msg = message{
			Kind:          "dml",
			Database:      e.Database,
			Table:         e.TableName,
			Schema:        e.SchemaName,
			Operation:     string(e.Operation),
			TransactionID: e.TransactionID,
			IngestTime:    e.IngestTime,
			Offset:        e.Offset,
		}
		if e.Row != nil {
			msg.Row = e.Row.Values
		}
	default:
		return nil, fmt.Errorf("unsupported event type %T", event)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
