package postgres

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/delta"
)

type tableKey struct {
	schema string
	table  string
}

// tableInfo is what pgoutput does not tell us about a table.
type tableInfo struct {
	notNull    map[string]bool
	primaryKey []string
}

// decoder turns pgoutput messages into change records. One decoder serves one
// replication stream.
type decoder struct {
	database  string
	typeMap   *pgtype.Map
	relations map[uint32]*pglogrepl.RelationMessage
	catalog   map[tableKey]*tableInfo

	xid        uint32
	commitTime time.Time
}

func newDecoder(database string, catalog map[tableKey]*tableInfo) *decoder {
	if catalog == nil {
		catalog = make(map[tableKey]*tableInfo)
	}
	return &decoder{
		database:  database,
		typeMap:   pgtype.NewMap(),
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		catalog:   catalog,
	}
}

// decode returns the record for a row change, or nil for protocol messages
// that carry no row.
func (d *decoder) decode(msg pglogrepl.Message, lsn pglogrepl.LSN) (*cdc.Record, error) {
	switch msg := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[msg.RelationID] = msg
		return nil, nil

	case *pglogrepl.BeginMessage:
		d.xid = msg.Xid
		d.commitTime = msg.CommitTime
		return nil, nil

	case *pglogrepl.InsertMessage:
		rel, err := d.relation(msg.RelationID)
		if err != nil {
			return nil, err
		}
		after, err := d.tuple(rel, msg.Tuple, "Value")
		if err != nil {
			return nil, err
		}
		return d.record(rel, "c", nil, after, lsn), nil

	case *pglogrepl.UpdateMessage:
		rel, err := d.relation(msg.RelationID)
		if err != nil {
			return nil, err
		}
		after, err := d.tuple(rel, msg.NewTuple, "Value")
		if err != nil {
			return nil, err
		}
		var before *Row
		if msg.OldTuple != nil {
			if before, err = d.tuple(rel, msg.OldTuple, "Value"); err != nil {
				return nil, err
			}
		}
		return d.record(rel, "u", before, after, lsn), nil

	case *pglogrepl.DeleteMessage:
		rel, err := d.relation(msg.RelationID)
		if err != nil {
			return nil, err
		}
		var before *Row
		if msg.OldTuple != nil {
			if before, err = d.tuple(rel, msg.OldTuple, "Value"); err != nil {
				return nil, err
			}
		}
		return d.record(rel, "d", before, nil, lsn), nil

	case *pglogrepl.TruncateMessage:
		// Emitted as an unrecognized op so it is logged and skipped.
		if len(msg.RelationIDs) == 0 {
			return nil, nil
		}
		rel, err := d.relation(msg.RelationIDs[0])
		if err != nil {
			return nil, err
		}
		return d.record(rel, "t", nil, nil, lsn), nil
	}

	return nil, nil
}

func (d *decoder) relation(id uint32) (*pglogrepl.RelationMessage, error) {
	rel, ok := d.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID: %d", id)
	}
	return rel, nil
}

func (d *decoder) recordName(schema, table, suffix string) string {
	return d.database + "." + schema + "." + table + "." + suffix
}

func (d *decoder) tuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData, suffix string) (*Row, error) {
	row := newRow(d.recordName(rel.Namespace, rel.RelationName, suffix))
	if tuple == nil {
		return row, nil
	}
	info := d.catalog[tableKey{rel.Namespace, rel.RelationName}]

	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			return nil, fmt.Errorf("tuple for %s has more columns than its relation", rel.RelationName)
		}
		relCol := rel.Columns[i]
		field := delta.Field{
			Name:     relCol.Name,
			Type:     fieldType(relCol.DataType),
			Nullable: info == nil || !info.notNull[relCol.Name],
		}

		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			row.add(field, nil)
		case pglogrepl.TupleDataTypeToast:
			// Unchanged TOAST value; not sent by the server.
			continue
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			format := int16(pgtype.TextFormatCode)
			if col.DataType == pglogrepl.TupleDataTypeBinary {
				format = pgtype.BinaryFormatCode
			}
			raw, err := decodeColumn(d.typeMap, relCol.DataType, format, col.Data)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", relCol.Name, err)
			}
			v, err := canonical(raw, field.Type)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", relCol.Name, err)
			}
			row.add(field, v)
		}
	}

	return row, nil
}

// key builds the key row from the replica identity columns.
func (d *decoder) key(rel *pglogrepl.RelationMessage, image *Row) *Row {
	var columns []string
	for _, col := range rel.Columns {
		if col.Flags == 1 {
			columns = append(columns, col.Name)
		}
	}
	if len(columns) == 0 {
		if info := d.catalog[tableKey{rel.Namespace, rel.RelationName}]; info != nil {
			columns = info.primaryKey
		}
	}
	return image.project(d.recordName(rel.Namespace, rel.RelationName, "Key"), columns)
}

func (d *decoder) record(rel *pglogrepl.RelationMessage, op string, before, after *Row, lsn pglogrepl.LSN) *cdc.Record {
	payload := &cdc.Payload{
		Op: op,
		Source: map[string]any{
			"db":     d.database,
			"table":  rel.RelationName,
			"schema": rel.Namespace,
			"lsn":    lsn.String(),
			"txId":   strconv.FormatUint(uint64(d.xid), 10),
		},
	}
	if !d.commitTime.IsZero() {
		ts := d.commitTime.UnixMilli()
		payload.Timestamp = &ts
	}

	image := after
	if before != nil {
		payload.Before = before
	}
	if after != nil {
		payload.After = after
	} else {
		image = before
	}

	rec := &cdc.Record{Payload: payload, Offset: map[string]any{}}
	if image != nil {
		rec.Key = d.key(rel, image)
	}
	return rec
}
