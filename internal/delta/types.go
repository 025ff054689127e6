package delta

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

type DDLOperation string

// CreateTable is the only schema operation synthesized from a change stream.
const CreateTable DDLOperation = "CREATE_TABLE"

var ErrUnrecognizedOperation = errors.New("unrecognized operation")

// ClassifyOperation maps a capture engine operation code onto a canonical
// operation. Snapshot reads are inserts.
func ClassifyOperation(code string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "c", "r", "create", "read", "insert":
		return OperationInsert, nil
	case "u", "update":
		return OperationUpdate, nil
	case "d", "delete":
		return OperationDelete, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnrecognizedOperation, code)
}

// SourceTable identifies a captured table. It is comparable and safe to use
// as a map key.
type SourceTable struct {
	Database string
	Table    string
	Schema   string
}

func (t SourceTable) String() string {
	if t.Schema == "" {
		return t.Database + "." + t.Table
	}
	return t.Database + "." + t.Schema + "." + t.Table
}

// TableSpec is one entry of a session's table allow-list.
type TableSpec struct {
	SourceTable
	Columns         []string
	ExcludedColumns []string
}

type Event interface {
	Table() SourceTable
	Position() Offset
}

type DDLEvent struct {
	Database   string
	TableName  string
	SchemaName string
	Operation  DDLOperation
	Schema     *Schema
	PrimaryKey []string
	Offset     Offset
}

func (e *DDLEvent) Table() SourceTable {
	return SourceTable{Database: e.Database, Table: e.TableName, Schema: e.SchemaName}
}

func (e *DDLEvent) Position() Offset { return e.Offset }

type DMLEvent struct {
	Database      string
	TableName     string
	SchemaName    string
	Operation     Operation
	Row           *Row
	TransactionID *string
	IngestTime    *time.Time
	Offset        Offset
}

func (e *DMLEvent) Table() SourceTable {
	return SourceTable{Database: e.Database, Table: e.TableName, Schema: e.SchemaName}
}

func (e *DMLEvent) Position() Offset { return e.Offset }
