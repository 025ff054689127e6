// Package source holds the per-engine strategies used by the normalizer:
// which position fields make up a canonical offset, how snapshot markers are
// read, which value corrections apply and how a stored offset is translated
// back into capture engine bootstrap settings.
package source

import (
	"fmt"
	"sort"
	"strings"

	"github.com/deltaflow/deltaflow/internal/convert"
	"github.com/deltaflow/deltaflow/internal/delta"
)

type Engine string

const (
	EngineMySQL     Engine = "mysql"
	EngineOracle    Engine = "oracle"
	EngineSQLServer Engine = "sqlserver"
	EnginePostgres  Engine = "postgres"
)

// Keys shared by several engines.
const (
	KeySnapshot          = "snapshot"
	KeySnapshotCompleted = "snapshot_completed"
	KeyTableIncludeList  = "table.include.list"
)

// Position is the positional metadata of one change record: the engine's
// top-level offset map and the nested source-info map of its payload. Either
// may be nil.
type Position struct {
	Offset map[string]any
	Source map[string]any
}

type Dialect interface {
	Engine() Engine
	Classify(code string) (delta.Operation, error)
	// Canonicalize extracts this engine's offset fields. Absent fields are
	// omitted; absent maps yield an empty offset.
	Canonicalize(pos Position) delta.Offset
	Snapshot(pos Position) bool
	SnapshotCompleted(pos Position) bool
	TransactionID(pos Position) *string
	Adjuster(timeAdjuster bool) convert.TemporalAdjuster
	// Bootstrap is the inverse of Canonicalize: the settings a capture engine
	// needs to resume from offset and capture tables.
	Bootstrap(offset delta.Offset, tables []delta.TableSpec) map[string]string
	DriverName() string
	DSN(conn ConnConfig) string
	TableQuery(t delta.SourceTable) (string, []any)
}

type ConnConfig struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	ServerTimezone string
}

func ForEngine(name string) (Dialect, error) {
	switch Engine(strings.ToLower(name)) {
	case EngineMySQL:
		return NewMySQL(), nil
	case EngineOracle:
		return NewOracle(), nil
	case EngineSQLServer:
		return NewSQLServer(), nil
	case EnginePostgres:
		return NewPostgres(), nil
	}
	return nil, fmt.Errorf("unknown source engine: %s", name)
}

func Engines() []string {
	names := []string{string(EngineMySQL), string(EngineOracle), string(EngineSQLServer), string(EnginePostgres)}
	sort.Strings(names)
	return names
}

// TableOf resolves the table a record belongs to from its source-info map.
func TableOf(pos Position) (table, schema string) {
	return stringField(pos.Source, "table"), stringField(pos.Source, "schema")
}

// DatabaseOf returns the database named by the record's source block, or
// fallback when the engine does not report one.
func DatabaseOf(pos Position, fallback string) string {
	if db := stringField(pos.Source, "db"); db != "" {
		return db
	}
	return fallback
}

type scope int

const (
	fromOffset scope = iota
	fromSource
)

type offsetField struct {
	key   string
	scope scope
}

// base carries the behavior every engine shares. Engines embed it and set the
// field list that distinguishes them.
type base struct {
	fields        []offsetField
	requireSource bool
	txKey         string
}

func (base) Classify(code string) (delta.Operation, error) {
	return delta.ClassifyOperation(code)
}

func (b base) Canonicalize(pos Position) delta.Offset {
	var out delta.Offset
	if pos.Offset == nil && pos.Source == nil {
		return out
	}
	if b.requireSource && pos.Source == nil {
		return out
	}

	for _, f := range b.fields {
		m := pos.Offset
		if f.scope == fromSource {
			m = pos.Source
		}
		v, ok := m[f.key]
		if !ok {
			continue
		}
		if enc, ok := encode(v); ok {
			out.Put(f.key, enc)
		}
	}
	return out
}

func (base) Snapshot(pos Position) bool {
	if v, ok := pos.Offset[KeySnapshot]; ok && v != nil {
		return truthy(v)
	}
	return truthy(pos.Source[KeySnapshot])
}

func (base) SnapshotCompleted(pos Position) bool {
	return truthy(pos.Offset[KeySnapshotCompleted])
}

func (b base) TransactionID(pos Position) *string {
	if b.txKey == "" {
		return nil
	}
	v, ok := pos.Source[b.txKey]
	if !ok {
		return nil
	}
	enc, ok := encode(v)
	if !ok {
		return nil
	}
	s := string(enc)
	return &s
}

func (base) Adjuster(bool) convert.TemporalAdjuster {
	return convert.Passthrough
}

func (b base) bootstrap(offset delta.Offset, includeList string) map[string]string {
	conf := make(map[string]string, len(b.fields)+1)
	for _, f := range b.fields {
		conf[f.key] = offset.GetString(f.key, "")
	}
	conf[KeyTableIncludeList] = includeList
	return conf
}

// qualified joins "<prefix>.<table>" for every table, where prefix is chosen
// per table by the engine.
func qualified(tables []delta.TableSpec, prefix func(delta.TableSpec) string) string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		if p := prefix(t); p != "" {
			names = append(names, p+"."+t.Table)
		} else {
			names = append(names, t.Table)
		}
	}
	return strings.Join(names, ",")
}
