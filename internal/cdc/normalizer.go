package cdc

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deltaflow/deltaflow/internal/convert"
	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/metrics"
	"github.com/deltaflow/deltaflow/internal/snapshot"
	"github.com/deltaflow/deltaflow/internal/source"
)

type NormalizerConfig struct {
	Dialect  source.Dialect
	Database string
	// Tables is the allow-list. Empty accepts every table.
	Tables    []delta.TableSpec
	Converter *convert.Converter
	Emitter   Emitter
	Metrics   *metrics.Metrics
	Logger    *zerolog.Logger
}

// Normalizer turns raw change records of one source engine into canonical
// events. It owns its snapshot tracker and must only be called from the
// capture engine's delivery goroutine.
type Normalizer struct {
	dialect   source.Dialect
	engine    string
	// database names records whose source block carries no db.
	database  string
	tables    map[delta.SourceTable]delta.TableSpec
	converter *convert.Converter
	emitter   Emitter
	tracker   *snapshot.Tracker
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewNormalizer(cfg *NormalizerConfig) *Normalizer {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	converter := cfg.Converter
	if converter == nil {
		converter = convert.New(nil)
	}

	n := &Normalizer{
		dialect:   cfg.Dialect,
		engine:    string(cfg.Dialect.Engine()),
		database:  cfg.Database,
		tables:    make(map[delta.SourceTable]delta.TableSpec, len(cfg.Tables)),
		converter: converter,
		emitter:   cfg.Emitter,
		tracker:   snapshot.NewTracker(),
		metrics:   cfg.Metrics,
		log:       logger.With().Str("engine", string(cfg.Dialect.Engine())).Logger(),
	}

	for _, t := range cfg.Tables {
		n.tables[t.SourceTable] = t
	}

	return n
}

// Process normalizes one record, emitting at most one DDL event followed by at
// most one DML event. Records that cannot be normalized are logged and
// dropped; only emitter failures are returned.
func (n *Normalizer) Process(rec *Record) error {
	n.metrics.Record(n.engine)

	if rec == nil || rec.Payload == nil {
		n.metrics.Skipped(n.engine, ReasonTombstone)
		n.log.Debug().Msg("Skipping record without payload")
		return nil
	}
	payload := rec.Payload
	pos := rec.Position()

	offset := n.dialect.Canonicalize(pos)

	op, err := n.dialect.Classify(payload.Op)
	if err != nil {
		n.skip(ReasonUnknownOp).Err(err).Msgf("Skipping unknown operation type '%s'", payload.Op)
		return nil
	}

	name, schemaName := source.TableOf(pos)
	if name == "" {
		n.skip(ReasonMissingTable).Str("op", string(op)).Msg("Skipping record without source table")
		return nil
	}
	table := delta.SourceTable{Database: source.DatabaseOf(pos, n.database), Table: name, Schema: schemaName}

	spec, ok := n.lookup(table)
	if !ok && table.Database != n.database {
		// engines may report the db under another name, e.g. an Oracle container
		local := table
		local.Database = n.database
		if spec, ok = n.lookup(local); ok {
			table = local
		}
	}
	if !ok {
		n.metrics.Skipped(n.engine, ReasonNotAllowed)
		n.log.Debug().Str("table", table.String()).Msg("Skipping record for table outside the allow-list")
		return nil
	}

	image := payload.After
	if op == delta.OperationDelete {
		image = payload.Before
	}
	if image == nil {
		n.skip(ReasonMissingImage).Str("table", table.String()).Str("op", string(op)).Msg("Skipping record without row image")
		return nil
	}

	rowSchema, row, err := n.converter.Convert(image, convert.Projection{Include: spec.Columns, Exclude: spec.ExcludedColumns})
	if err != nil {
		n.skip(ReasonConversion).Err(err).Str("table", table.String()).Msg("Skipping record that could not be converted")
		return nil
	}

	if n.tracker.ShouldEmitDDL(table, n.dialect.Snapshot(pos)) {
		n.log.Info().Str("table", table.Table).Str("database", table.Database).Strs("columns", rowSchema.FieldNames()).Msg("Snapshotting for table started")

		pk, dropped := primaryKey(rec.Key, rowSchema)
		if len(dropped) > 0 {
			n.log.Warn().Str("table", table.String()).Strs("columns", dropped).Msg("Primary key columns excluded from the row are left out of the key")
		}

		ddl := &delta.DDLEvent{
			Database:   table.Database,
			TableName:  table.Table,
			SchemaName: table.Schema,
			Operation:  delta.CreateTable,
			Schema:     rowSchema,
			PrimaryKey: pk,
			Offset:     offset,
		}
		if err := n.emitter.Emit(ddl); err != nil {
			return FatalError.New("failed to emit DDL event for %s: %v", table, err)
		}
		n.metrics.DDL(n.engine)
		n.metrics.Tracked(n.engine, n.tracker.Len())
	}

	dml := &delta.DMLEvent{
		Database:      table.Database,
		TableName:     table.Table,
		SchemaName:    table.Schema,
		Operation:     op,
		Row:           row,
		TransactionID: n.dialect.TransactionID(pos),
		IngestTime:    ingestTime(payload.Timestamp),
		Offset:        offset,
	}
	if err := n.emitter.Emit(dml); err != nil {
		return FatalError.New("failed to emit %s event for %s: %v", op, table, err)
	}
	n.metrics.DML(n.engine, string(op))

	if op != delta.OperationDelete && n.dialect.SnapshotCompleted(pos) {
		n.log.Info().Str("table", table.Table).Str("database", table.Database).Msg("Snapshotting for table completed")
	}

	return nil
}

// Tracker exposes the session's tracking state. It shares the normalizer's
// single-goroutine restriction.
func (n *Normalizer) Tracker() *snapshot.Tracker {
	return n.tracker
}

func (n *Normalizer) skip(reason string) *zerolog.Event {
	n.metrics.Skipped(n.engine, reason)
	return n.log.Warn().Str("reason", reason)
}

// lookup finds the allow-list entry for table. Entries without a schema match
// the table in any schema.
func (n *Normalizer) lookup(table delta.SourceTable) (delta.TableSpec, bool) {
	if len(n.tables) == 0 {
		return delta.TableSpec{SourceTable: table}, true
	}
	if spec, ok := n.tables[table]; ok {
		return spec, true
	}
	spec, ok := n.tables[delta.SourceTable{Database: table.Database, Table: table.Table}]
	return spec, ok
}

// primaryKey lists the key's fields in key order, keeping only the columns
// the row schema has. dropped names the rest.
func primaryKey(key convert.Struct, schema *delta.Schema) (pk, dropped []string) {
	pk = []string{}
	for _, name := range convert.FieldNames(key) {
		if _, ok := schema.Field(name); ok {
			pk = append(pk, name)
		} else {
			dropped = append(dropped, name)
		}
	}
	return pk, dropped
}

func ingestTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
