package cdc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/metrics"
	"github.com/deltaflow/deltaflow/internal/source"
)

var customers = delta.TableSpec{SourceTable: delta.SourceTable{Database: "testdb", Table: "customers", Schema: "dbo"}}

func newTestNormalizer(t *testing.T, emitter Emitter, tables ...delta.TableSpec) (*Normalizer, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	n := NewNormalizer(&NormalizerConfig{
		Dialect:  source.NewSQLServer(),
		Database: "testdb",
		Tables:   tables,
		Emitter:  emitter,
		Metrics:  m,
	})
	return n, m
}

// metricSum adds up every sample of the named family.
func metricSum(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			sum += metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
		}
	}
	return sum
}

func TestNormalizerCustomersSnapshot(t *testing.T) {
	emitter := &recordingEmitter{}
	n, _ := newTestNormalizer(t, emitter, customers)

	alice := customerRow(0, "alice", day(1970, 1, 1))
	bob := customerRow(1, "bob", day(1971, 1, 1))

	require.NoError(t, n.Process(sqlServerRecord("r", true, nil, alice, customerKey(0))))
	require.NoError(t, n.Process(sqlServerRecord("r", "last", nil, bob, customerKey(1))))

	events := emitter.Events()
	require.Len(t, events, 3)

	ddl, ok := events[0].(*delta.DDLEvent)
	require.True(t, ok, "first event must be DDL, got %T", events[0])
	assert.Equal(t, delta.CreateTable, ddl.Operation)
	assert.Equal(t, "customers", ddl.TableName)
	assert.Equal(t, "dbo", ddl.SchemaName)
	assert.Equal(t, []string{"id"}, ddl.PrimaryKey)
	assert.Equal(t, customerFields, ddl.Schema.Fields)

	for i, want := range []*fakeStruct{alice, bob} {
		dml, ok := events[i+1].(*delta.DMLEvent)
		require.True(t, ok)
		assert.Equal(t, delta.OperationInsert, dml.Operation)
		assert.Equal(t, want.values["id"], dml.Row.Get("id"))
		assert.Equal(t, want.values["name"], dml.Row.Get("name"))
		assert.Equal(t, want.values["bday"], dml.Row.Get("bday"))
		assert.Nil(t, dml.TransactionID)
		assert.Equal(t, "00000025:00000d98:0002", dml.Offset.GetString("change_lsn", ""))
	}
}

func TestNormalizerDDLPrecedesDMLOncePerTable(t *testing.T) {
	emitter := &recordingEmitter{}
	n, m := newTestNormalizer(t, emitter)

	orders := func(op string, snap any) *Record {
		rec := sqlServerRecord(op, snap, nil, customerRow(7, "x", day(2000, 1, 1)), customerKey(7))
		rec.Payload.Source["table"] = "orders"
		return rec
	}

	records := []*Record{
		sqlServerRecord("r", true, nil, customerRow(0, "alice", day(1970, 1, 1)), customerKey(0)),
		orders("r", true),
		sqlServerRecord("r", true, nil, customerRow(1, "bob", day(1971, 1, 1)), customerKey(1)),
		orders("u", nil),
		sqlServerRecord("u", nil, nil, customerRow(1, "bobby", day(1971, 1, 1)), customerKey(1)),
		sqlServerRecord("r", true, nil, customerRow(2, "carl", day(1972, 1, 1)), customerKey(2)),
	}
	for _, rec := range records {
		require.NoError(t, n.Process(rec))
	}

	ddlCount := map[string]int{}
	sawDML := map[string]bool{}
	for _, e := range emitter.Events() {
		table := e.Table().Table
		switch e.(type) {
		case *delta.DDLEvent:
			ddlCount[table]++
			assert.False(t, sawDML[table], "DDL for %s after DML", table)
		case *delta.DMLEvent:
			sawDML[table] = true
		}
	}
	assert.Equal(t, 1, ddlCount["customers"])
	assert.Equal(t, 1, ddlCount["orders"])
	assert.Equal(t, 2, n.Tracker().Len())
	assert.Equal(t, float64(2), metricSum(t, m, metrics.TrackedTables))
}

func TestNormalizerUnknownOperation(t *testing.T) {
	emitter := &recordingEmitter{}
	n, m := newTestNormalizer(t, emitter, customers)

	rec := sqlServerRecord("t", true, nil, customerRow(0, "alice", day(1970, 1, 1)), customerKey(0))
	require.NoError(t, n.Process(rec))

	assert.Empty(t, emitter.Events())
	assert.Zero(t, n.Tracker().Len())
	assert.Equal(t, float64(1), metricSum(t, m, metrics.RecordsSkip))
}

func TestNormalizerDeleteUsesBeforeImage(t *testing.T) {
	emitter := &recordingEmitter{}
	n, _ := newTestNormalizer(t, emitter, customers)

	before := customerRow(3, "carol", day(1990, 5, 6))
	require.NoError(t, n.Process(sqlServerRecord("d", nil, before, nil, customerKey(3))))

	events := emitter.Events()
	require.Len(t, events, 1)
	dml := events[0].(*delta.DMLEvent)
	assert.Equal(t, delta.OperationDelete, dml.Operation)
	assert.Equal(t, "carol", dml.Row.Get("name"))
	assert.Equal(t, int32(3), dml.Row.Get("id"))
}

func TestNormalizerDeleteDuringSnapshotDerivesSchemaFromBefore(t *testing.T) {
	emitter := &recordingEmitter{}
	n, _ := newTestNormalizer(t, emitter, customers)

	before := customerRow(3, "carol", day(1990, 5, 6))
	require.NoError(t, n.Process(sqlServerRecord("d", true, before, nil, customerKey(3))))

	events := emitter.Events()
	require.Len(t, events, 2)
	ddl := events[0].(*delta.DDLEvent)
	assert.Equal(t, customerFields, ddl.Schema.Fields)
}

func TestNormalizerTombstone(t *testing.T) {
	emitter := &recordingEmitter{}
	n, m := newTestNormalizer(t, emitter, customers)

	require.NoError(t, n.Process(&Record{Key: customerKey(0), Offset: map[string]any{"snapshot": true}}))
	require.NoError(t, n.Process(nil))

	assert.Empty(t, emitter.Events())
	assert.Zero(t, n.Tracker().Len())
	assert.Equal(t, float64(2), metricSum(t, m, metrics.RecordsSkip))
}

func TestNormalizerSkipsWithoutTrackerMutation(t *testing.T) {
	tests := []struct {
		name   string
		record func() *Record
	}{
		{
			name: "missing table",
			record: func() *Record {
				rec := sqlServerRecord("r", true, nil, customerRow(0, "a", day(1970, 1, 1)), customerKey(0))
				delete(rec.Payload.Source, "table")
				return rec
			},
		},
		{
			name: "missing source",
			record: func() *Record {
				rec := sqlServerRecord("r", true, nil, customerRow(0, "a", day(1970, 1, 1)), customerKey(0))
				rec.Payload.Source = nil
				return rec
			},
		},
		{
			name: "outside allow-list",
			record: func() *Record {
				rec := sqlServerRecord("r", true, nil, customerRow(0, "a", day(1970, 1, 1)), customerKey(0))
				rec.Payload.Source["table"] = "orders"
				return rec
			},
		},
		{
			name: "missing after image",
			record: func() *Record {
				return sqlServerRecord("c", true, customerRow(0, "a", day(1970, 1, 1)), nil, customerKey(0))
			},
		},
		{
			name: "conversion failure",
			record: func() *Record {
				row := customerRow(0, "a", day(1970, 1, 1))
				delete(row.values, "bday")
				return sqlServerRecord("r", true, nil, row, customerKey(0))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emitter := &recordingEmitter{}
			n, _ := newTestNormalizer(t, emitter, customers)

			require.NoError(t, n.Process(tt.record()))
			assert.Empty(t, emitter.Events())
			assert.Zero(t, n.Tracker().Len())
		})
	}
}

func TestNormalizerAllowListIgnoresSchemaWhenUnset(t *testing.T) {
	emitter := &recordingEmitter{}
	spec := delta.TableSpec{
		SourceTable:     delta.SourceTable{Database: "testdb", Table: "customers"},
		ExcludedColumns: []string{"bday"},
	}
	n, _ := newTestNormalizer(t, emitter, spec)

	require.NoError(t, n.Process(sqlServerRecord("r", true, nil, customerRow(0, "alice", day(1970, 1, 1)), customerKey(0))))

	events := emitter.Events()
	require.Len(t, events, 2)
	ddl := events[0].(*delta.DDLEvent)
	assert.Equal(t, []string{"id", "name"}, ddl.Schema.FieldNames())
	dml := events[1].(*delta.DMLEvent)
	assert.Nil(t, dml.Row.Get("bday"))
}

func TestNormalizerEmitFailureIsFatal(t *testing.T) {
	emitter := &recordingEmitter{err: errors.New("sink closed")}
	n, _ := newTestNormalizer(t, emitter, customers)

	err := n.Process(sqlServerRecord("r", true, nil, customerRow(0, "alice", day(1970, 1, 1)), customerKey(0)))
	require.Error(t, err)
	assert.True(t, FatalError.Has(err))
	assert.Contains(t, err.Error(), "sink closed")
}

func TestNormalizerIngestTimeAndTransactionID(t *testing.T) {
	emitter := &recordingEmitter{}
	n := NewNormalizer(&NormalizerConfig{
		Dialect:  source.NewOracle(),
		Database: "ORCLPDB1",
		Emitter:  emitter,
	})

	ts := int64(1700000000123)
	rec := &Record{
		Key: customerKey(1),
		Payload: &Payload{
			Op:        "u",
			After:     customerRow(1, "bob", day(1971, 1, 1)),
			Source:    map[string]any{"table": "CUSTOMERS", "schema": "DEBEZIUM", "scn": "2860458", "txId": "0a001b00c5030000"},
			Timestamp: &ts,
		},
	}
	require.NoError(t, n.Process(rec))

	events := emitter.Events()
	require.Len(t, events, 1)
	dml := events[0].(*delta.DMLEvent)
	require.NotNil(t, dml.TransactionID)
	assert.Equal(t, "0a001b00c5030000", *dml.TransactionID)
	require.NotNil(t, dml.IngestTime)
	assert.Equal(t, ts, dml.IngestTime.UnixMilli())
	assert.Equal(t, []string{"scn"}, dml.Offset.Keys())
}

func TestNormalizerDatabaseFromSource(t *testing.T) {
	sales := delta.TableSpec{SourceTable: delta.SourceTable{Database: "sales", Table: "customers", Schema: "dbo"}}

	emitter := &recordingEmitter{}
	n := NewNormalizer(&NormalizerConfig{
		Dialect:  source.NewSQLServer(),
		Database: "inventory",
		Tables:   []delta.TableSpec{sales},
		Emitter:  emitter,
	})

	rec := sqlServerRecord("r", true, nil, customerRow(0, "alice", day(1970, 1, 1)), customerKey(0))
	rec.Payload.Source["db"] = "sales"
	require.NoError(t, n.Process(rec))

	events := emitter.Events()
	require.Len(t, events, 2)
	ddl, ok := events[0].(*delta.DDLEvent)
	require.True(t, ok)
	assert.Equal(t, sales.SourceTable, ddl.Table())
	dml, ok := events[1].(*delta.DMLEvent)
	require.True(t, ok)
	assert.Equal(t, sales.SourceTable, dml.Table())

	// without a db the record falls back to inventory, which is not allow-listed
	other := sqlServerRecord("r", true, nil, customerRow(1, "bob", day(1971, 1, 1)), customerKey(1))
	require.NoError(t, n.Process(other))
	assert.Len(t, emitter.Events(), 2)
}

func TestNormalizerPrimaryKeyFollowsProjection(t *testing.T) {
	tests := []struct {
		name    string
		spec    delta.TableSpec
		wantPK  []string
		columns []string
	}{
		{
			name:    "all columns",
			spec:    customers,
			wantPK:  []string{"id"},
			columns: []string{"id", "name", "bday"},
		},
		{
			name:    "key column excluded",
			spec:    delta.TableSpec{SourceTable: customers.SourceTable, ExcludedColumns: []string{"id"}},
			wantPK:  []string{},
			columns: []string{"name", "bday"},
		},
		{
			name:    "key column not included",
			spec:    delta.TableSpec{SourceTable: customers.SourceTable, Columns: []string{"name"}},
			wantPK:  []string{},
			columns: []string{"name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emitter := &recordingEmitter{}
			n, _ := newTestNormalizer(t, emitter, tt.spec)

			require.NoError(t, n.Process(sqlServerRecord("r", true, nil, customerRow(0, "alice", day(1970, 1, 1)), customerKey(0))))

			events := emitter.Events()
			require.Len(t, events, 2)
			ddl := events[0].(*delta.DDLEvent)
			assert.Equal(t, tt.wantPK, ddl.PrimaryKey)
			assert.Equal(t, tt.columns, ddl.Schema.FieldNames())
			for _, k := range ddl.PrimaryKey {
				_, ok := ddl.Schema.Field(k)
				assert.True(t, ok, "key column %s missing from schema", k)
			}
		})
	}
}

func TestNormalizerSourceDatabaseFallsBackToSession(t *testing.T) {
	emitter := &recordingEmitter{}
	n, _ := newTestNormalizer(t, emitter, customers)

	rec := sqlServerRecord("r", true, nil, customerRow(0, "alice", day(1970, 1, 1)), customerKey(0))
	rec.Payload.Source["db"] = "TESTDB"
	require.NoError(t, n.Process(rec))

	events := emitter.Events()
	require.Len(t, events, 2)
	assert.Equal(t, customers.SourceTable, events[0].Table())
	assert.Equal(t, customers.SourceTable, events[1].Table())
}
