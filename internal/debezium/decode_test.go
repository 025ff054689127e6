package debezium

import (
	"encoding/json"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/source"
)

const customersKey = `{"schema":{"type":"struct","fields":[{"type":"int32","optional":false,"field":"id"}],"optional":false,"name":"server1.testDB.dbo.customers.Key"},"payload":{"id":0}}`

func TestDecodeWithSchema(t *testing.T) {
	value, err := os.ReadFile("testdata/sqlserver_customers.json")
	require.NoError(t, err)

	rec, err := Decode([]byte(customersKey), value)
	require.NoError(t, err)
	require.NotNil(t, rec.Payload)

	assert.Equal(t, "r", rec.Payload.Op)
	assert.Nil(t, rec.Payload.Before)
	require.NotNil(t, rec.Payload.Timestamp)
	assert.Equal(t, int64(1700000000123), *rec.Payload.Timestamp)

	after := rec.Payload.After
	assert.Equal(t, "server1.testDB.dbo.customers.Value", after.Name())
	assert.Equal(t, []delta.Field{
		{Name: "id", Type: delta.TypeInt},
		{Name: "name", Type: delta.TypeString},
		{Name: "bday", Type: delta.TypeDate, Nullable: true},
	}, after.Fields())

	bday, err := after.Value("bday")
	require.NoError(t, err)
	assert.Equal(t, time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), bday)
	id, err := after.Value("id")
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	require.NotNil(t, rec.Key)
	assert.Equal(t, "server1.testDB.dbo.customers.Key", rec.Key.Name())

	assert.Equal(t, "customers", rec.Payload.Source["table"])
	assert.Nil(t, rec.Payload.Source["change_lsn"])
	assert.Equal(t, true, rec.Offset["snapshot"])

	offset := source.NewSQLServer().Canonicalize(rec.Position())
	assert.Equal(t, []string{"commit_lsn", "snapshot"}, offset.Keys())
}

func TestDecodeSchemaless(t *testing.T) {
	value := `{"before":{"id":3,"name":"carol","score":1.5,"active":true,"tags":["a"]},"after":null,"source":{"file":"mysql-bin.000003","pos":154,"snapshot":"false","db":"inventory","table":"customers"},"op":"d","ts_ms":1700000000000}`

	rec, err := Decode([]byte(`{"id":3}`), []byte(value))
	require.NoError(t, err)

	assert.Equal(t, "d", rec.Payload.Op)
	assert.Nil(t, rec.Payload.After)

	before := rec.Payload.Before
	assert.Equal(t, "inventory.customers.Value", before.Name())
	assert.Equal(t, []delta.Field{
		{Name: "id", Type: delta.TypeLong, Nullable: true},
		{Name: "name", Type: delta.TypeString, Nullable: true},
		{Name: "score", Type: delta.TypeDouble, Nullable: true},
		{Name: "active", Type: delta.TypeBoolean, Nullable: true},
		{Name: "tags", Type: delta.TypeString, Nullable: true},
	}, before.Fields())
	tags, err := before.Value("tags")
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, tags)

	assert.Equal(t, json.Number("154"), rec.Offset["pos"])
	offset := source.NewMySQL().Canonicalize(rec.Position())
	assert.Equal(t, "mysql-bin.000003", offset.GetString("file", ""))
	assert.Equal(t, "154", offset.GetString("pos", ""))
	assert.Equal(t, "false", offset.GetString("snapshot", ""))
}

func TestDecodeTombstone(t *testing.T) {
	for _, value := range []string{"", "null", "  null\n", `{"schema":null,"payload":null}`} {
		rec, err := Decode([]byte(`{"id":1}`), []byte(value))
		require.NoError(t, err)
		assert.Nil(t, rec.Payload, "value %q", value)
		assert.NotNil(t, rec.Key)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, value := range []string{"{", "[1,2]", `{"op":"c","after":5}`} {
		_, err := Decode(nil, []byte(value))
		assert.ErrorIs(t, err, ErrMalformed, "value %q", value)
	}
}

func TestDecodeLastSnapshotRecordDerivesCompletion(t *testing.T) {
	value := `{"after":{"id":1},"source":{"table":"CUSTOMERS","scn":"2860458","snapshot":"last"},"op":"r"}`

	rec, err := Decode(nil, []byte(value))
	require.NoError(t, err)
	assert.Nil(t, rec.Key)
	assert.Equal(t, true, rec.Offset["snapshot_completed"])
	assert.True(t, source.NewOracle().SnapshotCompleted(rec.Position()))
}

func TestConnectValueLogicalTypes(t *testing.T) {
	schema := `{"type":"struct","name":"v","fields":[
		{"type":"int64","name":"io.debezium.time.Timestamp","field":"ts"},
		{"type":"int64","name":"io.debezium.time.MicroTimestamp","field":"mts"},
		{"type":"string","name":"io.debezium.time.ZonedTimestamp","field":"zts"},
		{"type":"int64","name":"io.debezium.time.MicroTime","field":"mt"},
		{"type":"bytes","name":"org.apache.kafka.connect.data.Decimal","parameters":{"scale":"2"},"field":"price"},
		{"type":"bytes","field":"raw"},
		{"type":"int16","field":"small"},
		{"type":"float","field":"ratio"}
	]}`
	payload := `{"ts":1700000000123,"mts":1700000000123456,"zts":"2024-03-01T10:00:00+02:00","mt":3600000000,"price":"MDk=","raw":"AQI=","small":-3,"ratio":0.5}`

	value := `{"schema":{"type":"struct","fields":[` + schemaAs(schema, "after") + `]},"payload":{"op":"c","after":` + payload + `}}`
	rec, err := Decode(nil, []byte(value))
	require.NoError(t, err)

	after := rec.Payload.After
	get := func(name string) any {
		v, err := after.Value(name)
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), get("ts"))
	assert.Equal(t, time.UnixMicro(1700000000123456).UTC(), get("mts"))
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), get("zts"))
	assert.Equal(t, time.Hour, get("mt"))
	assert.Equal(t, "123.45", get("price"))
	assert.Equal(t, []byte{1, 2}, get("raw"))
	assert.Equal(t, int32(-3), get("small"))
	assert.Equal(t, float32(0.5), get("ratio"))

	types := map[string]delta.Type{}
	for _, f := range after.Fields() {
		types[f.Name] = f.Type
	}
	assert.Equal(t, delta.TypeTimestamp, types["zts"])
	assert.Equal(t, delta.TypeDecimal, types["price"])
	assert.Equal(t, delta.TypeTime, types["mt"])
}

// schemaAs names a struct schema as an envelope field.
func schemaAs(schema, field string) string {
	return schema[:len(schema)-1] + `,"optional":true,"field":"` + field + `"}`
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		unscaled int64
		scale    int
		want     string
	}{
		{12345, 2, "123.45"},
		{-12345, 2, "-123.45"},
		{5, 3, "0.005"},
		{0, 2, "0.00"},
		{42, 0, "42"},
		{42, -2, "4200"},
	}

	for _, tt := range tests {
		if got := formatDecimal(big.NewInt(tt.unscaled), tt.scale); got != tt.want {
			t.Errorf("formatDecimal(%d, %d) = %q, want %q", tt.unscaled, tt.scale, got, tt.want)
		}
	}
}

func TestDecimalNegative(t *testing.T) {
	// 0xFF85 is -123 in two's complement.
	got, err := decimal("/4U=", 1)
	require.NoError(t, err)
	assert.Equal(t, "-12.3", got)
}

func TestDecodeLine(t *testing.T) {
	rec, err := DecodeLine([]byte(`{"key":{"id":7},"value":{"after":{"id":7},"source":{"table":"customers"},"op":"c"}}`))
	require.NoError(t, err)
	require.NotNil(t, rec.Key)
	assert.Equal(t, "c", rec.Payload.Op)

	rec, err = DecodeLine([]byte(`{"after":{"id":7},"source":{"table":"customers"},"op":"u"}`))
	require.NoError(t, err)
	assert.Nil(t, rec.Key)
	assert.Equal(t, "u", rec.Payload.Op)

	rec, err = DecodeLine([]byte(`{"key":{"id":7},"value":null}`))
	require.NoError(t, err)
	assert.Nil(t, rec.Payload)
}
