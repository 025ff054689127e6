package source

import (
	"strings"

	go_ora "github.com/sijms/go-ora/v2"

	"github.com/deltaflow/deltaflow/internal/delta"
)

// Oracle log miner coordinates.
const (
	OracleSCN         = "scn"
	OracleLCRPosition = "lcr_position"
)

// Oracle tracks the system change number and LCR position. Both live in the
// payload's source map, so a record without one has no offset at all.
type Oracle struct{ base }

func NewOracle() Oracle { return Oracle{base: oracleBase} }

var oracleBase = base{
	fields: []offsetField{
		{key: OracleSCN, scope: fromSource},
		{key: OracleLCRPosition, scope: fromSource},
		{key: KeySnapshot, scope: fromSource},
		{key: KeySnapshotCompleted, scope: fromOffset},
	},
	requireSource: true,
	txKey:         "txId",
}

func (Oracle) Engine() Engine { return EngineOracle }

func (d Oracle) Bootstrap(offset delta.Offset, tables []delta.TableSpec) map[string]string {
	return d.bootstrap(offset, qualified(tables, func(t delta.TableSpec) string { return t.Schema }))
}

func (Oracle) DriverName() string { return "oracle" }

// DSN treats the configured database as the service name.
func (Oracle) DSN(conn ConnConfig) string {
	return go_ora.BuildUrl(conn.Host, conn.Port, conn.Database, conn.User, conn.Password, nil)
}

func (Oracle) TableQuery(t delta.SourceTable) (string, []any) {
	if t.Schema == "" {
		return "SELECT COUNT(*) FROM USER_TABLES WHERE TABLE_NAME = :1", []any{strings.ToUpper(t.Table)}
	}
	return "SELECT COUNT(*) FROM ALL_TABLES WHERE OWNER = :1 AND TABLE_NAME = :2",
		[]any{strings.ToUpper(t.Schema), strings.ToUpper(t.Table)}
}
