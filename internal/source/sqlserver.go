package source

import (
	"net"
	"net/url"
	"strconv"

	_ "github.com/denisenkom/go-mssqldb"

	"github.com/deltaflow/deltaflow/internal/delta"
)

// SQL Server CDC coordinates.
const (
	SQLServerChangeLSN     = "change_lsn"
	SQLServerCommitLSN     = "commit_lsn"
	SQLServerEventSerialNo = "event_serial_no"
)

const defaultSQLServerSchema = "dbo"

// SQLServer tracks log sequence numbers read from the CDC change tables.
type SQLServer struct{ base }

func NewSQLServer() SQLServer { return SQLServer{base: sqlserverBase} }

var sqlserverBase = base{
	fields: []offsetField{
		{key: SQLServerChangeLSN, scope: fromSource},
		{key: SQLServerCommitLSN, scope: fromSource},
		{key: SQLServerEventSerialNo, scope: fromSource},
		{key: KeySnapshot, scope: fromOffset},
		{key: KeySnapshotCompleted, scope: fromOffset},
	},
	requireSource: true,
}

func (SQLServer) Engine() Engine { return EngineSQLServer }

func (d SQLServer) Bootstrap(offset delta.Offset, tables []delta.TableSpec) map[string]string {
	return d.bootstrap(offset, qualified(tables, func(t delta.TableSpec) string {
		if t.Schema == "" {
			return defaultSQLServerSchema
		}
		return t.Schema
	}))
}

func (SQLServer) DriverName() string { return "sqlserver" }

func (SQLServer) DSN(conn ConnConfig) string {
	q := url.Values{}
	q.Set("database", conn.Database)
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(conn.User, conn.Password),
		Host:     net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port)),
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (SQLServer) TableQuery(t delta.SourceTable) (string, []any) {
	schema := t.Schema
	if schema == "" {
		schema = defaultSQLServerSchema
	}
	return "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_CATALOG = @p1 AND TABLE_SCHEMA = @p2 AND TABLE_NAME = @p3",
		[]any{t.Database, schema, t.Table}
}
