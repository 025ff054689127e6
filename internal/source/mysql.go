package source

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/deltaflow/deltaflow/internal/convert"
	"github.com/deltaflow/deltaflow/internal/delta"
)

// MySQL binlog coordinates.
const (
	MySQLFile = "file"
	MySQLPos  = "pos"
)

// MySQL tracks binlog file and position. Records carry their coordinates in
// the top-level offset map so no nested source map is required.
type MySQL struct{ base }

func NewMySQL() MySQL { return MySQL{base: mysqlBase} }

var mysqlBase = base{
	fields: []offsetField{
		{key: MySQLFile, scope: fromOffset},
		{key: MySQLPos, scope: fromOffset},
		{key: KeySnapshot, scope: fromOffset},
	},
	txKey: "gtid",
}

func (MySQL) Engine() Engine { return EngineMySQL }

// SnapshotCompleted also accepts the "last" marker MySQL puts on the final
// snapshot record.
func (d MySQL) SnapshotCompleted(pos Position) bool {
	if d.base.SnapshotCompleted(pos) {
		return true
	}
	marker, _ := pos.Source[KeySnapshot].(string)
	return strings.EqualFold(marker, "last")
}

func (MySQL) Adjuster(timeAdjuster bool) convert.TemporalAdjuster {
	if timeAdjuster {
		return convert.TwoDigitYear
	}
	return convert.Passthrough
}

// Bootstrap returns file, pos and snapshot (empty when unknown) and the
// "<database>.<table>" include list.
func (d MySQL) Bootstrap(offset delta.Offset, tables []delta.TableSpec) map[string]string {
	return d.bootstrap(offset, qualified(tables, func(t delta.TableSpec) string { return t.Database }))
}

func (MySQL) DriverName() string { return "mysql" }

func (MySQL) DSN(conn ConnConfig) string {
	cfg := mysql.NewConfig()
	cfg.User = conn.User
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	if conn.ServerTimezone != "" {
		cfg.Params = map[string]string{"time_zone": fmt.Sprintf("'%s'", conn.ServerTimezone)}
	}
	return cfg.FormatDSN()
}

func (MySQL) TableQuery(t delta.SourceTable) (string, []any) {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		[]any{t.Database, t.Table}
}
