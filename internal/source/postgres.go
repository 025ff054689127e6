package source

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/deltaflow/deltaflow/internal/delta"
)

const PostgresLSN = "lsn"

const defaultPostgresSchema = "public"

// Postgres tracks the WAL position of logical replication.
type Postgres struct{ base }

func NewPostgres() Postgres { return Postgres{base: postgresBase} }

var postgresBase = base{
	fields: []offsetField{
		{key: PostgresLSN, scope: fromSource},
		{key: KeySnapshot, scope: fromOffset},
		{key: KeySnapshotCompleted, scope: fromOffset},
	},
	requireSource: true,
	txKey:         "txId",
}

func (Postgres) Engine() Engine { return EnginePostgres }

func (d Postgres) Bootstrap(offset delta.Offset, tables []delta.TableSpec) map[string]string {
	return d.bootstrap(offset, qualified(tables, func(t delta.TableSpec) string {
		if t.Schema == "" {
			return defaultPostgresSchema
		}
		return t.Schema
	}))
}

func (Postgres) DriverName() string { return "pgx" }

func (Postgres) DSN(conn ConnConfig) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		conn.Host, conn.Port, conn.Database, conn.User, conn.Password)
}

func (Postgres) TableQuery(t delta.SourceTable) (string, []any) {
	schema := t.Schema
	if schema == "" {
		schema = defaultPostgresSchema
	}
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_catalog = $1 AND table_schema = $2 AND table_name = $3",
		[]any{t.Database, schema, t.Table}
}
