package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deltaflow/deltaflow/internal/delta"
)

// ClientFactory opens database clients for capture engines and tooling. It is
// passed explicitly to whoever needs a connection.
type ClientFactory interface {
	Open(ctx context.Context) (*sql.DB, error)
}

type SQLClientFactory struct {
	dialect Dialect
	conn    ConnConfig
}

func NewClientFactory(dialect Dialect, conn ConnConfig) *SQLClientFactory {
	return &SQLClientFactory{dialect: dialect, conn: conn}
}

func (f *SQLClientFactory) Open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(f.dialect.DriverName(), f.dialect.DSN(f.conn))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s client: %w", f.dialect.Engine(), err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", f.conn.Host, f.conn.Port, err)
	}

	return db, nil
}

// MissingTables returns the allow-listed tables the database does not have.
func MissingTables(ctx context.Context, db *sql.DB, dialect Dialect, tables []delta.TableSpec) ([]delta.SourceTable, error) {
	var missing []delta.SourceTable

	for _, t := range tables {
		query, args := dialect.TableQuery(t.SourceTable)

		var count int
		if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to look up table %s: %w", t.SourceTable, err)
		}
		if count == 0 {
			missing = append(missing, t.SourceTable)
		}
	}

	return missing, nil
}
