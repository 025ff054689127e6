package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/source"
)

const catalogQuery = `
SELECT a.attname, a.attnotnull, COALESCE(array_position(i.indkey::int2[], a.attnum), 0)
FROM pg_attribute a
LEFT JOIN pg_index i ON i.indrelid = a.attrelid AND i.indisprimary
WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum`

func (e *Engine) loadCatalog(ctx context.Context, tables []delta.TableSpec) (map[tableKey]*tableInfo, error) {
	conn, err := pgx.Connect(ctx, e.config.connString(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(context.Background())

	catalog := make(map[tableKey]*tableInfo, len(tables))
	for _, t := range tables {
		info, err := queryTableInfo(ctx, conn, t)
		if err != nil {
			return nil, err
		}
		catalog[tableKey{t.Schema, t.Table}] = info
	}
	return catalog, nil
}

func queryTableInfo(ctx context.Context, conn *pgx.Conn, t delta.TableSpec) (*tableInfo, error) {
	rows, err := conn.Query(ctx, catalogQuery, pgx.Identifier{t.Schema, t.Table}.Sanitize())
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog for %s: %w", t.SourceTable, err)
	}
	defer rows.Close()

	info := &tableInfo{notNull: make(map[string]bool)}
	keyPos := make(map[int]string)
	for rows.Next() {
		var (
			name    string
			notNull bool
			pos     int
		)
		if err := rows.Scan(&name, &notNull, &pos); err != nil {
			return nil, fmt.Errorf("failed to scan catalog for %s: %w", t.SourceTable, err)
		}
		info.notNull[name] = notNull
		if pos > 0 {
			keyPos[pos] = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read catalog for %s: %w", t.SourceTable, err)
	}

	for i := 1; i <= len(keyPos); i++ {
		info.primaryKey = append(info.primaryKey, keyPos[i])
	}
	return info, nil
}

// snapshot reads every allow-listed table inside one repeatable-read
// transaction. Each row is delivered as a read with the snapshot marker set;
// the final row of the whole snapshot also carries snapshot_completed.
func (e *Engine) snapshot(ctx context.Context, snapshotName string, lsn pglogrepl.LSN, tables []delta.TableSpec, catalog map[tableKey]*tableInfo, deliver cdc.Deliver) error {
	conn, err := pgx.Connect(ctx, e.config.connString(false))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(context.Background())

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback(context.Background())

	if snapshotName != "" {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snapshotName)); err != nil {
			return fmt.Errorf("failed to import snapshot %s: %w", snapshotName, err)
		}
	}

	sn := &snapshotter{database: e.config.Database, lsn: lsn, deliver: deliver}
	for _, t := range tables {
		log.Info().Str("table", t.SourceTable.String()).Msg("Reading initial snapshot")
		if err := sn.table(ctx, tx, t, catalog[tableKey{t.Schema, t.Table}]); err != nil {
			return err
		}
	}
	if err := sn.finish(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// snapshotter holds back one record so the last one can be marked.
type snapshotter struct {
	database string
	lsn      pglogrepl.LSN
	deliver  cdc.Deliver
	pending  *cdc.Record
	rows     int
}

func (s *snapshotter) push(rec *cdc.Record) error {
	prev := s.pending
	s.pending = rec
	s.rows++
	if prev == nil {
		return nil
	}
	return s.send(prev)
}

func (s *snapshotter) finish() error {
	if s.pending == nil {
		return nil
	}
	rec := s.pending
	s.pending = nil
	rec.Offset[source.KeySnapshotCompleted] = true
	rec.Payload.Source[source.KeySnapshot] = "last"
	return s.send(rec)
}

func (s *snapshotter) send(rec *cdc.Record) error {
	if err := s.deliver(rec); err != nil {
		return &deliverError{err: err}
	}
	return nil
}

func (s *snapshotter) table(ctx context.Context, tx pgx.Tx, t delta.TableSpec, info *tableInfo) error {
	rows, err := tx.Query(ctx, "SELECT * FROM "+pgx.Identifier{t.Schema, t.Table}.Sanitize())
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", t.SourceTable, err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("failed to decode row of %s: %w", t.SourceTable, err)
		}

		row := newRow(s.database + "." + t.Schema + "." + t.Table + ".Value")
		for i, fd := range fds {
			field := delta.Field{
				Name:     fd.Name,
				Type:     fieldType(fd.DataTypeOID),
				Nullable: info == nil || !info.notNull[fd.Name],
			}
			v, err := canonical(values[i], field.Type)
			if err != nil {
				return fmt.Errorf("column %s of %s: %w", fd.Name, t.SourceTable, err)
			}
			row.add(field, v)
		}

		var key []string
		if info != nil {
			key = info.primaryKey
		}
		if err := s.push(s.record(t, row, key)); err != nil {
			return err
		}
	}

	return rows.Err()
}

func (s *snapshotter) record(t delta.TableSpec, row *Row, key []string) *cdc.Record {
	src := map[string]any{
		"db":               s.database,
		"table":            t.Table,
		"schema":           t.Schema,
		source.KeySnapshot: "true",
	}
	if s.lsn != 0 {
		src["lsn"] = s.lsn.String()
	}
	return &cdc.Record{
		Key: row.project(s.database+"."+t.Schema+"."+t.Table+".Key", key),
		Payload: &cdc.Payload{
			Op:     "r",
			After:  row,
			Source: src,
		},
		Offset: map[string]any{source.KeySnapshot: true},
	}
}
