// Package postgres captures row changes from PostgreSQL through logical
// replication with the pgoutput plugin.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/source"
)

const (
	OutputPlugin = "pgoutput"

	defaultStandbyInterval = 10 * time.Second
	maxBackoff             = 30 * time.Second
)

type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SlotName        string
	PublicationName string
	// StandbyInterval is how often progress is reported to the server.
	StandbyInterval time.Duration
}

func (c *Config) connString(replication bool) string {
	s := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.Host,
		c.Port,
		c.Database,
		c.User,
		c.Password,
	)
	if replication {
		s += " replication=database"
	}
	return s
}

// Engine is a cdc.Engine over one replication slot.
type Engine struct {
	config *Config
}

func NewEngine(config *Config) *Engine {
	return &Engine{config: config}
}

// runState survives reconnects within one Run.
type runState struct {
	lsn          pglogrepl.LSN
	snapshotDone bool
	progressed   bool
	catalog      map[tableKey]*tableInfo
}

// deliverError carries a failure from the session's deliver callback, which
// ends Run instead of triggering a reconnect.
type deliverError struct{ err error }

func (e *deliverError) Error() string { return e.err.Error() }
func (e *deliverError) Unwrap() error { return e.err }

func (e *Engine) Run(ctx context.Context, boot cdc.Bootstrap, deliver cdc.Deliver) error {
	state := &runState{snapshotDone: !needsSnapshot(boot.Config)}
	if s := boot.Config["lsn"]; s != "" {
		lsn, err := pglogrepl.ParseLSN(s)
		if err != nil {
			return cdc.ConfigError.New("invalid lsn %q: %v", s, err)
		}
		state.lsn = lsn
	}

	tables := withDefaultSchema(boot.Tables)
	if err := e.ensurePublication(ctx, tables); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	errorCount := 0
	for {
		err := e.stream(ctx, state, tables, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var de *deliverError
		if errors.As(err, &de) {
			return de.err
		}
		if state.progressed {
			errorCount = 0
			state.progressed = false
		}
		errorCount++

		backoff := backoffFor(errorCount)
		log.Warn().Err(err).Dur("backoff", backoff).Str("slot", e.config.SlotName).Msg("Replication stream failed, reconnecting")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoffFor doubles per consecutive failure, capped at maxBackoff.
func backoffFor(errorCount int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(errorCount))) * time.Second
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// needsSnapshot reports whether the bootstrap offset lacks a finished
// initial snapshot. A stored streaming position without snapshot markers
// counts as finished.
func needsSnapshot(conf map[string]string) bool {
	if conf[source.KeySnapshotCompleted] == "true" {
		return false
	}
	return conf["lsn"] == "" || conf[source.KeySnapshot] == "true"
}

func withDefaultSchema(tables []delta.TableSpec) []delta.TableSpec {
	out := make([]delta.TableSpec, len(tables))
	for i, t := range tables {
		if t.Schema == "" {
			t.Schema = "public"
		}
		out[i] = t
	}
	return out
}

func publicationSQL(name string, tables []delta.TableSpec) string {
	if len(tables) == 0 {
		return fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", pgx.Identifier{name}.Sanitize())
	}
	list := ""
	for i, t := range tables {
		if i > 0 {
			list += ", "
		}
		list += pgx.Identifier{t.Schema, t.Table}.Sanitize()
	}
	return fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", pgx.Identifier{name}.Sanitize(), list)
}

func (e *Engine) ensurePublication(ctx context.Context, tables []delta.TableSpec) error {
	conn, err := pgx.Connect(ctx, e.config.connString(false))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(context.Background())

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		e.config.PublicationName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		if _, err := conn.Exec(ctx, publicationSQL(e.config.PublicationName, tables)); err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		log.Info().Str("publication", e.config.PublicationName).Msg("Created publication")
	}

	return nil
}

// stream runs one replication connection: slot setup, the initial snapshot
// if still owed, then streaming until an error.
func (e *Engine) stream(ctx context.Context, state *runState, tables []delta.TableSpec, deliver cdc.Deliver) error {
	conn, err := pgconn.Connect(ctx, e.config.connString(true))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(context.Background())

	if state.catalog == nil {
		catalog, err := e.loadCatalog(ctx, tables)
		if err != nil {
			return err
		}
		state.catalog = catalog
	}

	slot, err := e.createSlotIfNotExists(ctx, conn, !state.snapshotDone)
	if err != nil {
		return err
	}

	if !state.snapshotDone {
		snapshotLSN := state.lsn
		if slot != nil {
			if lsn, err := pglogrepl.ParseLSN(slot.ConsistentPoint); err == nil {
				snapshotLSN = lsn
			}
		}
		var snapshotName string
		if slot != nil {
			snapshotName = slot.SnapshotName
		}
		if err := e.snapshot(ctx, snapshotName, snapshotLSN, tables, state.catalog, deliver); err != nil {
			return err
		}
		state.snapshotDone = true
		state.lsn = snapshotLSN
	}

	pluginArguments := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", e.config.PublicationName),
	}
	err = pglogrepl.StartReplication(ctx, conn, e.config.SlotName, state.lsn,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArguments})
	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}
	log.Info().Str("slot", e.config.SlotName).Str("lsn", state.lsn.String()).Msg("Started replication")

	return e.receive(ctx, conn, state, deliver)
}

// createSlotIfNotExists returns the new slot, or nil when it already existed.
func (e *Engine) createSlotIfNotExists(ctx context.Context, conn *pgconn.PgConn, exportSnapshot bool) (*pglogrepl.CreateReplicationSlotResult, error) {
	opts := pglogrepl.CreateReplicationSlotOptions{}
	if exportSnapshot {
		opts.SnapshotAction = "EXPORT_SNAPSHOT"
	}

	result, err := pglogrepl.CreateReplicationSlot(ctx, conn, e.config.SlotName, OutputPlugin, opts)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create replication slot: %w", err)
	}

	log.Info().Str("slot", result.SlotName).Str("lsn", result.ConsistentPoint).Msg("Created replication slot")
	return &result, nil
}

func (e *Engine) receive(ctx context.Context, conn *pgconn.PgConn, state *runState, deliver cdc.Deliver) error {
	interval := e.config.StandbyInterval
	if interval <= 0 {
		interval = defaultStandbyInterval
	}
	dec := newDecoder(e.config.Database, state.catalog)
	nextStandby := time.Now().Add(interval)

	for {
		if time.Now().After(nextStandby) {
			if err := sendStandby(ctx, conn, state.lsn); err != nil {
				return err
			}
			nextStandby = time.Now().Add(interval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			return fmt.Errorf("receive message failed: %w", err)
		}

		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			if err := e.handleCopyData(ctx, conn, dec, state, msg.Data, deliver); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication error: %s", msg.Message)
		}
	}
}

func (e *Engine) handleCopyData(ctx context.Context, conn *pgconn.PgConn, dec *decoder, state *runState, data []byte, deliver cdc.Deliver) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse keepalive: %w", err)
		}
		if pkm.ReplyRequested {
			return sendStandby(ctx, conn, state.lsn)
		}

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse xlog data: %w", err)
		}
		logicalMsg, err := pglogrepl.Parse(xld.WALData)
		if err != nil {
			return fmt.Errorf("failed to parse logical replication message: %w", err)
		}

		rec, err := dec.decode(logicalMsg, xld.WALStart)
		if err != nil {
			return err
		}
		if rec != nil {
			if err := deliver(rec); err != nil {
				return &deliverError{err: err}
			}
		}
		state.lsn = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
		state.progressed = true
	}

	return nil
}

func sendStandby(ctx context.Context, conn *pgconn.PgConn, lsn pglogrepl.LSN) error {
	status := pglogrepl.StandbyStatusUpdate{WALWritePosition: lsn}
	if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, status); err != nil {
		return fmt.Errorf("failed to send standby status: %w", err)
	}
	return nil
}
