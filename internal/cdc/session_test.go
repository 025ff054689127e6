package cdc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/source"
)

func testSessionConfig() *SessionConfig {
	return &SessionConfig{
		Name:        "inventory",
		Database:    "testdb",
		Tables:      []delta.TableSpec{customers},
		StopTimeout: time.Second,
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSessionStartDeliversAndStops(t *testing.T) {
	emitter := &recordingEmitter{}
	engine := &sliceEngine{
		records: []*Record{
			sqlServerRecord("r", true, nil, customerRow(0, "alice", day(1970, 1, 1)), customerKey(0)),
			sqlServerRecord("r", "last", nil, customerRow(1, "bob", day(1971, 1, 1)), customerKey(1)),
		},
		boot: make(chan Bootstrap, 1),
	}

	var initial delta.Offset
	initial.Put("change_lsn", []byte("00000025:00000d98:0002"))
	initial.Put("snapshot", []byte("true"))

	s := NewSession(testSessionConfig(), source.NewSQLServer(), engine, emitter)
	require.NoError(t, s.Start(context.Background(), initial))
	assert.NotEmpty(t, s.ID())

	boot := <-engine.boot
	assert.Equal(t, "00000025:00000d98:0002", boot.Config["change_lsn"])
	assert.True(t, boot.Offset.Equal(initial))
	assert.Equal(t, []delta.TableSpec{customers}, boot.Tables)

	require.Eventually(t, func() bool { return len(emitter.Events()) == 3 }, 5*time.Second, 10*time.Millisecond)

	status := s.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "sqlserver", status.Engine)
	assert.Equal(t, "00000025:00000d98:0002", status.LastOffset.GetString("change_lsn", ""))
	assert.Equal(t, []delta.SourceTable{customers.SourceTable}, status.TrackedTables)

	require.NoError(t, s.Stop(context.Background()))
	waitDone(t, s)
	assert.NoError(t, s.Err())
	assert.False(t, s.Status().Running)
}

func TestSessionStartRejectsRunning(t *testing.T) {
	s := NewSession(testSessionConfig(), source.NewSQLServer(), &sliceEngine{}, &recordingEmitter{})
	require.NoError(t, s.Start(context.Background(), delta.Offset{}))
	defer s.Stop(context.Background())

	assert.Error(t, s.Start(context.Background(), delta.Offset{}))
}

func TestSessionStopTimeout(t *testing.T) {
	engine := &sliceEngine{ignoreCancel: true, release: make(chan struct{})}
	defer close(engine.release)

	cfg := testSessionConfig()
	cfg.StopTimeout = 50 * time.Millisecond

	s := NewSession(cfg, source.NewSQLServer(), engine, &recordingEmitter{})
	require.NoError(t, s.Start(context.Background(), delta.Offset{}))

	start := time.Now()
	assert.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSessionStopBeforeStart(t *testing.T) {
	s := NewSession(testSessionConfig(), source.NewSQLServer(), &sliceEngine{}, &recordingEmitter{})
	assert.NoError(t, s.Stop(context.Background()))
}

func TestSessionEmitFailureEndsSession(t *testing.T) {
	emitter := &recordingEmitter{err: errors.New("broker unavailable")}
	notifier := &recordingNotifier{}
	engine := &sliceEngine{
		records: []*Record{
			sqlServerRecord("r", true, nil, customerRow(0, "alice", day(1970, 1, 1)), customerKey(0)),
		},
	}

	s := NewSession(testSessionConfig(), source.NewSQLServer(), engine, emitter)
	s.SetNotifier(notifier)
	require.NoError(t, s.Start(context.Background(), delta.Offset{}))

	waitDone(t, s)
	require.Error(t, s.Err())
	assert.True(t, FatalError.Has(s.Err()))
	assert.Equal(t, 1, notifier.Calls())
	assert.False(t, s.Status().Running)
}

func TestSessionEngineFailureIsFatal(t *testing.T) {
	s := NewSession(testSessionConfig(), source.NewSQLServer(), failingEngine{err: errors.New("connection reset")}, &recordingEmitter{})
	require.NoError(t, s.Start(context.Background(), delta.Offset{}))

	waitDone(t, s)
	assert.True(t, FatalError.Has(s.Err()))
	assert.ErrorContains(t, s.Stop(context.Background()), "connection reset")
}

func TestValidateTables(t *testing.T) {
	tests := []struct {
		name    string
		tables  []delta.TableSpec
		wantErr bool
	}{
		{"valid", []delta.TableSpec{customers}, false},
		{"empty", nil, true},
		{"missing name", []delta.TableSpec{{SourceTable: delta.SourceTable{Database: "testdb"}}}, true},
		{"duplicate", []delta.TableSpec{customers, customers}, true},
		{
			"included and excluded",
			[]delta.TableSpec{{
				SourceTable:     customers.SourceTable,
				Columns:         []string{"id", "name"},
				ExcludedColumns: []string{"name"},
			}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTables(tt.tables)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, ConfigError.Has(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSessionStartConfigError(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Tables = nil

	s := NewSession(cfg, source.NewSQLServer(), &sliceEngine{}, &recordingEmitter{})
	err := s.Start(context.Background(), delta.Offset{})
	require.Error(t, err)
	assert.True(t, ConfigError.Has(err))
	assert.Nil(t, s.Done())
}
