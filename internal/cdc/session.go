package cdc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/deltaflow/deltaflow/internal/convert"
	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/metrics"
	"github.com/deltaflow/deltaflow/internal/snapshot"
	"github.com/deltaflow/deltaflow/internal/source"
)

// DefaultStopTimeout bounds how long Stop waits for the engine to return.
const DefaultStopTimeout = time.Minute

type SessionConfig struct {
	Name     string
	Database string
	Tables   []delta.TableSpec
	// TimeAdjuster enables the dialect's temporal correction, if it has one.
	TimeAdjuster bool
	StopTimeout  time.Duration
}

// Notifier is told when a session ends with a fatal error.
type Notifier interface {
	SendSessionFailedAlert(session, engine string, err error) error
}

type SessionStatus struct {
	ID            string
	Name          string
	Engine        string
	Running       bool
	StartedAt     time.Time
	LastOffset    delta.Offset
	// TrackedTables have had their CREATE_TABLE event emitted.
	TrackedTables []delta.SourceTable
	Err           error
}

// Session owns one capture engine bound to one normalizer.
type Session struct {
	config   *SessionConfig
	dialect  source.Dialect
	engine   Engine
	emitter  Emitter
	metrics  *metrics.Metrics
	notifier Notifier

	mu         sync.RWMutex
	id         string
	running    bool
	startedAt  time.Time
	lastOffset delta.Offset
	tracker    *snapshot.Tracker
	err        error
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewSession(config *SessionConfig, dialect source.Dialect, engine Engine, emitter Emitter) *Session {
	return &Session{
		config:  config,
		dialect: dialect,
		engine:  engine,
		emitter: emitter,
	}
}

func (s *Session) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *Session) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Start validates the allow-list, translates initial into the engine's
// bootstrap configuration and runs the engine on its own goroutine.
func (s *Session) Start(ctx context.Context, initial delta.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("session already running")
	}
	if err := ValidateTables(s.config.Tables); err != nil {
		return err
	}

	boot := Bootstrap{
		Offset: initial.Clone(),
		Config: s.dialect.Bootstrap(initial, s.config.Tables),
		Tables: s.config.Tables,
	}

	logger := log.With().Str("session", s.config.Name).Logger()
	normalizer := NewNormalizer(&NormalizerConfig{
		Dialect:   s.dialect,
		Database:  s.config.Database,
		Tables:    s.config.Tables,
		Converter: convert.New(s.dialect.Adjuster(s.config.TimeAdjuster)),
		Emitter:   EmitterFunc(s.emit),
		Metrics:   s.metrics,
		Logger:    &logger,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.id = uuid.NewString()
	s.running = true
	s.startedAt = time.Now()
	s.lastOffset = initial.Clone()
	s.tracker = normalizer.Tracker()
	s.err = nil
	s.cancel = cancel
	s.done = make(chan struct{})

	logger.Info().
		Str("id", s.id).
		Str("engine", string(s.dialect.Engine())).
		Int("tables", len(s.config.Tables)).
		Str("offset", initial.String()).
		Msg("Starting capture session")

	go s.run(runCtx, boot, normalizer)

	return nil
}

func (s *Session) run(ctx context.Context, boot Bootstrap, normalizer *Normalizer) {
	defer close(s.done)

	err := s.engine.Run(ctx, boot, normalizer.Process)
	if err != nil && ctx.Err() != nil && !FatalError.Has(err) {
		// Cancellation surfaced by the engine.
		err = nil
	}
	if err != nil && !FatalError.Has(err) {
		err = FatalError.Wrap(err)
	}

	s.mu.Lock()
	s.running = false
	s.err = err
	notifier := s.notifier
	id := s.id
	s.cancel()
	s.mu.Unlock()

	if err == nil {
		log.Info().Str("session", s.config.Name).Str("id", id).Msg("Capture session stopped")
		return
	}

	log.Error().Err(err).Str("session", s.config.Name).Str("id", id).Msg("Capture session failed")
	if notifier != nil {
		if aerr := notifier.SendSessionFailedAlert(s.config.Name, string(s.dialect.Engine()), err); aerr != nil {
			log.Warn().Err(aerr).Msg("Failed to send session alert")
		}
	}
}

// emit forwards to the downstream emitter and remembers the offset of the
// last event it accepted.
func (s *Session) emit(event delta.Event) error {
	if err := s.emitter.Emit(event); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastOffset = event.Position()
	s.mu.Unlock()
	return nil
}

// Stop cancels the engine and waits for it to return, at most StopTimeout.
// On timeout it logs a warning and returns without waiting further.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()

	if done == nil {
		return nil
	}
	cancel()

	timeout := s.config.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return s.Err()
	case <-timer.C:
		log.Warn().Str("session", s.config.Name).Dur("timeout", timeout).Msg("Capture engine did not stop in time, releasing session")
		return nil
	case <-ctx.Done():
		log.Warn().Str("session", s.config.Name).Msg("Stop interrupted before capture engine returned")
		return ctx.Err()
	}
}

// Done is closed when the engine goroutine returns. Nil before Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Err returns the session-fatal error, if the session ended with one.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SessionStatus{
		ID:         s.id,
		Name:       s.config.Name,
		Engine:     string(s.dialect.Engine()),
		Running:    s.running,
		StartedAt:  s.startedAt,
		LastOffset: s.lastOffset.Clone(),
		Err:        s.err,
	}
	if s.tracker != nil {
		status.TrackedTables = s.tracker.Tables()
	}
	return status
}

// ValidateTables rejects allow-lists that cannot be tracked.
func ValidateTables(tables []delta.TableSpec) error {
	if len(tables) == 0 {
		return ConfigError.New("table allow-list is empty")
	}

	seen := make(map[delta.SourceTable]struct{}, len(tables))
	for i, t := range tables {
		if t.Database == "" || t.Table == "" {
			return ConfigError.New("table %d: database and table name are required", i)
		}
		if _, ok := seen[t.SourceTable]; ok {
			return ConfigError.New("table %s listed more than once", t.SourceTable)
		}
		seen[t.SourceTable] = struct{}{}

		excluded := make(map[string]struct{}, len(t.ExcludedColumns))
		for _, c := range t.ExcludedColumns {
			excluded[c] = struct{}{}
		}
		for _, c := range t.Columns {
			if _, ok := excluded[c]; ok {
				return ConfigError.New("table %s: column %q is both included and excluded", t.SourceTable, c)
			}
		}
	}

	return nil
}
