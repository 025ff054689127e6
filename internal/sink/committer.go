package sink

import (
	"fmt"
	"time"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/storage"
)

type OffsetStore interface {
	SaveOffset(entry *storage.OffsetEntry) error
}

// Committer persists an event's offset once the wrapped emitter has accepted
// it, so a restart resumes after the last fully processed event.
type Committer struct {
	next      cdc.Emitter
	store     OffsetStore
	pipeline  string
	engine    string
	sessionID func() string
	now       func() time.Time
}

func NewCommitter(next cdc.Emitter, store OffsetStore, pipeline, engine string, sessionID func() string) *Committer {
	return &Committer{
		next:      next,
		store:     store,
		pipeline:  pipeline,
		engine:    engine,
		sessionID: sessionID,
		now:       time.Now,
	}
}

func (c *Committer) Emit(event delta.Event) error {
	if err := c.next.Emit(event); err != nil {
		return err
	}

	offset := event.Position()
	if offset.IsEmpty() {
		return nil
	}

	entry := &storage.OffsetEntry{
		Pipeline:  c.pipeline,
		Engine:    c.engine,
		Offset:    offset.Clone(),
		UpdatedAt: c.now().UTC(),
	}
	if c.sessionID != nil {
		entry.SessionID = c.sessionID()
	}
	if err := c.store.SaveOffset(entry); err != nil {
		return fmt.Errorf("failed to commit offset %s: %w", offset, err)
	}
	return nil
}

var (
	_ cdc.Emitter = (*Committer)(nil)
	_ cdc.Emitter = (*Fanout)(nil)
	_ cdc.Emitter = (*Printer)(nil)
	_ cdc.Emitter = (*NATSPublisher)(nil)
)
