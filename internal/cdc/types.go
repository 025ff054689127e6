package cdc

import (
	"context"

	"github.com/deltaflow/deltaflow/internal/convert"
	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/source"
)

// Payload is the value part of a raw change record.
type Payload struct {
	Op     string
	Before convert.Struct
	After  convert.Struct
	// Source is the engine's source-info block: table, schema, transaction
	// id, positions and snapshot markers. It may be nil.
	Source map[string]any
	// Timestamp is the capture time in milliseconds since the epoch.
	Timestamp *int64
}

// Record is one raw change record delivered by a capture engine.
type Record struct {
	Key convert.Struct
	// Payload is nil for tombstones and heartbeats.
	Payload *Payload
	// Offset is the engine's own position map for this record.
	Offset map[string]any
}

func (r *Record) Position() source.Position {
	pos := source.Position{Offset: r.Offset}
	if r.Payload != nil {
		pos.Source = r.Payload.Source
	}
	return pos
}

// Emitter receives normalized events. An error is fatal to the session.
type Emitter interface {
	Emit(event delta.Event) error
}

type EmitterFunc func(event delta.Event) error

func (f EmitterFunc) Emit(event delta.Event) error { return f(event) }

// Deliver processes one record. A non-nil error is session-fatal and the
// engine must stop and return it from Run.
type Deliver func(rec *Record) error

// Engine is a capture engine bound to one session. Run blocks on the
// session's goroutine, calling deliver once per record in commit order, and
// returns when ctx is cancelled or the stream fails.
type Engine interface {
	Run(ctx context.Context, boot Bootstrap, deliver Deliver) error
}

// Bootstrap is what an engine needs to resume: the canonical offset, its
// engine-specific translation and the table allow-list.
type Bootstrap struct {
	Offset delta.Offset
	Config map[string]string
	Tables []delta.TableSpec
}
