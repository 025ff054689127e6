package cdc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deltaflow/deltaflow/internal/delta"
)

type fakeStruct struct {
	name   string
	fields []delta.Field
	values map[string]any
}

func (f *fakeStruct) Name() string          { return f.name }
func (f *fakeStruct) Fields() []delta.Field { return f.fields }
func (f *fakeStruct) Value(name string) (any, error) {
	v, ok := f.values[name]
	if !ok {
		return nil, errors.New("no such field: " + name)
	}
	return v, nil
}

var customerFields = []delta.Field{
	{Name: "id", Type: delta.TypeInt},
	{Name: "name", Type: delta.TypeString},
	{Name: "bday", Type: delta.TypeDate, Nullable: true},
}

func customerRow(id int32, name string, bday time.Time) *fakeStruct {
	return &fakeStruct{
		name:   "server1.dbo.customers.Value",
		fields: customerFields,
		values: map[string]any{"id": id, "name": name, "bday": bday},
	}
}

func customerKey(id int32) *fakeStruct {
	return &fakeStruct{
		name:   "server1.dbo.customers.Key",
		fields: []delta.Field{{Name: "id", Type: delta.TypeInt}},
		values: map[string]any{"id": id},
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// sqlServerRecord builds a record the way a SQL Server connector delivers it.
func sqlServerRecord(op string, snapshot any, before, after *fakeStruct, key *fakeStruct) *Record {
	offset := map[string]any{}
	if snapshot != nil {
		offset["snapshot"] = snapshot
	}
	rec := &Record{
		Offset: offset,
		Payload: &Payload{
			Op:     op,
			Source: map[string]any{"table": "customers", "schema": "dbo", "change_lsn": "00000025:00000d98:0002", "commit_lsn": "00000025:00000d98:0003"},
		},
	}
	if key != nil {
		rec.Key = key
	}
	if before != nil {
		rec.Payload.Before = before
	}
	if after != nil {
		rec.Payload.After = after
	}
	return rec
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []delta.Event
	err    error
}

func (r *recordingEmitter) Emit(event delta.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEmitter) Events() []delta.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delta.Event(nil), r.events...)
}

// sliceEngine delivers a fixed set of records and then blocks until cancelled.
type sliceEngine struct {
	records []*Record
	boot    chan Bootstrap
	// ignoreCancel makes Run hang after delivery regardless of ctx.
	ignoreCancel bool
	release      chan struct{}
}

func (e *sliceEngine) Run(ctx context.Context, boot Bootstrap, deliver Deliver) error {
	if e.boot != nil {
		e.boot <- boot
	}
	for _, rec := range e.records {
		if err := deliver(rec); err != nil {
			return err
		}
	}
	if e.ignoreCancel {
		<-e.release
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

type failingEngine struct{ err error }

func (e failingEngine) Run(context.Context, Bootstrap, Deliver) error { return e.err }

type recordingNotifier struct {
	mu    sync.Mutex
	calls []error
}

func (n *recordingNotifier) SendSessionFailedAlert(session, engine string, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, err)
	return nil
}

func (n *recordingNotifier) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}
