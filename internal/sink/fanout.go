package sink

import (
	"fmt"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/delta"
)

// Fanout emits every event to each emitter in order, stopping at the first
// failure.
type Fanout struct {
	emitters []cdc.Emitter
}

func NewFanout(emitters ...cdc.Emitter) *Fanout {
	return &Fanout{emitters: append([]cdc.Emitter(nil), emitters...)}
}

func (f *Fanout) Emit(event delta.Event) error {
	for _, e := range f.emitters {
		if err := e.Emit(event); err != nil {
			return fmt.Errorf("emitter failed: %w", err)
		}
	}

	return nil
}
