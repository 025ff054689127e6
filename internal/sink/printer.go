package sink

import (
	"fmt"
	"io"
	"sync"

	"github.com/deltaflow/deltaflow/internal/delta"
)

// Printer writes one JSON line per event.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Emit(event delta.Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}
