package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/debezium"
)

const maxLineSize = 16 * 1024 * 1024

// FileEngine replays a file of Debezium events, one per line, and returns at
// end of input.
type FileEngine struct {
	r io.Reader
}

func NewFileEngine(r io.Reader) *FileEngine {
	return &FileEngine{r: r}
}

func (e *FileEngine) Run(ctx context.Context, _ cdc.Bootstrap, deliver cdc.Deliver) error {
	scanner := bufio.NewScanner(e.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line++

		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		rec, err := debezium.DecodeLine(data)
		if err != nil {
			log.Warn().Err(err).Int("line", line).Msg("Skipping undecodable line")
			continue
		}
		if err := deliver(rec); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read line %d: %w", line+1, err)
	}
	return nil
}
