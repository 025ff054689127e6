package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/deltaflow/deltaflow/internal/delta"
)

const defaultPublishTimeout = 5 * time.Second

type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes events to JetStream on <prefix>.<db>[.<schema>].<table>
// and waits for the stream to acknowledge each one.
type NATSPublisher struct {
	js      publisher
	prefix  string
	timeout time.Duration
}

func NewNATSPublisher(js jetstream.JetStream, prefix string) *NATSPublisher {
	return &NATSPublisher{js: js, prefix: prefix, timeout: defaultPublishTimeout}
}

func (p *NATSPublisher) Subject(t delta.SourceTable) string {
	parts := []string{p.prefix, token(t.Database)}
	if t.Schema != "" {
		parts = append(parts, token(t.Schema))
	}
	parts = append(parts, token(t.Table))
	return strings.Join(parts, ".")
}

func (p *NATSPublisher) Emit(event delta.Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	subject := p.Subject(event.Table())
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// token makes a name safe as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '\t':
			return '_'
		}
		return r
	}, s)
}
