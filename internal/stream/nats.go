package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/debezium"
)

// KeyHeader carries the serialized record key, when the publisher sets it.
const KeyHeader = "Debezium-Key"

const (
	defaultBatch   = 100
	defaultMaxWait = 5 * time.Second
)

type NATSConfig struct {
	URL           string
	Stream        string
	Durable       string
	FilterSubject string
	Batch         int
	MaxWait       time.Duration
}

type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// NATSEngine pulls Debezium events from a JetStream durable consumer and
// acks each message after delivery.
type NATSEngine struct {
	config   *NATSConfig
	consumer func(ctx context.Context) (fetcher, func(), error)
}

func NewNATSEngine(config *NATSConfig) *NATSEngine {
	e := &NATSEngine{config: config}
	e.consumer = e.connect
	return e
}

func (e *NATSEngine) connect(ctx context.Context) (fetcher, func(), error) {
	nc, err := nats.Connect(e.config.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	stream, err := js.Stream(ctx, e.config.Stream)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to find stream %s: %w", e.config.Stream, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       e.config.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: e.config.FilterSubject,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create consumer %s: %w", e.config.Durable, err)
	}

	return cons, nc.Close, nil
}

func (e *NATSEngine) Run(ctx context.Context, boot cdc.Bootstrap, deliver cdc.Deliver) error {
	if e.config.Stream == "" || e.config.Durable == "" {
		return cdc.ConfigError.New("nats stream and durable consumer are required")
	}

	logResumePosition("nats", boot)

	cons, closeConn, err := e.consumer(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	batch := e.config.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	maxWait := e.config.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := cons.Fetch(batch, jetstream.FetchMaxWait(maxWait))
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}

		for msg := range msgs.Messages() {
			if err := e.handle(msg, deliver); err != nil {
				return err
			}
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("fetch failed: %w", err)
		}
	}
}

func (e *NATSEngine) handle(msg jetstream.Msg, deliver cdc.Deliver) error {
	var key []byte
	if h := msg.Headers(); h != nil {
		if k := h.Get(KeyHeader); k != "" {
			key = []byte(k)
		}
	}

	rec, err := debezium.Decode(key, msg.Data())
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject()).Msg("Skipping undecodable message")
	} else if err := deliver(rec); err != nil {
		if nerr := msg.Nak(); nerr != nil {
			log.Warn().Err(nerr).Msg("Failed to nak message")
		}
		return err
	}

	if err := msg.Ack(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}
