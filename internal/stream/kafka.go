// Package stream runs capture engines that read Debezium change events
// already published to a broker.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/debezium"
)

type KafkaConfig struct {
	Brokers []string
	Topics  []string
	GroupID string
	// MaxWait bounds how long a fetch waits for new data.
	MaxWait  time.Duration
	MinBytes int
	MaxBytes int
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEngine consumes Debezium topics with a consumer group. A message is
// committed only after it has been delivered.
type KafkaEngine struct {
	config    *KafkaConfig
	newReader func(kafka.ReaderConfig) messageReader
}

func NewKafkaEngine(config *KafkaConfig) *KafkaEngine {
	return &KafkaEngine{
		config: config,
		newReader: func(rc kafka.ReaderConfig) messageReader {
			return kafka.NewReader(rc)
		},
	}
}

func (e *KafkaEngine) readerConfig() kafka.ReaderConfig {
	rc := kafka.ReaderConfig{
		Brokers:  e.config.Brokers,
		GroupID:  e.config.GroupID,
		MaxWait:  e.config.MaxWait,
		MinBytes: e.config.MinBytes,
		MaxBytes: e.config.MaxBytes,
	}
	if len(e.config.Topics) == 1 {
		rc.Topic = e.config.Topics[0]
	} else {
		rc.GroupTopics = e.config.Topics
	}
	return rc
}

func (e *KafkaEngine) Run(ctx context.Context, boot cdc.Bootstrap, deliver cdc.Deliver) error {
	if e.config.GroupID == "" {
		return cdc.ConfigError.New("kafka consumer group is required")
	}
	if len(e.config.Topics) == 0 {
		return cdc.ConfigError.New("at least one kafka topic is required")
	}

	logResumePosition("kafka", boot)

	r := e.newReader(e.readerConfig())
	defer r.Close()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		rec, err := debezium.Decode(msg.Key, msg.Value)
		if err != nil {
			log.Warn().Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Skipping undecodable message")
		} else if err := deliver(rec); err != nil {
			return err
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

// logResumePosition reports where the upstream connector should resume. The
// connector owns its own offsets; this is what an operator seeds it with.
func logResumePosition(transport string, boot cdc.Bootstrap) {
	ev := log.Info().Str("transport", transport).Str("offset", boot.Offset.String())
	for k, v := range boot.Config {
		ev = ev.Str(k, v)
	}
	ev.Msg("Consuming Debezium change events")
}
