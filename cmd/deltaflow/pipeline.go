package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/deltaflow/deltaflow/internal/cdc"
	"github.com/deltaflow/deltaflow/internal/config"
	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/postgres"
	"github.com/deltaflow/deltaflow/internal/sink"
	"github.com/deltaflow/deltaflow/internal/stream"
)

func setupLogging(cfg config.LogConfig) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

func buildEngine(cfg *config.Config) (cdc.Engine, error) {
	t := cfg.Transport
	switch t.Type {
	case config.TransportKafka:
		return stream.NewKafkaEngine(&stream.KafkaConfig{
			Brokers: t.Kafka.Brokers,
			Topics:  t.Kafka.Topics,
			GroupID: t.Kafka.GroupID,
			MaxWait: t.Kafka.MaxWait,
		}), nil
	case config.TransportNATS:
		return stream.NewNATSEngine(&stream.NATSConfig{
			URL:           t.NATS.URL,
			Stream:        t.NATS.Stream,
			Durable:       t.NATS.Durable,
			FilterSubject: t.NATS.FilterSubject,
			Batch:         t.NATS.Batch,
			MaxWait:       t.NATS.MaxWait,
		}), nil
	case config.TransportPostgres:
		return postgres.NewEngine(&postgres.Config{
			Host:            cfg.Source.Host,
			Port:            cfg.Source.Port,
			Database:        cfg.Source.Database,
			User:            cfg.Source.User,
			Password:        cfg.Source.Password,
			SlotName:        t.Postgres.SlotName,
			PublicationName: t.Postgres.PublicationName,
			StandbyInterval: t.Postgres.StandbyInterval,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", t.Type)
	}
}

// buildSink returns the configured emitter and a function releasing whatever
// connections it holds.
func buildSink(cfg *config.Config) (cdc.Emitter, func(), error) {
	switch cfg.Sink.Type {
	case config.SinkStdout, "":
		return sink.NewFanout(sink.NewPrinter(os.Stdout)), func() {}, nil
	case config.SinkNATS:
		nc, err := nats.Connect(cfg.Sink.NATSURL, nats.Name("deltaflow-"+cfg.Pipeline))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Sink.NATSURL, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("failed to open JetStream: %w", err)
		}
		return sink.NewFanout(sink.NewNATSPublisher(js, cfg.Sink.SubjectPrefix)), func() { nc.Drain() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sink %q", cfg.Sink.Type)
	}
}

// parseTables reads allow-list entries written as table or schema.table, all
// in database.
func parseTables(entries []string, database string) ([]delta.TableSpec, error) {
	specs := make([]delta.TableSpec, 0, len(entries))
	for _, e := range entries {
		parts := strings.Split(e, ".")
		if len(parts) > 2 {
			return nil, fmt.Errorf("invalid table %q", e)
		}
		for _, p := range parts {
			if p == "" {
				return nil, fmt.Errorf("invalid table %q", e)
			}
		}

		t := delta.SourceTable{Database: database, Table: parts[len(parts)-1]}
		if len(parts) == 2 {
			t.Schema = parts[0]
		}
		specs = append(specs, delta.TableSpec{SourceTable: t})
	}
	return specs, nil
}
