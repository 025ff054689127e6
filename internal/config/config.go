package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deltaflow/deltaflow/internal/delta"
	"github.com/deltaflow/deltaflow/internal/source"
)

const (
	TransportKafka    = "kafka"
	TransportNATS     = "nats"
	TransportPostgres = "postgres"

	SinkStdout = "stdout"
	SinkNATS   = "nats"
)

type Config struct {
	Pipeline  string          `mapstructure:"pipeline"`
	Source    SourceConfig    `mapstructure:"source"`
	Tables    []TableConfig   `mapstructure:"tables"`
	Transport TransportConfig `mapstructure:"transport"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Session   SessionConfig   `mapstructure:"session"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Log       LogConfig       `mapstructure:"log"`
}

type SourceConfig struct {
	Engine         string `mapstructure:"engine"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	ServerTimezone string `mapstructure:"server_timezone"`
	TimeAdjuster   bool   `mapstructure:"time_adjuster"`
}

type TableConfig struct {
	Database        string   `mapstructure:"database"`
	Schema          string   `mapstructure:"schema"`
	Table           string   `mapstructure:"table"`
	Columns         []string `mapstructure:"columns"`
	ExcludedColumns []string `mapstructure:"excluded_columns"`
}

type TransportConfig struct {
	Type     string                  `mapstructure:"type"`
	Kafka    KafkaTransportConfig    `mapstructure:"kafka"`
	NATS     NATSTransportConfig     `mapstructure:"nats"`
	Postgres PostgresTransportConfig `mapstructure:"postgres"`
}

type KafkaTransportConfig struct {
	Brokers []string      `mapstructure:"brokers"`
	Topics  []string      `mapstructure:"topics"`
	GroupID string        `mapstructure:"group_id"`
	MaxWait time.Duration `mapstructure:"max_wait"`
}

type NATSTransportConfig struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	Durable       string        `mapstructure:"durable"`
	FilterSubject string        `mapstructure:"filter_subject"`
	Batch         int           `mapstructure:"batch"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
}

type PostgresTransportConfig struct {
	SlotName        string        `mapstructure:"slot_name"`
	PublicationName string        `mapstructure:"publication_name"`
	StandbyInterval time.Duration `mapstructure:"standby_interval"`
}

type SinkConfig struct {
	Type          string `mapstructure:"type"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type SessionConfig struct {
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.time_adjuster", true)
	v.SetDefault("transport.postgres.slot_name", "deltaflow_slot")
	v.SetDefault("transport.postgres.publication_name", "deltaflow_pub")
	v.SetDefault("sink.type", SinkStdout)
	v.SetDefault("sink.subject_prefix", "deltaflow")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("session.stop_timeout", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if _, err := source.ForEngine(c.Source.Engine); err != nil {
		return fmt.Errorf("source.engine: %w", err)
	}
	if c.Source.Database == "" {
		return fmt.Errorf("source.database is required")
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one table is required")
	}
	seen := make(map[delta.SourceTable]bool, len(c.Tables))
	for i, spec := range c.TableSpecs() {
		if spec.Table == "" {
			return fmt.Errorf("tables[%d].table is required", i)
		}
		if seen[spec.SourceTable] {
			return fmt.Errorf("tables[%d]: %s is listed more than once", i, spec.SourceTable)
		}
		seen[spec.SourceTable] = true

		for _, col := range spec.Columns {
			for _, ex := range spec.ExcludedColumns {
				if col == ex {
					return fmt.Errorf("tables[%d]: column %s is both included and excluded", i, col)
				}
			}
		}
	}

	switch c.Transport.Type {
	case TransportKafka:
		if len(c.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("transport.kafka.brokers is required")
		}
		if len(c.Transport.Kafka.Topics) == 0 {
			return fmt.Errorf("transport.kafka.topics is required")
		}
		if c.Transport.Kafka.GroupID == "" {
			return fmt.Errorf("transport.kafka.group_id is required")
		}
	case TransportNATS:
		if c.Transport.NATS.URL == "" {
			return fmt.Errorf("transport.nats.url is required")
		}
		if c.Transport.NATS.Stream == "" || c.Transport.NATS.Durable == "" {
			return fmt.Errorf("transport.nats.stream and transport.nats.durable are required")
		}
	case TransportPostgres:
		if c.Source.Engine != string(source.EnginePostgres) {
			return fmt.Errorf("transport postgres requires source.engine postgres, got %s", c.Source.Engine)
		}
		if c.Source.Host == "" || c.Source.User == "" {
			return fmt.Errorf("source.host and source.user are required for the postgres transport")
		}
	default:
		return fmt.Errorf("invalid transport.type: %q (valid options: kafka, nats, postgres)", c.Transport.Type)
	}

	switch c.Sink.Type {
	case SinkStdout:
	case SinkNATS:
		if c.Sink.NATSURL == "" {
			return fmt.Errorf("sink.nats_url is required")
		}
	default:
		return fmt.Errorf("invalid sink.type: %q (valid options: stdout, nats)", c.Sink.Type)
	}

	if c.Session.StopTimeout <= 0 {
		c.Session.StopTimeout = time.Minute
	}

	return nil
}

// TableSpecs returns the allow-list. Tables without a database belong to the
// source database.
func (c *Config) TableSpecs() []delta.TableSpec {
	specs := make([]delta.TableSpec, len(c.Tables))
	for i, t := range c.Tables {
		db := t.Database
		if db == "" {
			db = c.Source.Database
		}
		specs[i] = delta.TableSpec{
			SourceTable:     delta.SourceTable{Database: db, Table: t.Table, Schema: t.Schema},
			Columns:         t.Columns,
			ExcludedColumns: t.ExcludedColumns,
		}
	}
	return specs
}

func (s *SourceConfig) Conn() source.ConnConfig {
	return source.ConnConfig{
		Host:           s.Host,
		Port:           s.Port,
		Database:       s.Database,
		User:           s.User,
		Password:       s.Password,
		ServerTimezone: s.ServerTimezone,
	}
}
