// Package config loads server configuration from YAML or JSON files with
// STRATA_* environment overrides on top.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"strata/domain/table"
)

type Config struct {
	Server ServerConfig  `yaml:"server" json:"server"`
	Log    LogConfig     `yaml:"log" json:"log"`
	WAL    WALConfig     `yaml:"wal" json:"wal"`
	Ingest IngestConfig  `yaml:"ingest" json:"ingest"`
	Query  QueryConfig   `yaml:"query" json:"query"`
	Store  StoreConfig   `yaml:"store" json:"store"`
	Jobs   JobsConfig    `yaml:"jobs" json:"jobs"`
	Tables []TableConfig `yaml:"tables" json:"tables"`
}

type ServerConfig struct {
	GRPCAddr        string `yaml:"grpc_addr" json:"grpc_addr"`
	HTTPAddr        string `yaml:"http_addr" json:"http_addr"`
	MaxRecvMsgBytes int    `yaml:"max_recv_msg_bytes" json:"max_recv_msg_bytes"`
	MaxSendMsgBytes int    `yaml:"max_send_msg_bytes" json:"max_send_msg_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type WALMode string

const (
	ModeEmbedded WALMode = "embedded"
	ModeQueue    WALMode = "queue"
	ModeMemory   WALMode = "memory"
)

type WALConfig struct {
	Mode               WALMode     `yaml:"mode" json:"mode"`
	Dir                string      `yaml:"dir" json:"dir"`
	Fsync              bool        `yaml:"fsync" json:"fsync"`
	RecoverParallelism int         `yaml:"recover_parallelism" json:"recover_parallelism"`
	Queue              QueueConfig `yaml:"queue" json:"queue"`
}

type QueueConfig struct {
	Brokers           []string      `yaml:"brokers" json:"brokers"`
	TopicPrefix       string        `yaml:"topic_prefix" json:"topic_prefix"`
	ClientID          string        `yaml:"client_id" json:"client_id"`
	ReplicationFactor int16         `yaml:"replication_factor" json:"replication_factor"`
	MinInsyncReplicas int           `yaml:"min_insync_replicas" json:"min_insync_replicas"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout" json:"read_timeout"`
	FetchBatch        int           `yaml:"fetch_batch" json:"fetch_batch"`
}

type IngestConfig struct {
	Retry RetryConfig `yaml:"retry" json:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

type QueryConfig struct {
	DefaultBatchSize       int `yaml:"default_batch_size" json:"default_batch_size"`
	DefaultReadParallelism int `yaml:"default_read_parallelism" json:"default_read_parallelism"`
}

// StoreConfig covers the memory buffer and the segment store behind it.
type StoreConfig struct {
	// Dir of the segment store; empty keeps segments in memory.
	Dir           string `yaml:"dir" json:"dir"`
	MaxBufferRows int    `yaml:"max_buffer_rows" json:"max_buffer_rows"`
}

type JobsConfig struct {
	TruncateInterval time.Duration `yaml:"truncate_interval" json:"truncate_interval"`
	FlushInterval    time.Duration `yaml:"flush_interval" json:"flush_interval"`
	// TruncateRate caps region truncations per second across all tables.
	TruncateRate float64 `yaml:"truncate_rate" json:"truncate_rate"`
}

type TableConfig struct {
	Catalog         string         `yaml:"catalog" json:"catalog"`
	Schema          string         `yaml:"schema" json:"schema"`
	Name            string         `yaml:"name" json:"name"`
	TimestampColumn string         `yaml:"timestamp_column" json:"timestamp_column"`
	Columns         []ColumnConfig `yaml:"columns" json:"columns"`
	Options         OptionsConfig  `yaml:"options" json:"options"`
}

type ColumnConfig struct {
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind" json:"kind"`
	Tag  bool   `yaml:"tag" json:"tag"`
}

// OptionsConfig leaves zero values to table.DefaultOptions.
type OptionsConfig struct {
	SegmentDuration    time.Duration `yaml:"segment_duration" json:"segment_duration"`
	TTL                time.Duration `yaml:"ttl" json:"ttl"`
	TTLEnabled         *bool         `yaml:"ttl_enabled" json:"ttl_enabled"`
	CompactionStrategy string        `yaml:"compaction_strategy" json:"compaction_strategy"`
	StorageFormat      string        `yaml:"storage_format" json:"storage_format"`
	Compression        string        `yaml:"compression" json:"compression"`
	WriteBufferSize    int           `yaml:"write_buffer_size" json:"write_buffer_size"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			GRPCAddr:        ":8831",
			HTTPAddr:        ":5440",
			MaxRecvMsgBytes: 1 << 30,
			MaxSendMsgBytes: 20 << 20,
		},
		Log: LogConfig{Level: "info", Format: "logfmt"},
		WAL: WALConfig{
			Mode:               ModeEmbedded,
			Dir:                "./data/wal",
			Fsync:              true,
			RecoverParallelism: 8,
			Queue: QueueConfig{
				TopicPrefix:       "strata-wal",
				ClientID:          "strata",
				ReplicationFactor: 3,
				MinInsyncReplicas: 2,
				WriteTimeout:      10 * time.Second,
				ReadTimeout:       5 * time.Second,
				FetchBatch:        512,
			},
		},
		Ingest: IngestConfig{Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		}},
		Query: QueryConfig{DefaultBatchSize: 1024, DefaultReadParallelism: 4},
		Store: StoreConfig{Dir: "./data/segments"},
		Jobs: JobsConfig{
			TruncateInterval: time.Minute,
			FlushInterval:    5 * time.Minute,
			TruncateRate:     10,
		},
	}
}

// Load reads path over the defaults. JSON files parse as YAML.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.WAL.Mode {
	case ModeEmbedded:
		if c.WAL.Dir == "" {
			return errors.New("wal.dir is required in embedded mode")
		}
	case ModeQueue:
		if len(c.WAL.Queue.Brokers) == 0 {
			return errors.New("wal.queue.brokers is required in queue mode")
		}
		if c.WAL.Queue.MinInsyncReplicas > int(c.WAL.Queue.ReplicationFactor) {
			return errors.Newf("min_insync_replicas %d exceeds replication_factor %d",
				c.WAL.Queue.MinInsyncReplicas, c.WAL.Queue.ReplicationFactor)
		}
	case ModeMemory:
	default:
		return errors.Newf("unknown wal.mode %q", c.WAL.Mode)
	}
	if c.Ingest.Retry.MaxAttempts < 1 {
		return errors.New("ingest.retry.max_attempts must be at least 1")
	}
	seen := map[table.Identifier]bool{}
	for i, t := range c.Tables {
		def, err := t.Definition()
		if err != nil {
			return errors.Wrapf(err, "tables[%d]", i)
		}
		if seen[def.Ident] {
			return errors.Newf("tables[%d]: duplicate table %s", i, def.Ident)
		}
		seen[def.Ident] = true
	}
	return nil
}

// TableDefinition is a table declared in configuration.
type TableDefinition struct {
	Ident   table.Identifier
	Schema  table.Schema
	Options table.Options
}

func (t TableConfig) Definition() (TableDefinition, error) {
	id := table.Identifier{Catalog: t.Catalog, Schema: t.Schema, Table: t.Name}
	if !id.Valid() {
		return TableDefinition{}, errors.Newf("table identifier %q is incomplete", id)
	}
	schema := table.Schema{TimestampIndex: -1}
	for _, c := range t.Columns {
		kind, err := table.ParseKind(c.Kind)
		if err != nil {
			return TableDefinition{}, errors.Wrapf(err, "table %s column %s", id, c.Name)
		}
		if c.Name == t.TimestampColumn {
			schema.TimestampIndex = len(schema.Columns)
		}
		schema.Columns = append(schema.Columns, table.Column{Name: c.Name, Kind: kind, IsTag: c.Tag})
	}
	if err := schema.Validate(); err != nil {
		return TableDefinition{}, errors.Wrapf(err, "table %s", id)
	}
	return TableDefinition{Ident: id, Schema: schema, Options: t.Options.apply(table.DefaultOptions())}, nil
}

func (o OptionsConfig) apply(opts table.Options) table.Options {
	if o.SegmentDuration > 0 {
		opts.SegmentDuration = o.SegmentDuration
	}
	if o.TTL > 0 {
		opts.TTL = o.TTL
	}
	if o.TTLEnabled != nil {
		opts.TTLEnabled = *o.TTLEnabled
	}
	if o.CompactionStrategy != "" {
		opts.CompactionStrategy = table.CompactionStrategy(o.CompactionStrategy)
	}
	if o.StorageFormat != "" {
		opts.StorageFormat = o.StorageFormat
	}
	if o.Compression != "" {
		opts.Compression = o.Compression
	}
	if o.WriteBufferSize > 0 {
		opts.WriteBufferSize = o.WriteBufferSize
	}
	return opts
}
