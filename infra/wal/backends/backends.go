// Package backends selects the WAL backend for a deployment.
package backends

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"

	"strata/config"
	"strata/infra/wal"
	"strata/infra/wal/kvwal"
	"strata/infra/wal/memwal"
	"strata/infra/wal/queuewal"
)

func Open(cfg config.WALConfig, logger log.Logger) (wal.Backend, error) {
	switch cfg.Mode {
	case config.ModeEmbedded:
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create wal dir %s", cfg.Dir)
		}
		return kvwal.Open(kvwal.Options{
			Dir:    cfg.Dir,
			NoSync: !cfg.Fsync,
			Logger: logger,
		})

	case config.ModeQueue:
		q := cfg.Queue
		broker, err := queuewal.NewKafkaBroker(queuewal.KafkaConfig{
			Brokers:           q.Brokers,
			ClientID:          q.ClientID,
			ReplicationFactor: q.ReplicationFactor,
			MinInsyncReplicas: q.MinInsyncReplicas,
			WriteTimeout:      q.WriteTimeout,
			ReadTimeout:       q.ReadTimeout,
		})
		if err != nil {
			return nil, wal.Unavailable(err, "connect queue backend")
		}
		return queuewal.New(broker, queuewal.Options{
			TopicPrefix: q.TopicPrefix,
			FetchBatch:  q.FetchBatch,
			Logger:      logger,
		}), nil

	case config.ModeMemory:
		return memwal.New(), nil
	}
	return nil, errors.Newf("unknown wal mode %q", cfg.Mode)
}
