package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// FromEnv overlays STRATA_* variables onto cfg.
func FromEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var errs error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = d
		}
	}

	str("STRATA_GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("STRATA_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("STRATA_LOG_LEVEL", &cfg.Log.Level)
	str("STRATA_LOG_FORMAT", &cfg.Log.Format)

	mode := string(cfg.WAL.Mode)
	str("STRATA_WAL_MODE", &mode)
	cfg.WAL.Mode = WALMode(mode)
	str("STRATA_WAL_DIR", &cfg.WAL.Dir)
	if v, ok := os.LookupEnv("STRATA_WAL_FSYNC"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "STRATA_WAL_FSYNC"))
		} else {
			cfg.WAL.Fsync = b
		}
	}
	num("STRATA_RECOVER_PARALLELISM", &cfg.WAL.RecoverParallelism)

	if v, ok := os.LookupEnv("STRATA_KAFKA_BROKERS"); ok && v != "" {
		cfg.WAL.Queue.Brokers = splitList(v)
	}
	str("STRATA_KAFKA_TOPIC_PREFIX", &cfg.WAL.Queue.TopicPrefix)
	dur("STRATA_KAFKA_WRITE_TIMEOUT", &cfg.WAL.Queue.WriteTimeout)

	str("STRATA_STORE_DIR", &cfg.Store.Dir)
	num("STRATA_INGEST_MAX_ATTEMPTS", &cfg.Ingest.Retry.MaxAttempts)
	dur("STRATA_TRUNCATE_INTERVAL", &cfg.Jobs.TruncateInterval)
	dur("STRATA_FLUSH_INTERVAL", &cfg.Jobs.FlushInterval)
	return errs
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
