// Package metrics defines the prometheus collectors of the write and read
// paths. Constructors accept a nil registerer, which yields working but
// unregistered collectors for tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "strata"

type WAL struct {
	Appends       *prometheus.CounterVec
	AppendBytes   prometheus.Counter
	AppendLatency prometheus.Histogram
	Truncations   prometheus.Counter
	Recoveries    *prometheus.CounterVec
	OpenRegions   prometheus.Gauge
}

func NewWAL(reg prometheus.Registerer, backend string) *WAL {
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"backend": backend}, reg))
	return &WAL{
		Appends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Row group appends by result.",
		}, []string{"result"}),
		AppendBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "append_bytes_total",
			Help:      "Payload bytes durably appended.",
		}),
		AppendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "append_duration_seconds",
			Help:      "Time from append request to durable confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Truncations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "truncations_total",
			Help:      "Successful truncate_before calls.",
		}),
		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "recoveries_total",
			Help:      "Region recoveries by result.",
		}, []string{"result"}),
		OpenRegions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "open_regions",
			Help:      "Region logs currently registered.",
		}),
	}
}

type Ingest struct {
	Writes        *prometheus.CounterVec
	Rows          prometheus.Counter
	Retries       prometheus.Counter
	ApplyFailures prometheus.Counter
}

func NewIngest(reg prometheus.Registerer) *Ingest {
	f := promauto.With(reg)
	return &Ingest{
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "writes_total",
			Help:      "Write requests by result.",
		}, []string{"result"}),
		Rows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_total",
			Help:      "Rows acknowledged to writers.",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "append_retries_total",
			Help:      "Appends retried after the backend was unavailable.",
		}),
		ApplyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "apply_failures_total",
			Help:      "Durable row groups that failed to apply to the buffer.",
		}),
	}
}

type Query struct {
	Reads    *prometheus.CounterVec
	Rows     prometheus.Counter
	Duration prometheus.Histogram
}

func NewQuery(reg prometheus.Registerer) *Query {
	f := promauto.With(reg)
	return &Query{
		Reads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "reads_total",
			Help:      "Read requests by result.",
		}, []string{"result"}),
		Rows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "rows_total",
			Help:      "Rows streamed to readers.",
		}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "read_duration_seconds",
			Help:      "Lifetime of read streams.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
