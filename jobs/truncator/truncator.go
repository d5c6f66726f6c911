// Package truncator runs the background maintenance of the write path:
// it flushes buffered rows into segments, truncates WAL prefixes whose
// rows are past their table's TTL, and replays regions flagged for reload.
package truncator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"strata/service"
)

type Options struct {
	TruncateInterval time.Duration
	FlushInterval    time.Duration
	// TruncateRate caps ExpireTable calls per second. Zero means unlimited.
	TruncateRate float64
	Logger       log.Logger
	Now          func() time.Time
}

type Truncator struct {
	svc     *service.Service
	opts    Options
	limiter *rate.Limiter
	logger  log.Logger
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(svc *service.Service, opts Options) *Truncator {
	if opts.TruncateInterval <= 0 {
		opts.TruncateInterval = time.Minute
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	limit := rate.Inf
	if opts.TruncateRate > 0 {
		limit = rate.Limit(opts.TruncateRate)
	}
	return &Truncator{
		svc:     svc,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  log.With(logger, "component", "truncator"),
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

// Start runs the loop in the background until ctx ends.
func (t *Truncator) Start(ctx context.Context) {
	go t.Run(ctx)
}

// Run blocks until ctx ends. Each truncate tick first replays regions that
// lost buffered data, then expires every table.
func (t *Truncator) Run(ctx context.Context) {
	level.Info(t.logger).Log("msg", "started", "truncate_interval", t.opts.TruncateInterval, "flush_interval", t.opts.FlushInterval)

	truncate := time.NewTicker(t.opts.TruncateInterval)
	defer truncate.Stop()
	flush := time.NewTicker(t.opts.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-truncate.C:
			if err := t.svc.ReloadPending(ctx); err != nil {
				level.Warn(t.logger).Log("msg", "reload pending regions", "err", err)
			}
			if _, err := t.ExpireOnce(ctx); err != nil && ctx.Err() == nil {
				level.Warn(t.logger).Log("msg", "expire pass", "err", err)
			}
		case <-flush.C:
			if _, err := t.svc.FlushAll(ctx); err != nil && ctx.Err() == nil {
				level.Warn(t.logger).Log("msg", "flush pass", "err", err)
			}
		}
	}
}

// ExpireOnce applies TTL to every table in the catalog. A failing table does
// not stop the pass; the errors are combined.
func (t *Truncator) ExpireOnce(ctx context.Context) ([]service.ExpireResult, error) {
	if !t.svc.Ready() {
		return nil, nil
	}
	now := t.opts.Now()
	var (
		out  []service.ExpireResult
		errs error
	)
	for _, tbl := range t.svc.Catalog().List() {
		if _, ok := tbl.Options.ExpiredBefore(now); !ok {
			continue
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return out, errors.CombineErrors(errs, err)
		}
		res, err := t.svc.ExpireTable(ctx, tbl, now)
		if errors.Is(err, service.ErrUnknownTable) {
			continue
		}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "expire %s", tbl.Ident))
			continue
		}
		if res.Truncated > 0 || res.Segments > 0 {
			level.Info(t.logger).Log("msg", "expired", "table", tbl.Ident, "truncated", res.Truncated, "segments", res.Segments)
		}
		out = append(out, res)
	}
	return out, errs
}
