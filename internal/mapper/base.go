package mapper

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/loggo"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/batch"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/filter"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/metrics"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/record"
)

var logger = loggo.GetLogger("keyspacescdc.mapper")

// Base is embedded by every concrete sink to provide the shared filter
// wiring, metrics, and retry-count option that spec §4.C calls common to
// every mapper. Design Notes §9: "shared logic lives in ... an embedded
// struct reused by composition, not inheritance" — this is that struct,
// replacing the original AbstractTargetMapper base class.
type Base struct {
	MaxRetries int
	Region     string
	Metrics    *metrics.Registry
	Clock      clock.Clock

	filterExpr *filter.Compiled

	initOnce sync.Once
	initErr  error
}

// NewBase builds a Base from the cross-sink options every mapper accepts
// (spec §4.C): max-retries, filter-expression, region. clk backs the
// sink's own retry harness (spec §4.E); every sink owns its delivery
// retries, the processor calls handle_records exactly once per batch.
func NewBase(opts Options, reg *metrics.Registry, clk clock.Clock) (Base, error) {
	b := Base{
		MaxRetries: opts.Int("max-retries", 3),
		Region:     opts.String("region", ""),
		Metrics:    reg,
		Clock:      clk,
	}
	if expr := opts.String("filter-expression", ""); expr != "" {
		compiled, err := filter.Parse(expr)
		if err != nil {
			return Base{}, NewConfigError("filter-expression", err.Error())
		}
		b.filterExpr = compiled
	}
	return b, nil
}

// RetryPolicy builds the batcher/retry harness (spec §4.E) this sink uses
// for its own delivery attempts, bound to the sink's configured
// max-retries and clock.
func (b *Base) RetryPolicy() batch.RetryPolicy {
	p := batch.NewRetryPolicy(b.MaxRetries, b.Clock)
	p.Metrics = b.Metrics
	return p
}

// LinearRetryPolicy builds the linear-backoff variant a sink uses in
// place of RetryPolicy when its spec calls for delay = base * attempt
// instead of exponential backoff.
func (b *Base) LinearRetryPolicy() batch.LinearPolicy {
	p := batch.NewLinearPolicy(b.MaxRetries, b.Clock)
	p.Metrics = b.Metrics
	return p
}

// InitializeOnce wraps fn so that it runs exactly once across every caller
// that shares this Base, regardless of how many shard processors call
// Initialize concurrently (spec §5's "initialization latch" requirement).
func (b *Base) InitializeOnce(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		b.initOnce.Do(func() {
			b.initErr = fn(ctx)
		})
		return b.initErr
	}
}

// FilterRecords implements the default TargetMapper.FilterRecords: when no
// filter expression is configured, it returns batch unchanged; otherwise
// it evaluates the compiled expression against each record and drops the
// ones that don't pass, incrementing the records_filtered counter.
func (b *Base) FilterRecords(batch Batch) Batch {
	if b.filterExpr == nil {
		return batch
	}
	kept := make([]record.Record, 0, len(batch.Records))
	for _, rec := range batch.Records {
		if b.filterExpr.Evaluate(filter.ContextFor(rec)) {
			kept = append(kept, rec)
		}
	}
	dropped := len(batch.Records) - len(kept)
	if dropped > 0 {
		logger.Debugf("filter %q dropped %d of %d records", b.filterExpr, dropped, len(batch.Records))
		if b.Metrics != nil {
			b.Metrics.RecordsFiltered.Add(float64(dropped))
		}
	}
	return Batch{Records: kept}
}
