// Package processor implements the per-shard record processor (spec
// §4.F): a catacomb-supervised pull loop that fetches batches from a
// shard iterator, decodes and filters records, hands them to a mapper,
// and advances the shard's checkpoint through a Coordinator. Grounded on
// worker/lease.Manager's single-loop-plus-channel-ops shape, adapted to a
// per-shard pull loop instead of a request-response broker.
package processor

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/coordination"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/metrics"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/record"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/stream"
)

var logger = loggo.GetLogger("keyspacescdc.processor")

// State is one of the per-shard processor's lifecycle states (spec
// §4.F's state diagram).
type State int

const (
	StateInit State = iota
	StateRunning
	StateDraining
	StateQuiescing
	StateTerminated
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateQuiescing:
		return "QUIESCING"
	case StateTerminated:
		return "TERMINATED"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// CheckpointAdvancer is the subset of Coordinator a processor needs.
type CheckpointAdvancer interface {
	AdvanceCheckpoint(ctx context.Context, shardID, checkpoint string) error
	Release(ctx context.Context, shardID string) error
}

// Config configures one Processor instance, one per owned shard.
type Config struct {
	Shard      stream.Shard
	Checkpoint string // initial checkpoint, from the claimed lease
	Iterator   stream.IteratorHandle
	Mapper     mapper.TargetMapper
	Coord      CheckpointAdvancer
	Clock      clock.Clock
	Metrics    *metrics.Registry

	CheckpointInterval time.Duration // default 60s, empty-batch opportunistic checkpoint
}

func (cfg *Config) fillDefaults() {
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 60 * time.Second
	}
}

// Processor drives one shard's INIT->RUNNING->{DRAINING,ABANDONED,QUIESCING}->TERMINATED
// lifecycle.
type Processor struct {
	catacomb catacomb.Catacomb
	config   Config

	state            State
	lastCheckpoint   string
	lastCheckpointAt time.Time

	quiesce chan struct{}
}

// NewProcessor validates cfg and starts a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	cfg.fillDefaults()
	if cfg.Iterator == nil {
		return nil, errors.NotValidf("nil Iterator")
	}
	if cfg.Mapper == nil {
		return nil, errors.NotValidf("nil Mapper")
	}
	if cfg.Coord == nil {
		return nil, errors.NotValidf("nil Coord")
	}
	if cfg.Clock == nil {
		return nil, errors.NotValidf("nil Clock")
	}

	p := &Processor{
		config:         cfg,
		state:          StateInit,
		lastCheckpoint: cfg.Checkpoint,
		quiesce:        make(chan struct{}),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &p.catacomb,
		Work: p.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Kill is part of worker.Worker.
func (p *Processor) Kill() { p.catacomb.Kill(nil) }

// Wait is part of worker.Worker.
func (p *Processor) Wait() error { return p.catacomb.Wait() }

var _ worker.Worker = (*Processor)(nil)

// Quiesce requests a graceful stop: the current batch finishes, a final
// checkpoint is written if possible, and the loop exits cleanly (spec
// §4.F "shutdown-requested" transition and §5's cancellation contract).
func (p *Processor) Quiesce() {
	select {
	case <-p.quiesce:
	default:
		close(p.quiesce)
	}
}

// State returns the processor's current lifecycle state.
func (p *Processor) State() State { return p.state }

func (p *Processor) loop() error {
	ctx := context.Background()
	p.state = StateRunning

	if err := p.config.Mapper.Initialize(ctx); err != nil {
		return errors.Annotate(err, "initializing mapper")
	}

	for {
		select {
		case <-p.catacomb.Dying():
			return p.catacomb.ErrDying()
		case <-p.quiesce:
			return p.runQuiescing(ctx)
		default:
		}

		done, err := p.processOneBatch(ctx)
		if err != nil {
			if errors.Is(err, coordination.ErrLeaseLost) {
				p.state = StateAbandoned
				logger.Warningf("shard %s: lease lost, abandoning", p.config.Shard.ShardID)
				return nil
			}
			logger.Errorf("shard %s: fatal processing error: %v", p.config.Shard.ShardID, err)
			return errors.Trace(err)
		}
		if done {
			p.state = StateTerminated
			return nil
		}
	}
}

// processOneBatch runs one iteration of spec §4.F's per-batch algorithm.
// It returns done=true once the shard has been fully drained.
func (p *Processor) processOneBatch(ctx context.Context) (bool, error) {
	b, err := p.config.Iterator.Next(ctx)
	if err != nil {
		return false, errors.Annotate(err, "fetching next batch")
	}

	records := make([]record.Record, 0, len(b.Records))
	rejected := 0
	for _, raw := range b.Records {
		rec, err := record.Decode(raw)
		if err != nil {
			logger.Warningf("shard %s: dropping undecodable record %s: %v",
				p.config.Shard.ShardID, raw.SequenceNumber, err)
			rejected++
			continue
		}
		if rec.Operation == record.OpUnknown {
			rejected++
			continue
		}
		records = append(records, rec)
	}
	if p.config.Metrics != nil && rejected > 0 {
		p.config.Metrics.RecordsRejectedUnknownOp.Add(float64(rejected))
	}
	if p.config.Metrics != nil && len(b.Records) > 0 {
		p.config.Metrics.RecordsIn.Add(float64(len(b.Records)))
	}

	filtered := p.config.Mapper.FilterRecords(mapper.Batch{Records: records})

	if len(filtered.Records) > 0 {
		for {
			err := p.config.Mapper.HandleRecords(ctx, filtered)
			if err == nil {
				break
			}
			// The sink's own retry harness (spec §4.E) already exhausted its
			// attempts; do not advance the checkpoint, and hand this same
			// batch to the mapper again (at-least-once) until it is
			// delivered or the processor is stopped.
			if p.config.Metrics != nil {
				if _, ok := mapper.IsPartialFailure(err); ok {
					p.config.Metrics.BatchPartialFailures.Inc()
				} else {
					p.config.Metrics.BatchTotalFailures.Inc()
				}
			}
			select {
			case <-p.catacomb.Dying():
				return false, nil
			case <-p.quiesce:
				return false, nil
			default:
			}
		}
		if p.config.Metrics != nil {
			p.config.Metrics.RecordsDelivered.Add(float64(len(filtered.Records)))
		}
	}

	if b.EndOfShard {
		p.state = StateDraining
		if err := p.config.Coord.AdvanceCheckpoint(ctx, p.config.Shard.ShardID, stream.ShardEnd); err != nil {
			return false, errors.Trace(err)
		}
		return true, nil
	}

	if b.NextCheckpoint != "" && (len(records) > 0 || p.shouldCheckpointOpportunistically()) {
		if err := p.config.Coord.AdvanceCheckpoint(ctx, p.config.Shard.ShardID, b.NextCheckpoint); err != nil {
			return false, errors.Trace(err)
		}
		p.lastCheckpoint = b.NextCheckpoint
		p.lastCheckpointAt = p.config.Clock.Now()
	}
	return false, nil
}

func (p *Processor) shouldCheckpointOpportunistically() bool {
	if p.lastCheckpointAt.IsZero() {
		return true
	}
	return p.config.Clock.Now().Sub(p.lastCheckpointAt) >= p.config.CheckpointInterval
}

// runQuiescing writes a final checkpoint attempt and releases the lease,
// matching the QUIESCING->TERMINATED transition. It never blocks on a
// fresh retry once quiescing has started (spec §5's cancellation
// contract: finish the current attempt, then stop).
func (p *Processor) runQuiescing(ctx context.Context) error {
	p.state = StateQuiescing
	if p.lastCheckpoint != "" {
		if err := p.config.Coord.AdvanceCheckpoint(ctx, p.config.Shard.ShardID, p.lastCheckpoint); err != nil {
			logger.Warningf("shard %s: final checkpoint on quiesce failed: %v", p.config.Shard.ShardID, err)
		}
	}
	if err := p.config.Coord.Release(ctx, p.config.Shard.ShardID); err != nil {
		logger.Warningf("shard %s: release on quiesce failed: %v", p.config.Shard.ShardID, err)
	}
	p.state = StateTerminated
	return nil
}
