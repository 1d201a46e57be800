// Package scheduler implements the top-level per-process loop (spec
// §4.H): it starts a Coordinator, and for every shard the Coordinator
// assigns to this worker it opens an iterator and spawns a dedicated
// Processor, tearing the matching Processor down whenever the Coordinator
// reports the lease lost. Grounded on a juju/worker/v4 dependency engine
// manifold: the Scheduler embeds a catacomb.Catacomb, adds the
// Coordinator as a tracked alongside-worker, and its own loop starts and
// stops Processors the same way a manifold's start func wires a
// component's dependencies.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/coordination"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/metrics"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/processor"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/stream"
)

var logger = loggo.GetLogger("keyspacescdc.scheduler")

// DefaultShutdownTimeout is spec §5's hard deadline for graceful
// shutdown: past it, the process exits with uncheckpointed work, which is
// safe under at-least-once delivery.
const DefaultShutdownTimeout = 30 * time.Second

// Config configures a Scheduler. The Mapper is constructed once by the
// caller (typically from a resolved config.Document via mapper.New) and
// shared across every shard's Processor, per spec §5's shared-resource
// policy — Initialize is idempotent and safe to race.
type Config struct {
	Namespace string
	WorkerID  string
	StreamID  string

	Store     coordination.Store
	Transport stream.Transport
	Mapper    mapper.TargetMapper
	Clock     clock.Clock
	Metrics   *metrics.Registry

	CheckpointInterval time.Duration
	ShutdownTimeout    time.Duration

	// Coordinator tuning, passed through verbatim; zero values take
	// coordination's own defaults.
	ShardSyncInterval          time.Duration
	LeaseAssignmentInterval    time.Duration
	RenewalInterval            time.Duration
	StealAfter                 time.Duration
	AuditorInterval            time.Duration
	AuditorConfidenceThreshold int
}

func (cfg *Config) fillDefaults() {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func (cfg Config) validate() error {
	if cfg.Namespace == "" {
		return errors.NotValidf("empty Namespace")
	}
	if cfg.WorkerID == "" {
		return errors.NotValidf("empty WorkerID")
	}
	if cfg.StreamID == "" {
		return errors.NotValidf("empty StreamID")
	}
	if cfg.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if cfg.Transport == nil {
		return errors.NotValidf("nil Transport")
	}
	if cfg.Mapper == nil {
		return errors.NotValidf("nil Mapper")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Scheduler binds a Coordinator to one Processor per owned shard,
// starting and stopping Processors as leases are claimed and lost.
type Scheduler struct {
	catacomb catacomb.Catacomb
	config   Config
	coord    *coordination.Coordinator

	mu         sync.Mutex
	processors map[string]*processor.Processor
}

// New validates cfg, starts a Coordinator, and starts a Scheduler bound
// to it.
func New(cfg Config) (*Scheduler, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}

	coord, err := coordination.NewCoordinator(coordination.Config{
		Namespace:                  cfg.Namespace,
		WorkerID:                   cfg.WorkerID,
		StreamID:                   cfg.StreamID,
		Store:                      cfg.Store,
		Transport:                  cfg.Transport,
		Clock:                      cfg.Clock,
		Metrics:                    cfg.Metrics,
		ShardSyncInterval:          cfg.ShardSyncInterval,
		LeaseAssignmentInterval:    cfg.LeaseAssignmentInterval,
		RenewalInterval:            cfg.RenewalInterval,
		StealAfter:                 cfg.StealAfter,
		AuditorInterval:            cfg.AuditorInterval,
		AuditorConfidenceThreshold: cfg.AuditorConfidenceThreshold,
	})
	if err != nil {
		return nil, errors.Annotate(err, "starting coordinator")
	}

	s := &Scheduler{
		config:     cfg,
		coord:      coord,
		processors: make(map[string]*processor.Processor),
	}
	err = catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
		Init: []worker.Worker{coord},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of worker.Worker. It begins the shutdown sequence: the
// Coordinator is killed (which stops assigning new shards and, via its
// own Release path, clears leases) and every running Processor is asked
// to quiesce.
func (s *Scheduler) Kill() { s.catacomb.Kill(nil) }

// Wait is part of worker.Worker.
func (s *Scheduler) Wait() error { return s.catacomb.Wait() }

var _ worker.Worker = (*Scheduler)(nil)

func (s *Scheduler) loop() error {
	for {
		select {
		case <-s.catacomb.Dying():
			return s.shutdown()

		case claim, ok := <-s.coord.Assigned():
			if !ok {
				continue
			}
			if err := s.startProcessor(claim); err != nil {
				logger.Errorf("shard %s: failed to start processor: %v", claim.Shard.ShardID, err)
			}

		case shardID, ok := <-s.coord.Lost():
			if !ok {
				continue
			}
			s.stopProcessor(shardID)
		}
	}
}

// startProcessor opens an iterator for the newly claimed shard and spawns
// a Processor for it (spec §4.H: "for each newly-owned shard spawn a
// dedicated processor task").
func (s *Scheduler) startProcessor(claim coordination.NewShardAssigned) error {
	ctx := context.Background()
	iter, err := s.config.Transport.OpenIterator(ctx, claim.Shard.ShardID, claim.Lease.Checkpoint)
	if err != nil {
		return errors.Annotatef(err, "opening iterator for shard %s", claim.Shard.ShardID)
	}

	p, err := processor.NewProcessor(processor.Config{
		Shard:              claim.Shard,
		Checkpoint:         claim.Lease.Checkpoint,
		Iterator:           iter,
		Mapper:             s.config.Mapper,
		Coord:              s.coord,
		Clock:              s.config.Clock,
		Metrics:            s.config.Metrics,
		CheckpointInterval: s.config.CheckpointInterval,
	})
	if err != nil {
		return errors.Annotatef(err, "starting processor for shard %s", claim.Shard.ShardID)
	}

	s.mu.Lock()
	s.processors[claim.Shard.ShardID] = p
	s.mu.Unlock()

	if err := s.catacomb.Add(p); err != nil {
		p.Kill()
		return errors.Trace(err)
	}

	logger.Infof("started processor for shard %s", claim.Shard.ShardID)
	return nil
}

// stopProcessor kills and forgets the Processor for shardID, if one is
// running. The lease is already gone by the time Lost fires, so there is
// nothing left to release.
func (s *Scheduler) stopProcessor(shardID string) {
	s.mu.Lock()
	p, ok := s.processors[shardID]
	delete(s.processors, shardID)
	s.mu.Unlock()
	if !ok {
		return
	}
	logger.Warningf("stopping processor for shard %s: lease lost", shardID)
	p.Kill()
	if err := p.Wait(); err != nil {
		logger.Warningf("processor for shard %s exited with error: %v", shardID, err)
	}
}

// shutdown implements spec §4.H's shutdown sequence: stop accepting new
// shards (the caller already stopped select-ing on Assigned by returning
// here), quiesce every running processor, and wait for them up to
// ShutdownTimeout before giving up.
func (s *Scheduler) shutdown() error {
	s.mu.Lock()
	running := make([]*processor.Processor, 0, len(s.processors))
	for _, p := range s.processors {
		running = append(running, p)
	}
	s.mu.Unlock()

	for _, p := range running {
		p.Quiesce()
	}

	done := make(chan struct{})
	go func() {
		for _, p := range running {
			if err := p.Wait(); err != nil {
				logger.Warningf("processor exited during shutdown with error: %v", err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-s.config.Clock.After(s.config.ShutdownTimeout):
		logger.Warningf("graceful shutdown exceeded %s, exiting with %d processor(s) still draining",
			s.config.ShutdownTimeout, len(running))
	}

	s.coord.Kill()
	if err := s.coord.Wait(); err != nil {
		logger.Warningf("coordinator exited with error: %v", err)
	}

	return s.catacomb.ErrDying()
}
