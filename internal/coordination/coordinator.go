package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/metrics"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/stream"
)

var logger = loggo.GetLogger("keyspacescdc.coordination")

// Default intervals from spec §4.G.
const (
	DefaultShardSyncInterval         = 60 * time.Second
	DefaultLeaseAssignmentInterval   = 1 * time.Second
	DefaultRenewalInterval           = 10 * time.Second
	DefaultStealAfter                = 30 * time.Second
	DefaultAuditorInterval           = 5 * time.Second
	DefaultAuditorConfidenceThreshold = 3
)

// ErrLeaseLost indicates a checkpoint-advance or renewal CAS conflict
// revealed that another worker now owns the shard (spec §7).
var ErrLeaseLost = leaseLostError{}

type leaseLostError struct{}

func (leaseLostError) Error() string { return "lease lost: another worker owns this shard" }

// NewShardAssigned is delivered on Coordinator.Assigned() whenever this
// worker claims a previously-unowned shard's lease.
type NewShardAssigned struct {
	Shard stream.Shard
	Lease Lease
}

// Config configures a Coordinator.
type Config struct {
	Namespace string // key prefix for this stream's leases in Store
	WorkerID  string
	StreamID  string
	Store     Store
	Transport stream.Transport
	Clock     clock.Clock
	Metrics   *metrics.Registry

	ShardSyncInterval         time.Duration
	LeaseAssignmentInterval   time.Duration
	RenewalInterval           time.Duration
	StealAfter                time.Duration
	AuditorInterval           time.Duration
	AuditorConfidenceThreshold int
}

func (cfg *Config) fillDefaults() {
	if cfg.ShardSyncInterval == 0 {
		cfg.ShardSyncInterval = DefaultShardSyncInterval
	}
	if cfg.LeaseAssignmentInterval == 0 {
		cfg.LeaseAssignmentInterval = DefaultLeaseAssignmentInterval
	}
	if cfg.RenewalInterval == 0 {
		cfg.RenewalInterval = DefaultRenewalInterval
	}
	if cfg.StealAfter == 0 {
		cfg.StealAfter = DefaultStealAfter
	}
	if cfg.AuditorInterval == 0 {
		cfg.AuditorInterval = DefaultAuditorInterval
	}
	if cfg.AuditorConfidenceThreshold == 0 {
		cfg.AuditorConfidenceThreshold = DefaultAuditorConfidenceThreshold
	}
}

func (cfg Config) validate() error {
	if cfg.Namespace == "" {
		return errors.NotValidf("empty Namespace")
	}
	if cfg.WorkerID == "" {
		return errors.NotValidf("empty WorkerID")
	}
	if cfg.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if cfg.Transport == nil {
		return errors.NotValidf("nil Transport")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Coordinator is the shard-lease coordinator (spec §4.G). It runs
// discovery, assignment, renewal, and auditing as independent ticks inside
// one catacomb-supervised loop, and hands newly-claimed shards to its
// caller over the Assigned channel.
type Coordinator struct {
	catacomb catacomb.Catacomb
	config   Config

	mu     sync.Mutex
	owned  map[string]Lease // shardID -> our cached view of the lease
	shards map[string]stream.Shard

	suspects map[string]int // shardID -> consecutive "garbage" observations

	assigned chan NewShardAssigned
	lost     chan string // shardID whose lease this worker lost
}

// NewCoordinator validates cfg and starts a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Coordinator{
		config:   cfg,
		owned:    make(map[string]Lease),
		shards:   make(map[string]stream.Shard),
		suspects: make(map[string]int),
		assigned: make(chan NewShardAssigned),
		lost:     make(chan string),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &c.catacomb,
		Work: c.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Kill is part of worker.Worker.
func (c *Coordinator) Kill() { c.catacomb.Kill(nil) }

// Wait is part of worker.Worker.
func (c *Coordinator) Wait() error { return c.catacomb.Wait() }

var _ worker.Worker = (*Coordinator)(nil)

// Assigned delivers newly claimed shard leases to the scheduler, which
// spawns a processor for each.
func (c *Coordinator) Assigned() <-chan NewShardAssigned { return c.assigned }

// Lost delivers shard IDs whose lease this worker no longer holds
// (stolen, or CAS-conflicted during renewal) so the scheduler can stop the
// matching processor.
func (c *Coordinator) Lost() <-chan string { return c.lost }

func (c *Coordinator) loop() error {
	ctx := context.Background()
	clk := c.config.Clock

	if err := c.syncShards(ctx); err != nil {
		logger.Warningf("initial shard sync failed: %v", err)
	}

	syncTimer := clk.NewTimer(c.config.ShardSyncInterval)
	defer syncTimer.Stop()
	assignTimer := clk.NewTimer(c.config.LeaseAssignmentInterval)
	defer assignTimer.Stop()
	renewTimer := clk.NewTimer(c.config.RenewalInterval)
	defer renewTimer.Stop()
	auditTimer := clk.NewTimer(c.config.AuditorInterval)
	defer auditTimer.Stop()

	for {
		select {
		case <-c.catacomb.Dying():
			return c.catacomb.ErrDying()

		case <-syncTimer.Chan():
			if err := c.syncShards(ctx); err != nil {
				logger.Warningf("shard sync failed: %v", err)
			}
			syncTimer.Reset(c.config.ShardSyncInterval)

		case <-assignTimer.Chan():
			c.assignShards(ctx)
			assignTimer.Reset(c.config.LeaseAssignmentInterval)

		case <-renewTimer.Chan():
			c.renewLeases(ctx)
			renewTimer.Reset(c.config.RenewalInterval)

		case <-auditTimer.Chan():
			if err := c.auditLeases(ctx); err != nil {
				logger.Warningf("lease audit failed: %v", err)
			}
			auditTimer.Reset(c.config.AuditorInterval)
		}
	}
}

// syncShards enumerates shards from the transport and creates a missing
// lease (owner=nil, counter=0, checkpoint=TRIM_HORIZON) for every shard
// that doesn't have one yet (spec §4.G discovery).
func (c *Coordinator) syncShards(ctx context.Context) error {
	shards, err := c.config.Transport.ListShards(ctx, c.config.StreamID)
	if err != nil {
		return errors.Trace(err)
	}

	c.mu.Lock()
	c.shards = make(map[string]stream.Shard, len(shards))
	for _, s := range shards {
		c.shards[s.ShardID] = s
	}
	c.mu.Unlock()

	for _, s := range shards {
		key := leaseKey(c.config.Namespace, s.ShardID)
		_, _, err := c.config.Store.Get(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			logger.Warningf("reading lease for shard %s: %v", s.ShardID, err)
			continue
		}
		lease := Lease{
			ShardID:         s.ShardID,
			Counter:         0,
			Checkpoint:      stream.TrimHorizon,
			ParentShardIDs:  s.ParentShardIDs,
			LastRenewalTime: c.config.Clock.Now(),
		}
		if err := c.config.Store.PutIfAbsent(ctx, key, marshalLease(lease)); err != nil && !errors.Is(err, ErrConflict) {
			logger.Warningf("creating lease for shard %s: %v", s.ShardID, err)
		}
	}
	return nil
}

// assignShards scans unowned and stale-owned leases and attempts to claim
// every claimable one via CAS, refusing shards whose parent leases are
// still present, even at shard end, until the auditor deletes them
// (spec §4.G assignment, invariant (iii)).
// A lease whose owner hasn't renewed within StealAfter is treated as
// abandoned and is claimable just like an unowned one (spec §4.G
// Renewal).
func (c *Coordinator) assignShards(ctx context.Context) {
	entries, err := c.config.Store.Scan(ctx, c.config.Namespace+"/")
	if err != nil {
		logger.Warningf("scanning leases: %v", err)
		return
	}

	for _, e := range entries {
		lease, err := unmarshalLease(e.Value)
		if err != nil {
			logger.Warningf("decoding lease %s: %v", e.Key, err)
			continue
		}
		if lease.IsOwned() {
			if c.config.Clock.Now().Sub(lease.LastRenewalTime) <= c.config.StealAfter {
				continue
			}
			logger.Infof("shard %s: lease from %s stale since %s, stealing",
				lease.ShardID, lease.Owner, lease.LastRenewalTime)
		} else if c.hasLiveParent(lease.ParentShardIDs) {
			continue
		}

		claim := lease
		claim.Owner = c.config.WorkerID
		claim.OwnerSwitchesSinceCheckpoint++
		claim.LastRenewalTime = c.config.Clock.Now()

		if err := c.config.Store.UpdateIf(ctx, e.Key, marshalLease(claim), e.Counter); err != nil {
			if !errors.Is(err, ErrConflict) {
				logger.Warningf("claiming lease %s: %v", e.Key, err)
			}
			continue
		}
		claim.Counter = e.Counter + 1

		c.mu.Lock()
		c.owned[lease.ShardID] = claim
		shard := c.shards[lease.ShardID]
		c.mu.Unlock()

		if c.config.Metrics != nil {
			c.config.Metrics.LeasesHeld.Inc()
		}
		logger.Infof("claimed shard %s (owner switches since last checkpoint: %d)", lease.ShardID, claim.OwnerSwitchesSinceCheckpoint)

		select {
		case c.assigned <- NewShardAssigned{Shard: shard, Lease: claim}:
		case <-c.catacomb.Dying():
			return
		}
	}
}

// hasLiveParent reports whether any of parentIDs still has a present
// lease. A parent lease at shard end still counts until it is deleted.
func (c *Coordinator) hasLiveParent(parentIDs []string) bool {
	if len(parentIDs) == 0 {
		return false
	}
	for _, pid := range parentIDs {
		key := leaseKey(c.config.Namespace, pid)
		_, _, err := c.config.Store.Get(context.Background(), key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		// Present, or unreadable (be conservative): the parent is live.
		return true
	}
	return false
}

// renewLeases CAS-writes a fresh LastRenewalTime for every lease this
// worker currently believes it owns. A CAS conflict means we lost the
// lease (another worker stole it, or renewed it first); the owning
// processor is told via Lost.
func (c *Coordinator) renewLeases(ctx context.Context) {
	c.mu.Lock()
	owned := make([]Lease, 0, len(c.owned))
	for _, l := range c.owned {
		owned = append(owned, l)
	}
	c.mu.Unlock()

	for _, lease := range owned {
		key := leaseKey(c.config.Namespace, lease.ShardID)
		renewed := lease
		renewed.LastRenewalTime = c.config.Clock.Now()

		err := c.config.Store.UpdateIf(ctx, key, marshalLease(renewed), lease.Counter)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				c.forgetAndNotifyLost(lease.ShardID)
				continue
			}
			logger.Warningf("renewing lease %s: %v", lease.ShardID, err)
			continue
		}
		renewed.Counter = lease.Counter + 1
		c.mu.Lock()
		c.owned[lease.ShardID] = renewed
		c.mu.Unlock()
	}
}

// AdvanceCheckpoint CAS-writes checkpoint for shardID. It fails with
// ErrLeaseLost if this worker no longer owns the lease (spec §4.G
// "Checkpoint advance").
func (c *Coordinator) AdvanceCheckpoint(ctx context.Context, shardID, checkpoint string) error {
	c.mu.Lock()
	lease, ok := c.owned[shardID]
	c.mu.Unlock()
	if !ok {
		return errors.Trace(ErrLeaseLost)
	}

	key := leaseKey(c.config.Namespace, shardID)
	updated := lease
	updated.Checkpoint = checkpoint
	updated.LastRenewalTime = c.config.Clock.Now()
	updated.OwnerSwitchesSinceCheckpoint = 0

	err := c.config.Store.UpdateIf(ctx, key, marshalLease(updated), lease.Counter)
	if errors.Is(err, ErrConflict) {
		if c.config.Metrics != nil {
			c.config.Metrics.CheckpointAdvanceConflicts.Inc()
		}
		// Re-read after a conflict: if this worker still owns the lease (its
		// own renewal moved the counter), retry once at the current counter.
		if val, counter, gerr := c.config.Store.Get(ctx, key); gerr == nil {
			if current, uerr := unmarshalLease(val); uerr == nil && current.Owner == c.config.WorkerID {
				lease.Counter = counter
				err = c.config.Store.UpdateIf(ctx, key, marshalLease(updated), counter)
			}
		}
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			c.forgetAndNotifyLost(shardID)
			return errors.Trace(ErrLeaseLost)
		}
		return errors.Trace(err)
	}
	updated.Counter = lease.Counter + 1
	c.mu.Lock()
	c.owned[shardID] = updated
	c.mu.Unlock()
	return nil
}

// Release CAS-clears ownership of shardID (owner=nil, counter++), the
// graceful-shutdown path (spec §4.G "Release").
func (c *Coordinator) Release(ctx context.Context, shardID string) error {
	c.mu.Lock()
	lease, ok := c.owned[shardID]
	if ok {
		delete(c.owned, shardID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	key := leaseKey(c.config.Namespace, shardID)
	cleared := lease
	cleared.Owner = ""
	err := c.config.Store.UpdateIf(ctx, key, marshalLease(cleared), lease.Counter)
	if err != nil && !errors.Is(err, ErrConflict) {
		return errors.Trace(err)
	}
	if c.config.Metrics != nil {
		c.config.Metrics.LeasesHeld.Dec()
	}
	return nil
}

func (c *Coordinator) forgetAndNotifyLost(shardID string) {
	c.mu.Lock()
	_, ok := c.owned[shardID]
	delete(c.owned, shardID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.config.Metrics != nil {
		c.config.Metrics.LeasesHeld.Dec()
		c.config.Metrics.LeaseSteals.Inc()
	}
	select {
	case c.lost <- shardID:
	case <-c.catacomb.Dying():
	}
}

// auditLeases deletes leases for shards that no longer appear in the
// transport's shard enumeration and whose checkpoint has passed shard end,
// requiring AuditorConfidenceThreshold consecutive observations before
// deleting (spec §4.G "Auditor").
func (c *Coordinator) auditLeases(ctx context.Context) error {
	entries, err := c.config.Store.Scan(ctx, c.config.Namespace+"/")
	if err != nil {
		return errors.Trace(err)
	}

	c.mu.Lock()
	present := make(map[string]bool, len(c.shards))
	for id := range c.shards {
		present[id] = true
	}
	c.mu.Unlock()

	seenThisRound := make(map[string]bool, len(entries))
	for _, e := range entries {
		lease, err := unmarshalLease(e.Value)
		if err != nil {
			continue
		}
		seenThisRound[lease.ShardID] = true

		if present[lease.ShardID] {
			delete(c.suspects, lease.ShardID)
			continue
		}
		if !lease.IsShardEnd() {
			delete(c.suspects, lease.ShardID)
			continue
		}

		c.suspects[lease.ShardID]++
		if c.suspects[lease.ShardID] < c.config.AuditorConfidenceThreshold {
			continue
		}

		if err := c.config.Store.DeleteIf(ctx, e.Key, e.Counter); err != nil && !errors.Is(err, ErrConflict) {
			logger.Warningf("deleting garbage lease %s: %v", e.Key, err)
			continue
		}
		delete(c.suspects, lease.ShardID)
		logger.Infof("auditor deleted garbage lease for shard %s", lease.ShardID)
	}
	for id := range c.suspects {
		if !seenThisRound[id] {
			delete(c.suspects, id)
		}
	}
	return nil
}
