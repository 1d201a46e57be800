package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/coordination"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/stream"
)

// fakeStore is an in-memory coordination.Store, sufficient to drive a real
// Coordinator's discovery/assignment/renewal ticks end to end.
type fakeStore struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string][]byte{}, counters: map[string]int64{}}
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, 0, coordination.ErrNotFound
	}
	return v, s.counters[key], nil
}

func (s *fakeStore) PutIfAbsent(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return coordination.ErrConflict
	}
	s.values[key] = value
	s.counters[key] = 0
	return nil
}

func (s *fakeStore) UpdateIf(_ context.Context, key string, value []byte, expectedCounter int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[key] != expectedCounter {
		return coordination.ErrConflict
	}
	s.values[key] = value
	s.counters[key] = expectedCounter + 1
	return nil
}

func (s *fakeStore) DeleteIf(_ context.Context, key string, expectedCounter int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[key] != expectedCounter {
		return coordination.ErrConflict
	}
	delete(s.values, key)
	delete(s.counters, key)
	return nil
}

func (s *fakeStore) Scan(_ context.Context, prefix string) ([]coordination.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []coordination.Entry
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, coordination.Entry{Key: k, Value: v, Counter: s.counters[k]})
		}
	}
	return entries, nil
}

// fakeTransport serves a fixed shard list and an iterator that never
// yields a record, so a claimed shard's processor stays alive (running)
// until explicitly killed.
type fakeTransport struct {
	shards []stream.Shard
}

func (t *fakeTransport) ListShards(context.Context, string) ([]stream.Shard, error) {
	return t.shards, nil
}

func (t *fakeTransport) OpenIterator(context.Context, string, string) (stream.IteratorHandle, error) {
	return &idleIterator{}, nil
}

// idleIterator returns an empty, non-terminal batch every call, mirroring
// the "no new records yet" steady state.
type idleIterator struct{}

func (*idleIterator) Next(context.Context) (stream.Batch, error) {
	return stream.Batch{}, nil
}

type fakeMapper struct{}

func (fakeMapper) Initialize(context.Context) error                 { return nil }
func (fakeMapper) FilterRecords(b mapper.Batch) mapper.Batch         { return b }
func (fakeMapper) HandleRecords(context.Context, mapper.Batch) error { return nil }

func newTestScheduler(t *testing.T, clk *testclock.Clock, transport *fakeTransport) *Scheduler {
	t.Helper()
	sched, err := New(Config{
		Namespace: "ns",
		WorkerID:  "worker-1",
		StreamID:  "stream-1",
		Store:     newFakeStore(),
		Transport: transport,
		Mapper:    fakeMapper{},
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sched
}

func TestSchedulerSpawnsProcessorForAssignedShard(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	transport := &fakeTransport{shards: []stream.Shard{{ShardID: "shard-0"}}}
	sched := newTestScheduler(t, clk, transport)
	defer func() {
		sched.Kill()
		sched.Wait()
	}()

	// Drive the coordinator's initial sync (already run at start) and its
	// assignment tick so it claims shard-0 and the scheduler spawns a
	// processor for it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clk.Advance(coordination.DefaultLeaseAssignmentInterval)
		sched.mu.Lock()
		_, ok := sched.processors["shard-0"]
		sched.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for processor to start for shard-0")
}

func TestSchedulerStopsProcessorOnLeaseLost(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	transport := &fakeTransport{shards: []stream.Shard{{ShardID: "shard-0"}}}
	sched := newTestScheduler(t, clk, transport)
	defer func() {
		sched.Kill()
		sched.Wait()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clk.Advance(coordination.DefaultLeaseAssignmentInterval)
		sched.mu.Lock()
		_, ok := sched.processors["shard-0"]
		sched.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Simulate another worker stealing the lease by directly clobbering the
	// stored lease's counter out from under the coordinator's cached view,
	// then advancing the renewal tick so the CAS conflict surfaces as Lost.
	store := sched.config.Store.(*fakeStore)
	store.mu.Lock()
	for k := range store.counters {
		store.counters[k] = 999
	}
	store.mu.Unlock()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clk.Advance(coordination.DefaultRenewalInterval)
		sched.mu.Lock()
		_, ok := sched.processors["shard-0"]
		sched.mu.Unlock()
		if !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for processor to stop after lease loss")
}

func TestSchedulerShutsDownWithinTimeout(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	transport := &fakeTransport{shards: []stream.Shard{{ShardID: "shard-0"}}}
	sched := newTestScheduler(t, clk, transport)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clk.Advance(coordination.DefaultLeaseAssignmentInterval)
		sched.mu.Lock()
		_, ok := sched.processors["shard-0"]
		sched.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sched.Kill()
	done := make(chan error, 1)
	go func() { done <- sched.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not shut down")
	}
}
