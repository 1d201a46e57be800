// Package stream declares the abstract CDC transport this connector
// consumes (spec §6): shard discovery and the per-shard iterator that
// yields ordered record batches plus an end-of-shard marker. The concrete
// transport is out of scope (spec §1) — only the interface lives here.
package stream

import (
	"context"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/record"
)

// HashRange is the contiguous partition of the table's hash space a shard
// owns.
type HashRange struct {
	Start string
	End   string
}

// Shard is one logical partition of the CDC log.
type Shard struct {
	ShardID        string
	ParentShardIDs []string
	HashRange      HashRange
}

// TrimHorizon is the sentinel checkpoint meaning "nothing processed yet".
const TrimHorizon = "TRIM_HORIZON"

// ShardEnd is the sentinel checkpoint a shard's final batch reports once
// every record has been yielded.
const ShardEnd = "SHARD_END"

// Batch is one fetch result from an IteratorHandle.
type Batch struct {
	Records        []record.RawRecord
	NextCheckpoint string
	EndOfShard     bool
}

// IteratorHandle is an open cursor into one shard, positioned at a
// checkpoint.
type IteratorHandle interface {
	// Next returns the next ordered batch of records. An empty batch with
	// EndOfShard=false is a valid, expected result (spec §4.F's "empty
	// batch" policy) — it must not be treated as an error.
	Next(ctx context.Context) (Batch, error)
}

// Transport is the external, abstract CDC stream API this connector
// consumes. Implementations may fail any call. The coordinator logs a
// failed ListShards and lists again at its next discovery tick; a
// processor does not retry a failed Next and stops with that error,
// whether the failure was transient or permanent.
type Transport interface {
	// ListShards enumerates every shard currently known for streamID,
	// including parent/child relationships and hash ranges.
	ListShards(ctx context.Context, streamID string) ([]Shard, error)

	// OpenIterator opens a cursor into shardID starting just after
	// fromCheckpoint (or at TrimHorizon).
	OpenIterator(ctx context.Context, shardID, fromCheckpoint string) (IteratorHandle, error)
}
