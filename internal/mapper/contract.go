// Package mapper defines the target-mapper contract shared by every sink
// (spec §4.C) plus the compile-time plugin registry that replaces the
// original implementation's dynamic class-name loading (spec §9).
package mapper

import (
	"context"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/record"
)

// Batch is a mapper-scoped collection of decoded records, handed from the
// processor to a TargetMapper's HandleRecords.
type Batch struct {
	Records []record.Record
}

// TargetMapper is the contract every sink implements (spec §4.C). A
// TargetMapper is constructed once per process (via a Factory) and is
// shared across every shard that mapper serves; Initialize must therefore
// be idempotent and safe to call concurrently from multiple shard
// processors racing to warm up shared clients.
type TargetMapper interface {
	// Initialize performs one-time setup (opening long-lived clients). It
	// is called before the first batch reaches this mapper and MUST be
	// idempotent.
	Initialize(ctx context.Context) error

	// FilterRecords applies the configured filter expression, if any, and
	// returns the subset of batch that should be delivered.
	FilterRecords(batch Batch) Batch

	// HandleRecords delivers batch to the sink. A partial failure must be
	// reported as *PartialFailure, a total failure as *TotalFailure, and a
	// configuration-invariant violation as *ConfigError. Any other error
	// is fatal to the owning shard.
	HandleRecords(ctx context.Context, batch Batch) error
}

// Options is the read side of a parsed configuration document, as seen by
// a mapper Factory. It is satisfied by *config.Document; declaring it here
// (rather than importing the config package) keeps sinks decoupled from
// the loader's hierarchy/env-override mechanics.
type Options interface {
	String(key, def string) string
	RequiredString(key string) (string, error)
	Int(key string, def int) int
	Bool(key string, def bool) bool
	StringList(key string, def []string) []string
}

// Factory constructs a TargetMapper from its recognized options. Missing
// required options must fail with a *ConfigError.
type Factory func(opts Options) (TargetMapper, error)
