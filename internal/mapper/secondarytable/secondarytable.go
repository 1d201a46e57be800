// Package secondarytable implements the materialized secondary table sink
// (spec §4.D): upserts include-fields from new_image for
// INSERT/UPDATE/REPLICATED_INSERT/REPLICATED_UPDATE, and deletes by
// partition-keys++clustering-keys from old_image for
// DELETE/TTL/REPLICATED_DELETE. Grounded on domain/lease/state/state.go's
// sqlair.Prepare + tx.Query(...).Run() idiom for named-bind-variable SQL
// against a driver-agnostic database/sql handle.
package secondarytable

import (
	"context"
	"fmt"
	"sort"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/batch"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/clientregistry"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/record"
)

var logger = loggo.GetLogger("keyspacescdc.mapper.secondarytable")

// Mapper upserts or deletes rows in a materialized secondary table.
type Mapper struct {
	mapper.Base

	table          string
	includeFields  []string
	partitionKeys  []string
	clusteringKeys []string
	driver         string
	dsn            string
	registry       *clientregistry.Registry
	db             *sqlair.DB
}

// New constructs a Mapper from opts, satisfying mapper.Factory.
func New(opts mapper.Options) (mapper.TargetMapper, error) {
	return newMapper(opts, nil, clock.WallClock)
}

// NewWithRegistry builds a Mapper sharing a caller-supplied client
// registry and clock (spec §5).
func NewWithRegistry(opts mapper.Options, reg *clientregistry.Registry, clk clock.Clock) (mapper.TargetMapper, error) {
	return newMapper(opts, reg, clk)
}

func newMapper(opts mapper.Options, reg *clientregistry.Registry, clk clock.Clock) (mapper.TargetMapper, error) {
	base, err := mapper.NewBase(opts, nil, clk)
	if err != nil {
		return nil, errors.Trace(err)
	}
	table, err := opts.RequiredString("target-table")
	if err != nil {
		return nil, errors.Trace(err)
	}
	partitionKeys := opts.StringList("partition-keys", nil)
	if len(partitionKeys) == 0 {
		return nil, mapper.NewConfigError("partition-keys", "at least one partition key is required")
	}
	if reg == nil {
		reg = clientregistry.New(nil)
	}
	return &Mapper{
		Base:           base,
		table:          table,
		includeFields:  opts.StringList("include-fields", nil),
		partitionKeys:  partitionKeys,
		clusteringKeys: opts.StringList("clustering-keys", nil),
		driver:         opts.String("driver", "sqlite3"),
		dsn:            opts.String("dsn", ""),
		registry:       reg,
	}, nil
}

// Initialize lazily constructs the shared database handle (spec §5).
func (m *Mapper) Initialize(ctx context.Context) error {
	return m.InitializeOnce(func(ctx context.Context) error {
		db, err := m.registry.SQLDB(m.driver, m.dsn)
		if err != nil {
			return errors.Annotate(err, "constructing database handle")
		}
		m.db = db
		return nil
	})(ctx)
}

// HandleRecords upserts or deletes each record according to its
// operation, retrying the whole batch via the retry harness on transient
// database errors (spec §4.D, §4.E). Unknown operation type is fatal.
func (m *Mapper) HandleRecords(ctx context.Context, b mapper.Batch) error {
	attempt := func(attemptNum int) error {
		err := m.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
			for _, rec := range b.Records {
				if err := m.applyOne(ctx, tx, rec); err != nil {
					return err
				}
			}
			return nil
		})
		return classifyDBError(err)
	}
	if err := m.LinearRetryPolicy().Do(ctx, attempt); err != nil {
		return errors.Annotate(err, "applying batch to secondary table")
	}
	logger.Debugf("applied %d records to %s", len(b.Records), m.table)
	return nil
}

// unsupportedOperationError marks the "unknown operation type is fatal"
// case so classifyDBError never retries it.
type unsupportedOperationError struct{ error }

func (m *Mapper) applyOne(ctx context.Context, tx *sqlair.TX, rec record.Record) error {
	switch {
	case rec.Operation.IsUpsert():
		return m.upsert(ctx, tx, rec)
	case rec.Operation.IsDelete():
		return m.delete(ctx, tx, rec)
	default:
		return unsupportedOperationError{errors.Errorf("unsupported operation %v for record %s", rec.Operation, rec.SequenceNumber)}
	}
}

// classifyDBError marks ordinary database errors transient so the linear
// retry harness retries them, while leaving unsupportedOperationError (and
// a nil err) alone so that fatal case is never retried.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	var unsupported unsupportedOperationError
	if errors.As(err, &unsupported) {
		return err
	}
	return batch.MarkTransient(err)
}

func (m *Mapper) upsert(ctx context.Context, tx *sqlair.TX, rec record.Record) error {
	fields := m.includeFields
	if len(fields) == 0 {
		fields = sortedKeys(rec.NewImage)
	}
	assignments := make(sqlair.M, len(fields))
	columns := make([]string, 0, len(fields))
	placeholders := make([]string, 0, len(fields))
	updates := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := rec.NewImage[f]
		if !ok {
			continue
		}
		assignments[f] = v.Native()
		columns = append(columns, f)
		placeholders = append(placeholders, "$M."+f)
		updates = append(updates, fmt.Sprintf("%s = $M.%s", f, f))
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		m.table, joinColumns(columns), joinColumns(placeholders),
		joinColumns(append(append([]string{}, m.partitionKeys...), m.clusteringKeys...)), joinColumns(updates),
	)
	stmt, err := sqlair.Prepare(query, sqlair.M{})
	if err != nil {
		return errors.Annotate(err, "preparing upsert statement")
	}
	return tx.Query(ctx, stmt, assignments).Run()
}

func (m *Mapper) delete(ctx context.Context, tx *sqlair.TX, rec record.Record) error {
	keys := append(append([]string{}, m.partitionKeys...), m.clusteringKeys...)
	assignments := make(sqlair.M, len(keys))
	conditions := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := rec.OldImage[k]
		if !ok {
			return errors.Errorf("record %s missing key column %q in old_image", rec.SequenceNumber, k)
		}
		assignments[k] = v.Native()
		conditions = append(conditions, fmt.Sprintf("%s = $M.%s", k, k))
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", m.table, joinAnd(conditions))
	stmt, err := sqlair.Prepare(query, sqlair.M{})
	if err != nil {
		return errors.Annotate(err, "preparing delete statement")
	}
	return tx.Query(ctx, stmt, assignments).Run()
}

func sortedKeys(image map[string]record.Value) []string {
	keys := make([]string, 0, len(image))
	for k := range image {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func joinAnd(conds []string) string {
	out := ""
	for i, c := range conds {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}

func init() {
	mapper.Register("secondary-table", New)
	mapper.Register("keyspaces-cdc-streams.connector.secondarytable.secondary-table", New)
}
