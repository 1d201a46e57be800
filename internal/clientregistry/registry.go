// Package clientregistry implements spec §5's shared-resource policy:
// long-lived sink clients (object store, database, queue, embedding
// model) are constructed lazily, once per process, and shared across
// every shard's mapper instance. Grounded on mapper.Base's
// sync.Once-guarded InitializeOnce helper, lifted one level up so every
// sink in one process shares the same underlying client instead of each
// shard paying its own connection-setup cost.
package clientregistry

import (
	"context"
	"database/sql"
	"net/http"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// Registry lazily constructs and caches the long-lived clients sinks
// need, keyed by client kind plus an optional qualifier (e.g. region, or
// a DSN), matching spec §5's "constructed lazily once and guarded by an
// initialization latch" requirement.
type Registry struct {
	mu   sync.Mutex
	once map[string]*sync.Once
	vals map[string]any
	errs map[string]error

	httpClient *http.Client
}

// New builds an empty Registry. httpClient, if nil, defaults to
// http.DefaultClient for the embedding-model sink.
func New(httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Registry{
		once:       map[string]*sync.Once{},
		vals:       map[string]any{},
		errs:       map[string]error{},
		httpClient: httpClient,
	}
}

func (r *Registry) onceFor(key string) *sync.Once {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.once[key]
	if !ok {
		o = &sync.Once{}
		r.once[key] = o
	}
	return o
}

func (r *Registry) get(key string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vals[key], r.errs[key]
}

func (r *Registry) set(key string, v any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals[key] = v
	r.errs[key] = err
}

// S3Client returns the shared S3 client for region, constructing it on
// first use.
func (r *Registry) S3Client(ctx context.Context, region string) (*s3.Client, error) {
	key := "s3:" + region
	r.onceFor(key).Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			r.set(key, nil, errors.Annotate(err, "loading AWS config for S3 client"))
			return
		}
		r.set(key, s3.NewFromConfig(cfg), nil)
	})
	v, err := r.get(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.Errorf("S3 client for region %q not initialized", region)
	}
	return v.(*s3.Client), nil
}

// SQSClient returns the shared SQS client for region, constructing it on
// first use.
func (r *Registry) SQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	key := "sqs:" + region
	r.onceFor(key).Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			r.set(key, nil, errors.Annotate(err, "loading AWS config for SQS client"))
			return
		}
		r.set(key, sqs.NewFromConfig(cfg), nil)
	})
	v, err := r.get(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.Errorf("SQS client for region %q not initialized", region)
	}
	return v.(*sqs.Client), nil
}

// DynamoDBClient returns the shared DynamoDB client for region, used by
// the coordination store (spec §6), constructing it on first use.
func (r *Registry) DynamoDBClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	key := "dynamodb:" + region
	r.onceFor(key).Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			r.set(key, nil, errors.Annotate(err, "loading AWS config for DynamoDB client"))
			return
		}
		r.set(key, dynamodb.NewFromConfig(cfg), nil)
	})
	v, err := r.get(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.Errorf("DynamoDB client for region %q not initialized", region)
	}
	return v.(*dynamodb.Client), nil
}

// SQLDB returns the shared sqlair-wrapped database handle for dsn,
// constructing the underlying *sql.DB connection pool on first use.
func (r *Registry) SQLDB(driverName, dsn string) (*sqlair.DB, error) {
	key := "sql:" + driverName + ":" + dsn
	r.onceFor(key).Do(func() {
		db, err := sql.Open(driverName, dsn)
		if err != nil {
			r.set(key, nil, errors.Annotatef(err, "opening %s database", driverName))
			return
		}
		r.set(key, sqlair.NewDB(db), nil)
	})
	v, err := r.get(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.Errorf("SQL database %q not initialized", dsn)
	}
	return v.(*sqlair.DB), nil
}

// HTTPClient returns the shared HTTP client used by the embedding-model
// sink; there is only ever one, so no key/once dance is needed beyond the
// constructor default in New.
func (r *Registry) HTTPClient() *http.Client {
	return r.httpClient
}
