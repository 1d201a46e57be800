// Command streamconnector is the process entry point: it loads the
// configuration document, resolves and constructs the configured target
// mapper, wires a Scheduler over it, serves Prometheus metrics, and
// drives graceful shutdown on SIGTERM/SIGINT (spec §4.H/§4.I). Grounded
// on cmd/jujud/agent/machine.go's promhttp registration and
// loggo.ConfigureLoggers bootstrap.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/clientregistry"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/config"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/coordination"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/coordination/dynamodbstore"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper"
	_ "github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper/objectstore"
	_ "github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper/queue"
	_ "github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper/secondarytable"
	_ "github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper/vectorindex"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/metrics"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/scheduler"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/stream"
)

var logger = loggo.GetLogger("keyspacescdc.main")

func main() {
	if err := run(); err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the connector's configuration document")
	loggingConfig := flag.String("logging-config", "", "loggo logging config, e.g. \"<root>=INFO;keyspacescdc=DEBUG\"")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	if *loggingConfig != "" {
		loggo.DefaultContext().ResetLoggerLevels()
		if err := loggo.ConfigureLoggers(*loggingConfig); err != nil {
			return errors.Annotate(err, "configuring loggers")
		}
	}

	if *configPath == "" {
		return errors.NotValidf("missing -config")
	}
	doc, err := config.Load(*configPath)
	if err != nil {
		return errors.Annotate(err, "loading config")
	}

	streamID, err := doc.StreamIdentifier()
	if err != nil {
		return errors.Annotate(err, "resolving stream identifier")
	}
	mapperName := doc.MapperName()
	if mapperName == "" {
		return errors.NotValidf("missing mapper.class")
	}

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	clk := clock.WallClock
	registry := clientregistry.New(nil)

	targetMapper, err := mapper.New(mapperName, doc)
	if err != nil {
		return errors.Annotatef(err, "constructing target mapper %q", mapperName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	coordStore, err := buildCoordinationStore(ctx, doc, registry)
	if err != nil {
		return errors.Annotate(err, "building coordination store")
	}

	transport, err := buildTransport(doc)
	if err != nil {
		return errors.Annotate(err, "building transport")
	}

	// worker_id must be stable within a process lifetime (spec §3's
	// Worker definition); the hostname is the natural identity in any
	// container/VM deployment, with a random uuid as the fallback when
	// the hostname call fails rather than a bare PID, which collides
	// across container restarts on the same host.
	workerID, err := os.Hostname()
	if err != nil || workerID == "" {
		workerID = uuid.NewString()
	}

	sched, err := scheduler.New(scheduler.Config{
		Namespace:          doc.String("coordinator.namespace", streamID),
		WorkerID:           doc.String("coordinator.worker-id", workerID),
		StreamID:           streamID,
		Store:              coordStore,
		Transport:          transport,
		Mapper:             targetMapper,
		Clock:              clk,
		Metrics:            metricsReg,
		CheckpointInterval: time.Duration(doc.Int("processor.checkpoint-interval-seconds", 60)) * time.Second,
		ShutdownTimeout:    time.Duration(doc.Int("processor.shutdown-timeout-seconds", 30)) * time.Second,
	})
	if err != nil {
		return errors.Annotate(err, "starting scheduler")
	}

	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warningf("metrics server exited: %v", err)
		}
	}()

	<-ctx.Done()

	logger.Infof("shutdown requested, draining shards")
	sched.Kill()
	shutdownErr := sched.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if shutdownErr != nil {
		return errors.Annotate(shutdownErr, "scheduler exited with error")
	}
	return nil
}

// buildCoordinationStore constructs the shard-lease coordination.Store
// this connector runs against. DynamoDB is the only concrete backing
// shipped with this connector; the table name and region come from the
// configuration document's coordinator.* keys.
func buildCoordinationStore(ctx context.Context, doc *config.Document, registry *clientregistry.Registry) (coordination.Store, error) {
	region := doc.String("coordinator.region", doc.String("region", ""))
	if region == "" {
		return nil, errors.NotValidf("missing coordinator.region (or region)")
	}
	table := doc.String("coordinator.table", "")
	if table == "" {
		return nil, errors.NotValidf("missing coordinator.table")
	}
	client, err := registry.DynamoDBClient(ctx, region)
	if err != nil {
		return nil, errors.Annotate(err, "constructing DynamoDB client")
	}
	return dynamodbstore.New(client, table), nil
}

// buildTransport resolves the configured CDC transport by name against
// the compile-time plugin registry (stream.Register). This connector
// ships no concrete transport of its own: the underlying CDC stream API
// is an external, operator-supplied integration. A deployment links one
// in with a blank import of the transport package before running this
// binary.
func buildTransport(doc *config.Document) (stream.Transport, error) {
	name := doc.String("transport.class", "")
	opts := make(map[string]string)
	for _, key := range doc.Keys("transport.") {
		opts[key] = doc.String("transport."+key, "")
	}
	return stream.New(name, opts)
}
