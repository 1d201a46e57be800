// Package queue implements the message-queue sink (spec §4.D): each
// record becomes one SQS message in the configured message-format, and
// messages are grouped into SQS SendMessageBatch calls of at most 10
// entries whose bodies total at most maxPayloadBytes — the concrete form
// of spec §6's abstract send_batch. Several records are never packed
// into one message body.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/batch"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/clientregistry"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/record"
)

var logger = loggo.GetLogger("keyspacescdc.mapper.queue")

// maxPayloadBytes caps the summed message bodies of one SendMessageBatch
// call. It is below 1 MiB (1,048,576 bytes) and above 256 KiB (262,144
// bytes).
const maxPayloadBytes = 1000000

const maxBatchSize = 10

const (
	formatNewImage = "new-image"
	formatOldImage = "old-image"
	formatFull     = "full"
)

// sendBatchAPI is the minimal SQS surface this sink needs.
type sendBatchAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Mapper publishes handled batches to an SQS queue.
type Mapper struct {
	mapper.Base

	queueURL        string
	messageFormat   string
	includeMetadata bool
	includeFields   []string
	delaySeconds    int
	keyspace        string
	table           string
	registry        *clientregistry.Registry
	client          sendBatchAPI
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
	queueURL, err := opts.RequiredString("queue-address")
	if err != nil {
		return nil, errors.Trace(err)
	}
	format := opts.String("message-format", formatFull)
	switch format {
	case formatNewImage, formatOldImage, formatFull:
	default:
		return nil, mapper.NewConfigError("message-format", fmt.Sprintf("unsupported format %q", format))
	}
	if reg == nil {
		reg = clientregistry.New(nil)
	}
	return &Mapper{
		Base:            base,
		queueURL:        queueURL,
		messageFormat:   format,
		includeMetadata: opts.Bool("include-metadata", true),
		includeFields:   opts.StringList("include-fields", nil),
		delaySeconds:    opts.Int("delay", 0),
		keyspace:        opts.String("stream.keyspace", ""),
		table:           opts.String("stream.table", ""),
		registry:        reg,
	}, nil
}

// Initialize lazily constructs the shared SQS client (spec §5).
func (m *Mapper) Initialize(ctx context.Context) error {
	return m.InitializeOnce(func(ctx context.Context) error {
		client, err := m.registry.SQSClient(ctx, m.Region)
		if err != nil {
			return errors.Annotate(err, "constructing SQS client")
		}
		m.client = client
		return nil
	})(ctx)
}

type logicalMessage struct {
	id   string
	body []byte
}

// HandleRecords builds one message per record, groups the messages into
// SendMessageBatch calls of at most maxBatchSize entries and
// maxPayloadBytes of bodies, and publishes each call with the retry
// harness (spec §4.D, §4.E).
func (m *Mapper) HandleRecords(ctx context.Context, b mapper.Batch) error {
	messages := make([]logicalMessage, 0, len(b.Records))
	for _, rec := range b.Records {
		body, err := m.encode(rec)
		if err != nil {
			return errors.Annotatef(err, "encoding record %s", rec.SequenceNumber)
		}
		messages = append(messages, logicalMessage{id: rec.SequenceNumber, body: body})
	}

	payloads := batch.Build(messages, maxBatchSize, maxPayloadBytes, func(msg logicalMessage) int {
		return len(msg.body)
	})

	total := len(messages)
	failed := 0
	var failMessages []string

	for _, payload := range payloads {
		entries := make([]sqstypes.SendMessageBatchRequestEntry, len(payload))
		for i, msg := range payload {
			id := msg.id
			body := string(msg.body)
			entries[i] = sqstypes.SendMessageBatchRequestEntry{
				Id:           &id,
				MessageBody:  &body,
				DelaySeconds: int32(m.delaySeconds),
			}
		}

		attempt := func(attemptNum int) error {
			out, err := m.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
				QueueUrl: &m.queueURL,
				Entries:  entries,
			})
			if err != nil {
				return classifySQSError(err)
			}
			for _, f := range out.Failed {
				failed++
				failMessages = append(failMessages, formatFailure(f))
			}
			return nil
		}
		if err := m.RetryPolicy().Do(ctx, attempt); err != nil {
			return errors.Annotate(err, "publishing message batch")
		}
	}

	if failed == total && total > 0 {
		return mapper.NewTotalFailure(total, failMessages)
	}
	if failed > 0 {
		return mapper.NewPartialFailure(total, failed, failMessages)
	}
	logger.Debugf("published %d messages to %s", total, m.queueURL)
	return nil
}

func formatFailure(f sqstypes.BatchResultErrorEntry) string {
	id := ""
	if f.Id != nil {
		id = *f.Id
	}
	code := ""
	if f.Code != nil {
		code = *f.Code
	}
	msg := ""
	if f.Message != nil {
		msg = *f.Message
	}
	return fmt.Sprintf("id %s: %s: %s", id, code, msg)
}

type messageEnvelope struct {
	Metadata *messageMetadata `json:"metadata,omitempty"`
	Record   map[string]any   `json:"record"`
}

type messageMetadata struct {
	Keyspace       string `json:"keyspace,omitempty"`
	Table          string `json:"table,omitempty"`
	Operation      string `json:"operation"`
	Timestamp      string `json:"timestamp"`
	SequenceNumber string `json:"sequenceNumber"`
}

func (m *Mapper) encode(rec record.Record) ([]byte, error) {
	var image map[string]record.Value
	switch m.messageFormat {
	case formatNewImage:
		image = rec.NewImage
	case formatOldImage:
		image = rec.OldImage
	case formatFull:
		if rec.NewImage != nil {
			image = rec.NewImage
		} else {
			image = rec.OldImage
		}
	}
	native := make(map[string]any, len(image))
	for k, v := range image {
		if len(m.includeFields) > 0 && !containsField(m.includeFields, k) {
			continue
		}
		native[k] = v.Native()
	}

	env := messageEnvelope{Record: native}
	if m.includeMetadata {
		env.Metadata = &messageMetadata{
			Keyspace:       m.keyspace,
			Table:          m.table,
			Operation:      operationName(rec.Operation),
			Timestamp:      strconv.FormatInt(rec.ArrivalTime.UnixMilli(), 10),
			SequenceNumber: rec.SequenceNumber,
		}
	}
	return json.Marshal(env)
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func operationName(op record.Operation) string {
	switch op {
	case record.OpInsert:
		return "INSERT"
	case record.OpUpdate:
		return "UPDATE"
	case record.OpDelete:
		return "DELETE"
	case record.OpTTL:
		return "TTL"
	case record.OpReplicatedInsert:
		return "REPLICATED_INSERT"
	case record.OpReplicatedUpdate:
		return "REPLICATED_UPDATE"
	case record.OpReplicatedDelete:
		return "REPLICATED_DELETE"
	default:
		return "UNKNOWN"
	}
}

func classifySQSError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr interface{ ErrorCode() string }
	for e := err; e != nil; {
		if ae, ok := e.(interface{ ErrorCode() string }); ok {
			apiErr = ae
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if apiErr != nil {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return batch.MarkTransient(err)
		}
	}
	return err
}

func init() {
	mapper.Register("queue", New)
	mapper.Register("keyspaces-cdc-streams.connector.queue.queue", New)
}
