package queue

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/record"
)

type stubOptions struct {
	values map[string]string
}

func (o stubOptions) String(key, def string) string {
	if v, ok := o.values[key]; ok {
		return v
	}
	return def
}
func (o stubOptions) RequiredString(key string) (string, error) {
	if v, ok := o.values[key]; ok {
		return v, nil
	}
	return "", mapper.NewConfigError(key, "missing")
}
func (o stubOptions) Int(key string, def int) int {
	v, ok := o.values[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
func (o stubOptions) Bool(key string, def bool) bool {
	v, ok := o.values[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
func (o stubOptions) StringList(key string, def []string) []string {
	v, ok := o.values[key]
	if !ok || v == "" {
		return def
	}
	return strings.Split(v, ",")
}

type fakeSQS struct {
	failID, failCode string
	lastEntries      []sqstypes.SendMessageBatchRequestEntry
}

func (f *fakeSQS) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.lastEntries = params.Entries
	out := &sqs.SendMessageBatchOutput{}
	for _, e := range params.Entries {
		if *e.Id == f.failID {
			msg := "bad parameter"
			code := f.failCode
			id := *e.Id
			out.Failed = append(out.Failed, sqstypes.BatchResultErrorEntry{Id: &id, Code: &code, Message: &msg})
			continue
		}
		id := *e.Id
		msgID := "msg-" + id
		out.Successful = append(out.Successful, sqstypes.SendMessageBatchResultEntry{Id: &id, MessageId: &msgID})
	}
	return out, nil
}

func recordWithSeq(seq string) record.Record {
	rec, err := record.Decode(record.RawRecord{
		SequenceNumber: seq,
		ArrivalTime:    time.Unix(0, 0),
		Origin:         record.OriginUser,
		NewImage: map[string]record.Cell{
			"id": {Tag: record.TagText, StringValue: seq},
		},
	})
	if err != nil {
		panic(err)
	}
	return rec
}

func TestHandleRecordsPartialFailure(t *testing.T) {
	opts := stubOptions{values: map[string]string{
		"queue-address":  "https://sqs.example/q",
		"message-format": "new-image",
		"max-retries":    "0",
	}}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	qm := m.(*Mapper)
	qm.client = &fakeSQS{failID: "11", failCode: "InvalidParameter"}

	records := []record.Record{recordWithSeq("10"), recordWithSeq("11"), recordWithSeq("12")}
	err = qm.HandleRecords(context.Background(), mapper.Batch{Records: records})
	if err == nil {
		t.Fatalf("expected PartialFailure error")
	}
	pf, ok := mapper.IsPartialFailure(err)
	if !ok {
		t.Fatalf("expected PartialFailure, got %v", err)
	}
	if pf.Total != 3 || pf.Failed != 1 {
		t.Fatalf("PartialFailure = %+v, want total=3 failed=1", pf)
	}
	if len(pf.Messages) != 1 || !strings.Contains(pf.Messages[0], "11") || !strings.Contains(pf.Messages[0], "InvalidParameter") {
		t.Fatalf("messages = %v", pf.Messages)
	}
}

func TestHandleRecordsAllFail(t *testing.T) {
	opts := stubOptions{values: map[string]string{
		"queue-address":  "https://sqs.example/q",
		"message-format": "new-image",
	}}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	qm := m.(*Mapper)
	qm.client = &fakeSQS{failID: "1", failCode: "InvalidParameter"}

	err = qm.HandleRecords(context.Background(), mapper.Batch{Records: []record.Record{recordWithSeq("1")}})
	if err == nil {
		t.Fatalf("expected TotalFailure error")
	}
	if _, ok := mapper.IsTotalFailure(err); !ok {
		t.Fatalf("expected TotalFailure, got %v", err)
	}
}

func TestNewDefaultsToFullFormatAndMetadataOn(t *testing.T) {
	opts := stubOptions{values: map[string]string{
		"queue-address": "https://sqs.example/q",
	}}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	qm := m.(*Mapper)
	if qm.messageFormat != formatFull {
		t.Fatalf("messageFormat = %q, want %q", qm.messageFormat, formatFull)
	}
	if !qm.includeMetadata {
		t.Fatalf("includeMetadata = false, want true by default")
	}
}

func TestEncodeHonorsIncludeFieldsDelayAndMetadata(t *testing.T) {
	opts := stubOptions{values: map[string]string{
		"queue-address":   "https://sqs.example/q",
		"include-fields":  "id",
		"delay":           "5",
		"stream.keyspace": "ks",
		"stream.table":    "tbl",
	}}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	qm := m.(*Mapper)
	fake := &fakeSQS{}
	qm.client = fake

	rec, err := record.Decode(record.RawRecord{
		SequenceNumber: "1",
		ArrivalTime:    time.Unix(0, 0),
		Origin:         record.OriginUser,
		NewImage: map[string]record.Cell{
			"id": {Tag: record.TagText, StringValue: "x"},
			"n":  {Tag: record.TagInt, IntValue: 7},
		},
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if err := qm.HandleRecords(context.Background(), mapper.Batch{Records: []record.Record{rec}}); err != nil {
		t.Fatalf("HandleRecords: %v", err)
	}
	if len(fake.lastEntries) != 1 || fake.lastEntries[0].DelaySeconds != 5 {
		t.Fatalf("entries = %+v, want one entry with DelaySeconds=5", fake.lastEntries)
	}

	body, err := qm.encode(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(body), `"n"`) {
		t.Fatalf("encoded body = %s, want field %q excluded by include-fields", body, "n")
	}
	if !strings.Contains(string(body), `"keyspace":"ks"`) || !strings.Contains(string(body), `"table":"tbl"`) {
		t.Fatalf("encoded body = %s, want keyspace/table metadata", body)
	}
}
