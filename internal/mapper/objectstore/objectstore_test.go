package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper"
	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/record"
)

type fakeS3 struct {
	lastKey  string
	lastBody []byte
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.lastKey = *params.Key
	body, _ := io.ReadAll(params.Body)
	f.lastBody = body
	return &s3.PutObjectOutput{}, nil
}

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
func (o stubOptions) Int(key string, def int) int  { return def }
func (o stubOptions) Bool(key string, def bool) bool { return def }
func (o stubOptions) StringList(key string, def []string) []string { return def }

func TestHandleRecordsWritesOneObjectPerBatch(t *testing.T) {
	opts := stubOptions{values: map[string]string{
		"bucket":              "b",
		"format":              "json",
		"prefix":              "p",
		"timestamp-partition": "none",
	}}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	om := m.(*Mapper)
	fake := &fakeS3{}
	om.client = fake

	rec, err := record.Decode(record.RawRecord{
		SequenceNumber: "100",
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

	err = om.HandleRecords(context.Background(), mapper.Batch{Records: []record.Record{rec}})
	if err != nil {
		t.Fatalf("HandleRecords: %v", err)
	}

	if fake.lastKey != "p/100-100-0.json" {
		t.Fatalf("key = %q, want p/100-100-0.json", fake.lastKey)
	}
	want := `{"records":[{"id":"x","n":7}]}`
	if !bytes.Equal(fake.lastBody, []byte(want)) {
		t.Fatalf("body = %s, want %s", fake.lastBody, want)
	}
}

func TestObjectKeyDefaultsToHourlyPartition(t *testing.T) {
	opts := stubOptions{values: map[string]string{
		"bucket": "b",
		"format": "json",
		"prefix": "p",
	}}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	om := m.(*Mapper)
	fake := &fakeS3{}
	om.client = fake

	rec, err := record.Decode(record.RawRecord{
		SequenceNumber: "100",
		ArrivalTime:    time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC),
		Origin:         record.OriginUser,
		NewImage: map[string]record.Cell{
			"id": {Tag: record.TagText, StringValue: "x"},
		},
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if err := om.HandleRecords(context.Background(), mapper.Batch{Records: []record.Record{rec}}); err != nil {
		t.Fatalf("HandleRecords: %v", err)
	}

	want := "p/2024/03/05/13/100-100-1709643600000.json"
	if fake.lastKey != want {
		t.Fatalf("key = %q, want %q", fake.lastKey, want)
	}
}

func TestObjectKeyRejectsUnknownPartitionGranularity(t *testing.T) {
	opts := stubOptions{values: map[string]string{
		"bucket":              "b",
		"timestamp-partition": "fortnights",
	}}
	if _, err := New(opts); err == nil {
		t.Fatalf("New: expected ConfigError for unsupported timestamp-partition")
	}
}
