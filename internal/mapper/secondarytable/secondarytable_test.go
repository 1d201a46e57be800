package secondarytable

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/canonical/sqlair"
	_ "github.com/mattn/go-sqlite3"

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
func (o stubOptions) Int(key string, def int) int   { return def }
func (o stubOptions) Bool(key string, def bool) bool { return def }
func (o stubOptions) StringList(key string, def []string) []string {
	v, ok := o.values[key]
	if !ok || v == "" {
		return def
	}
	return strings.Split(v, ",")
}

func openTestDB(t *testing.T) (*sqlair.DB, *sql.DB) {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	raw.SetMaxOpenConns(1)
	if _, err := raw.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY, v INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO widgets (id, v) VALUES ('k', 1)`); err != nil {
		t.Fatalf("seed row: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return sqlair.NewDB(raw), raw
}

func ttlRecord(t *testing.T) record.Record {
	t.Helper()
	rec, err := record.Decode(record.RawRecord{
		SequenceNumber: "1",
		ArrivalTime:    time.Unix(0, 0),
		Origin:         record.OriginTTL,
		OldImage: map[string]record.Cell{
			"id": {Tag: record.TagText, StringValue: "k"},
			"v":  {Tag: record.TagInt, IntValue: 1},
		},
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec
}

// TestTTLRecordDeletesRow implements scenario S3: a TTL record routes to
// a delete keyed by partition-keys, taken from old_image.
func TestTTLRecordDeletesRow(t *testing.T) {
	opts := stubOptions{values: map[string]string{
		"target-table":    "widgets",
		"include-fields":  "id,v",
		"partition-keys":  "id",
		"clustering-keys": "",
	}}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stm := m.(*Mapper)
	var raw *sql.DB
	stm.db, raw = openTestDB(t)

	rec := ttlRecord(t)
	if err := stm.HandleRecords(context.Background(), mapper.Batch{Records: []record.Record{rec}}); err != nil {
		t.Fatalf("HandleRecords: %v", err)
	}

	var count int
	row := raw.QueryRow(`SELECT COUNT(*) FROM widgets WHERE id = 'k'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Fatalf("row count = %d, want 0 (row deleted)", count)
	}
}

// TestUpsertInsertsNewRow exercises the INSERT path for a freshly created
// record with no prior row present.
func TestUpsertInsertsNewRow(t *testing.T) {
	opts := stubOptions{values: map[string]string{
		"target-table":   "widgets",
		"include-fields": "id,v",
		"partition-keys": "id",
	}}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stm := m.(*Mapper)
	var raw *sql.DB
	stm.db, raw = openTestDB(t)

	rec, err := record.Decode(record.RawRecord{
		SequenceNumber: "2",
		ArrivalTime:    time.Unix(0, 0),
		Origin:         record.OriginUser,
		NewImage: map[string]record.Cell{
			"id": {Tag: record.TagText, StringValue: "new"},
			"v":  {Tag: record.TagInt, IntValue: 9},
		},
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if err := stm.HandleRecords(context.Background(), mapper.Batch{Records: []record.Record{rec}}); err != nil {
		t.Fatalf("HandleRecords: %v", err)
	}

	var v int
	row := raw.QueryRow(`SELECT v FROM widgets WHERE id = 'new'`)
	if err := row.Scan(&v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if v != 9 {
		t.Fatalf("v = %d, want 9", v)
	}
}
