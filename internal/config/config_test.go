package config

import (
	"testing"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/mapper"
)

const sampleYAML = `
mapper:
  class: objectstore
stream:
  keyspace: orders
  table: events
sink:
  max-retries: 5
  include-metadata: true
  columns: id,name,amount
`

func TestParseFlattensAndExposesTypedAccessors(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := doc.String("mapper.class", ""); got != "objectstore" {
		t.Fatalf("mapper.class = %q", got)
	}
	if got := doc.Int("sink.max-retries", -1); got != 5 {
		t.Fatalf("sink.max-retries = %d", got)
	}
	if !doc.Bool("sink.include-metadata", false) {
		t.Fatalf("sink.include-metadata = false, want true")
	}
	wantCols := []string{"id", "name", "amount"}
	gotCols := doc.StringList("sink.columns", nil)
	if len(gotCols) != len(wantCols) {
		t.Fatalf("sink.columns = %v", gotCols)
	}
	for i := range wantCols {
		if gotCols[i] != wantCols[i] {
			t.Fatalf("sink.columns[%d] = %q, want %q", i, gotCols[i], wantCols[i])
		}
	}
}

func TestRequiredStringMissingReturnsConfigError(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = doc.RequiredString("sink.bucket")
	if err == nil {
		t.Fatalf("expected error for missing required option")
	}
	if !mapper.IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestEnvironmentOverridesFileValue(t *testing.T) {
	t.Setenv("SINK_MAX_RETRIES", "9")
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := doc.Int("sink.max-retries", -1); got != 9 {
		t.Fatalf("sink.max-retries after env override = %d, want 9", got)
	}
}

func TestEnvironmentOverrideAppliesWithoutFileEntry(t *testing.T) {
	t.Setenv("SINK_BUCKET", "from-env")
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := doc.String("sink.bucket", "def"); got != "from-env" {
		t.Fatalf("sink.bucket = %q, want from-env", got)
	}
	got, err := doc.RequiredString("sink.bucket")
	if err != nil {
		t.Fatalf("RequiredString: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("RequiredString(sink.bucket) = %q, want from-env", got)
	}
}

func TestStreamIdentifierFromKeyspaceAndTable(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	id, err := doc.StreamIdentifier()
	if err != nil {
		t.Fatalf("StreamIdentifier: %v", err)
	}
	if id != "orders.events" {
		t.Fatalf("StreamIdentifier = %q, want orders.events", id)
	}
}

const directStreamIDYAML = `
mapper:
  class: objectstore
stream:
  id: explicit-stream
  keyspace: orders
  table: events
`

func TestStreamIdentifierDirectOverridesKeyspaceTable(t *testing.T) {
	doc, err := Parse([]byte(directStreamIDYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	id, err := doc.StreamIdentifier()
	if err != nil {
		t.Fatalf("StreamIdentifier: %v", err)
	}
	if id != "explicit-stream" {
		t.Fatalf("StreamIdentifier = %q, want explicit-stream", id)
	}
}
