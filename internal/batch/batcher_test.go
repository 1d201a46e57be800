package batch

import "testing"

func byteLen(s string) int { return len(s) }

func TestBuildRespectsCountCap(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	batches := Build(items, 2, 1000, byteLen)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	for i, b := range batches[:2] {
		if len(b) != 2 {
			t.Fatalf("batch %d has %d items, want 2", i, len(b))
		}
	}
	if len(batches[2]) != 1 {
		t.Fatalf("last batch has %d items, want 1", len(batches[2]))
	}
}

func TestBuildRespectsByteCap(t *testing.T) {
	items := []string{"xxxxx", "xxxxx", "xxxxx"}
	batches := Build(items, 100, 12, byteLen)
	// 5+5=10 fits under 12, a third 5 would make 15 > 12, so splits 2/1.
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if len(batches[0]) != 2 || len(batches[1]) != 1 {
		t.Fatalf("unexpected batch shapes: %v", batches)
	}
}

func TestBuildOversizedItemBecomesSingletonBatch(t *testing.T) {
	items := []string{"small", "waytoobigforthecap", "small"}
	batches := Build(items, 100, 10, byteLen)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3: %v", len(batches), batches)
	}
	if len(batches[1]) != 1 || batches[1][0] != "waytoobigforthecap" {
		t.Fatalf("oversized item should be its own batch, got %v", batches[1])
	}
}

func TestBuildEmptyInput(t *testing.T) {
	if got := Build([]string{}, 10, 10, byteLen); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}
