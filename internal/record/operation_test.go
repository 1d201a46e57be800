package record

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name         string
		origin       Origin
		hasNew       bool
		hasOld       bool
		wantOp       Operation
	}{
		{"ttl any", OriginTTL, true, false, OpTTL},
		{"ttl neither", OriginTTL, false, false, OpTTL},
		{"user insert", OriginUser, true, false, OpInsert},
		{"user delete", OriginUser, false, true, OpDelete},
		{"user update", OriginUser, true, true, OpUpdate},
		{"replication insert", OriginReplication, true, false, OpReplicatedInsert},
		{"replication delete", OriginReplication, false, true, OpReplicatedDelete},
		{"replication update", OriginReplication, true, true, OpReplicatedUpdate},
		{"user unknown", OriginUser, false, false, OpUnknown},
		{"replication unknown", OriginReplication, false, false, OpUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.origin, c.hasNew, c.hasOld)
			if got != c.wantOp {
				t.Fatalf("Classify(%s, %v, %v) = %s, want %s", c.origin, c.hasNew, c.hasOld, got, c.wantOp)
			}
		})
	}
}

func TestOperationIsDeleteIsUpsert(t *testing.T) {
	deletes := []Operation{OpDelete, OpTTL, OpReplicatedDelete}
	for _, op := range deletes {
		if !op.IsDelete() {
			t.Errorf("%s: expected IsDelete true", op)
		}
		if op.IsUpsert() {
			t.Errorf("%s: expected IsUpsert false", op)
		}
	}
	upserts := []Operation{OpInsert, OpUpdate, OpReplicatedInsert, OpReplicatedUpdate}
	for _, op := range upserts {
		if !op.IsUpsert() {
			t.Errorf("%s: expected IsUpsert true", op)
		}
		if op.IsDelete() {
			t.Errorf("%s: expected IsDelete false", op)
		}
	}
	if OpUnknown.IsDelete() || OpUnknown.IsUpsert() {
		t.Errorf("UNKNOWN should be neither delete nor upsert shaped")
	}
}
