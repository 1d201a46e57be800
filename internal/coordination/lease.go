package coordination

import (
	"encoding/json"
	"time"

	"github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/stream"
)

// Lease is the coordination record for one shard (spec §3). Counter is
// the CAS version; every successful store mutation increments it.
type Lease struct {
	ShardID                      string    `json:"shard_id"`
	Owner                        string    `json:"owner,omitempty"`
	Counter                      int64     `json:"counter"`
	Checkpoint                   string    `json:"checkpoint"`
	OwnerSwitchesSinceCheckpoint int       `json:"owner_switches_since_checkpoint"`
	ParentShardIDs               []string  `json:"parent_shard_ids,omitempty"`
	LastRenewalTime              time.Time `json:"last_renewal_time"`
}

// IsOwned reports whether the lease currently has a non-empty owner.
func (l Lease) IsOwned() bool {
	return l.Owner != ""
}

// IsShardEnd reports whether the lease's checkpoint is the shard-end
// sentinel — the point at which spec §3's invariant (iii) allows this
// lease's children to be claimed once this lease is deleted.
func (l Lease) IsShardEnd() bool {
	return l.Checkpoint == stream.ShardEnd
}

func marshalLease(l Lease) []byte {
	b, err := json.Marshal(l)
	if err != nil {
		// Lease contains only JSON-trivial fields; marshaling cannot fail.
		panic(err)
	}
	return b
}

func unmarshalLease(b []byte) (Lease, error) {
	var l Lease
	if err := json.Unmarshal(b, &l); err != nil {
		return Lease{}, err
	}
	return l, nil
}

func leaseKey(namespace, shardID string) string {
	return namespace + "/" + shardID
}
