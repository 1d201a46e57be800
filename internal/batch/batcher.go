// Package batch implements the size/count-bounded batcher and the
// bounded-retry-with-backoff harness shared by every sink (spec §4.E).
package batch

// Sizer measures the encoded size, in bytes, of one item. Sinks supply
// this once per item type (e.g. marshaled JSON length, SQS message body
// length) rather than re-serializing to measure, per Design Notes §9's
// "byte accounting via re-serializing" caution — implementations may
// estimate cheaply during their own serialization pass instead.
type Sizer[T any] func(item T) int

// Build groups items into batches bounded jointly by maxCount and
// maxBytes. A record whose own size exceeds maxBytes becomes its own
// singleton batch rather than being split, per spec §4.E.
func Build[T any](items []T, maxCount int, maxBytes int, size Sizer[T]) [][]T {
	if len(items) == 0 {
		return nil
	}
	var batches [][]T
	var current []T
	currentBytes := 0

	seal := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentBytes = 0
		}
	}

	for _, item := range items {
		itemBytes := size(item)

		if itemBytes > maxBytes {
			seal()
			batches = append(batches, []T{item})
			continue
		}

		wouldExceedCount := maxCount > 0 && len(current)+1 > maxCount
		wouldExceedBytes := currentBytes+itemBytes > maxBytes
		if len(current) > 0 && (wouldExceedCount || wouldExceedBytes) {
			seal()
		}

		current = append(current, item)
		currentBytes += itemBytes
	}
	seal()
	return batches
}
