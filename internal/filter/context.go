package filter

import "github.com/aws-samples/sample-keyspaces-cdc-streams-connectors/internal/record"

// ContextFor builds the evaluation Context for rec, exposing exactly the
// fields spec §4.B names: metadata.operation, metadata.sequenceNumber,
// metadata.approximateArrivalTimestamp, newImage.<col>, oldImage.<col>.
func ContextFor(rec record.Record) Context {
	return Context{
		Metadata: map[string]any{
			"operation":                   string(rec.Operation),
			"sequenceNumber":              rec.SequenceNumber,
			"approximateArrivalTimestamp": rec.ArrivalTime.UnixMilli(),
		},
		NewImage: nativeImage(rec.NewImage),
		OldImage: nativeImage(rec.OldImage),
	}
}

func nativeImage(image map[string]record.Value) map[string]any {
	if image == nil {
		return nil
	}
	out := make(map[string]any, len(image))
	for k, v := range image {
		out[k] = v.Native()
	}
	return out
}
