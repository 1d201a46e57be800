package record

import (
	"time"

	"github.com/juju/errors"
)

// Record is one decoded change event from a shard. At least one of
// NewImage/OldImage is populated; TTL origin implies NewImage is nil.
type Record struct {
	SequenceNumber string
	ArrivalTime    time.Time
	Origin         Origin
	NewImage       map[string]Value
	OldImage       map[string]Value
	Operation      Operation
}

// RawRecord is the undecoded event as handed over by the shard iterator
// (component §6's abstract transport).
type RawRecord struct {
	SequenceNumber string
	ArrivalTime    time.Time
	Origin         Origin
	NewImage       map[string]Cell
	OldImage       map[string]Cell
}

// Decode turns a RawRecord into a Record, decoding both images and
// classifying the operation. An error here means a cell used an
// unsupported tag; the caller should treat the whole record as
// undeliverable (it is not classified as UNKNOWN, which is reserved for
// image-shape, not decode failures).
func Decode(raw RawRecord) (Record, error) {
	newImage, err := DecodeImage(raw.NewImage)
	if err != nil {
		return Record{}, errors.Annotatef(err, "decoding new image for sequence %s", raw.SequenceNumber)
	}
	oldImage, err := DecodeImage(raw.OldImage)
	if err != nil {
		return Record{}, errors.Annotatef(err, "decoding old image for sequence %s", raw.SequenceNumber)
	}
	op := Classify(raw.Origin, raw.NewImage != nil, raw.OldImage != nil)
	return Record{
		SequenceNumber: raw.SequenceNumber,
		ArrivalTime:    raw.ArrivalTime,
		Origin:         raw.Origin,
		NewImage:       newImage,
		OldImage:       oldImage,
		Operation:      op,
	}, nil
}
