package record

import (
	"bytes"
	"math/big"
	"reflect"
	"testing"
	"time"
)

func TestDecodeCellRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		cell Cell
		kind Tag
		want any
	}{
		{"text", Cell{Tag: TagText, StringValue: "hello"}, TagText, "hello"},
		{"ascii", Cell{Tag: TagASCII, StringValue: "x"}, TagASCII, "x"},
		{"int", Cell{Tag: TagInt, IntValue: 7}, TagInt, int32(7)},
		{"smallint", Cell{Tag: TagSmallint, IntValue: -3}, TagSmallint, int32(-3)},
		{"bigint", Cell{Tag: TagBigint, LongValue: 1 << 40}, TagBigint, int64(1 << 40)},
		{"counter", Cell{Tag: TagCounter, LongValue: 99}, TagCounter, int64(99)},
		{"float", Cell{Tag: TagFloat, FloatValue: 1.5}, TagFloat, float32(1.5)},
		{"double", Cell{Tag: TagDouble, DoubleValue: 3.14}, TagDouble, float64(3.14)},
		{"bool", Cell{Tag: TagBoolean, BoolValue: true}, TagBoolean, true},
		{"blob", Cell{Tag: TagBlob, BytesValue: []byte{1, 2, 3}}, TagBlob, []byte{1, 2, 3}},
		{"timestamp", Cell{Tag: TagTimestamp, EpochMillis: 0}, TagTimestamp, time.UnixMilli(0).UTC()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := DecodeCell(c.cell)
			if err != nil {
				t.Fatalf("DecodeCell: %v", err)
			}
			if got.Kind != c.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, c.kind)
			}
			if b, ok := c.want.([]byte); ok {
				if !bytes.Equal(got.Bytes, b) {
					t.Fatalf("Bytes = %v, want %v", got.Bytes, b)
				}
				return
			}
			if !reflect.DeepEqual(got.Native(), c.want) {
				t.Fatalf("Native() = %#v, want %#v", got.Native(), c.want)
			}
		})
	}
}

func TestDecodeCellDecimal(t *testing.T) {
	cell := Cell{Tag: TagDecimal, DecimalUnscal: big.NewInt(12345), DecimalScale: 2}
	got, err := DecodeCell(cell)
	if err != nil {
		t.Fatalf("DecodeCell: %v", err)
	}
	want := NewDecimal(big.NewRat(12345, 100))
	if !got.Dec.Equal(want) {
		t.Fatalf("Dec = %s, want %s", got.Dec, want)
	}
}

func TestDecodeCellUnsupportedTag(t *testing.T) {
	_, err := DecodeCell(Cell{Tag: "UDT"})
	if !IsUnsupportedType(err) {
		t.Fatalf("expected UnsupportedType error, got %v", err)
	}
}

func TestDateEpochDayRoundTrip(t *testing.T) {
	dates := []Date{
		{1970, time.January, 1},
		{2024, time.February, 29},
		{1969, time.December, 31},
		{1900, time.March, 1},
		{2399, time.December, 31},
	}
	for _, d := range dates {
		epoch := DateToEpochDay(d)
		got := epochDayToDate(epoch)
		if !got.Equal(d) {
			t.Errorf("round trip %s -> %d -> %s", d, epoch, got)
		}
	}
}
