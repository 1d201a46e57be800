package record

import (
	"math/big"
	"time"
)

// Cell is one raw typed column value as carried on the wire: a type tag
// plus whichever representation field matches it. Exactly one of the
// representation fields is populated, mirroring the union the decoder
// destructures in StreamHelpers.java.
type Cell struct {
	Tag Tag

	// Raw representations. Only the field matching Tag is read by Decode.
	StringValue   string
	IntValue      int32
	LongValue     int64
	FloatValue    float32
	DoubleValue   float64
	BoolValue     bool
	EpochMillis   int64
	BytesValue    []byte
	DecimalUnscal *big.Int
	DecimalScale  int32
	DateEpochDay  int32
}

// DecodeCell converts a raw Cell to its native Value, per the tag table in
// spec §4.A. Unknown tags fail with UnsupportedType.
func DecodeCell(c Cell) (Value, error) {
	switch c.Tag {
	case TagText, TagASCII, TagInet:
		return Value{Kind: c.Tag, Str: c.StringValue}, nil
	case TagDate:
		return Value{Kind: TagDate, D: epochDayToDate(c.DateEpochDay)}, nil
	case TagInt, TagSmallint, TagTinyint:
		return Value{Kind: c.Tag, I32: c.IntValue}, nil
	case TagBigint, TagCounter:
		return Value{Kind: c.Tag, I64: c.LongValue}, nil
	case TagFloat:
		return Value{Kind: TagFloat, F32: c.FloatValue}, nil
	case TagDecimal:
		unscaled := c.DecimalUnscal
		if unscaled == nil {
			unscaled = big.NewInt(0)
		}
		denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.DecimalScale)), nil)
		r := new(big.Rat).SetFrac(unscaled, denom)
		return Value{Kind: TagDecimal, Dec: NewDecimal(r)}, nil
	case TagDouble:
		return Value{Kind: TagDouble, F64: c.DoubleValue}, nil
	case TagBoolean:
		return Value{Kind: TagBoolean, Bool: c.BoolValue}, nil
	case TagTimestamp:
		return Value{Kind: TagTimestamp, Time: time.UnixMilli(c.EpochMillis).UTC()}, nil
	case TagBlob:
		return Value{Kind: TagBlob, Bytes: c.BytesValue}, nil
	default:
		return Value{}, NewUnsupportedType(string(c.Tag))
	}
}

// DecodeImage decodes every cell in a column-name-keyed image, stopping at
// the first unsupported cell.
func DecodeImage(image map[string]Cell) (map[string]Value, error) {
	if image == nil {
		return nil, nil
	}
	out := make(map[string]Value, len(image))
	for col, cell := range image {
		v, err := DecodeCell(cell)
		if err != nil {
			return nil, err
		}
		out[col] = v
	}
	return out, nil
}

const daysFromUnixEpoch = 719468 // days from 0000-03-01 to 1970-01-01, civil_from_days algorithm

// epochDayToDate converts a day count since the Unix epoch (1970-01-01) to
// a calendar Date using Howard Hinnant's civil_from_days algorithm.
func epochDayToDate(epochDay int32) Date {
	z := int64(epochDay) + daysFromUnixEpoch
	era := z
	if z < 0 {
		era -= 146096
	}
	era /= 146097
	doe := z - era*146097
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365
	y := yoe + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100)
	mp := (5*doy + 2) / 153
	d := doy - (153*mp+2)/5 + 1
	m := mp + 3
	if mp >= 10 {
		m = mp - 9
		y++
	}
	return Date{Year: int(y), Month: time.Month(m), Day: int(d)}
}

// DateToEpochDay converts a calendar Date to a day count since the Unix
// epoch, the inverse of epochDayToDate (days_from_civil).
func DateToEpochDay(d Date) int32 {
	y := int64(d.Year)
	m := int64(d.Month)
	if m <= 2 {
		y--
	}
	era := y
	if y < 0 {
		era -= 399
	}
	era /= 400
	yoe := y - era*400
	mp := (m + 9) % 12
	doy := (153*mp+2)/5 + int64(d.Day) - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	z := era*146097 + doe - daysFromUnixEpoch
	return int32(z)
}
