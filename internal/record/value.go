// Package record decodes raw CDC cells into native values and classifies
// operation types for a single change event.
package record

import (
	"fmt"
	"math/big"
	"time"
)

// Tag identifies the CQL-like wire type of a cell, as carried by the
// Keyspaces CDC stream.
type Tag string

const (
	TagText      Tag = "TEXT"
	TagASCII     Tag = "ASCII"
	TagInet      Tag = "INET"
	TagDate      Tag = "DATE"
	TagInt       Tag = "INT"
	TagSmallint  Tag = "SMALLINT"
	TagTinyint   Tag = "TINYINT"
	TagBigint    Tag = "BIGINT"
	TagCounter   Tag = "COUNTER"
	TagFloat     Tag = "FLOAT"
	TagDecimal   Tag = "DECIMAL"
	TagDouble    Tag = "DOUBLE"
	TagBoolean   Tag = "BOOLEAN"
	TagTimestamp Tag = "TIMESTAMP"
	TagBlob      Tag = "BLOB"
)

// Date is a calendar date with no time-of-day or zone component, matching
// the original implementation's LocalDate handling for the DATE tag.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Equal reports whether two dates denote the same day.
func (d Date) Equal(o Date) bool {
	return d.Year == o.Year && d.Month == o.Month && d.Day == o.Day
}

// Decimal is an arbitrary-precision decimal value, backed by math/big
// because no decimal library appears anywhere in the retrieved example
// pack (see DESIGN.md for the standard-library justification).
type Decimal struct {
	Rat *big.Rat
}

func NewDecimal(r *big.Rat) Decimal {
	return Decimal{Rat: r}
}

func (d Decimal) String() string {
	if d.Rat == nil {
		return "0"
	}
	return d.Rat.RatString()
}

// Equal reports whether two decimals denote the same rational value.
func (d Decimal) Equal(o Decimal) bool {
	if d.Rat == nil || o.Rat == nil {
		return d.Rat == o.Rat
	}
	return d.Rat.Cmp(o.Rat) == 0
}

// Value is the native representation a Cell decodes to. Exactly one field
// is meaningful, selected by Kind.
type Value struct {
	Kind Tag

	Str   string
	I32   int32
	I64   int64
	F32   float32
	F64   float64
	Bool  bool
	Time  time.Time
	Bytes []byte
	Dec   Decimal
	D     Date
}

// Native returns the value unwrapped as an any, suitable for JSON
// serialization or filter-expression evaluation.
func (v Value) Native() any {
	switch v.Kind {
	case TagText, TagASCII, TagInet:
		return v.Str
	case TagDate:
		return v.D
	case TagInt, TagSmallint, TagTinyint:
		return v.I32
	case TagBigint, TagCounter:
		return v.I64
	case TagFloat:
		return v.F32
	case TagDecimal:
		return v.Dec
	case TagDouble:
		return v.F64
	case TagBoolean:
		return v.Bool
	case TagTimestamp:
		return v.Time
	case TagBlob:
		return v.Bytes
	default:
		return nil
	}
}
