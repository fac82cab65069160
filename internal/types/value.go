package types

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"
)

// CommitTimestampSentinel is the placeholder a writer stores in a commit
// timestamp column. It is replaced with the transaction's commit time
// before anything observes it.
var CommitTimestampSentinel = time.UnixMicro(math.MaxInt64).UTC()

// Value is an immutable typed column value. The zero Value is invalid.
type Value struct {
	typ   *Type
	null  bool
	b     bool
	i     int64
	f     float64
	s     string
	d     *apd.Decimal
	t     time.Time
	elems []Value
}

// Null returns the typed null of t.
func Null(t *Type) Value { return Value{typ: t, null: true} }

// Bool returns a BOOL value.
func Bool(b bool) Value { return Value{typ: BoolType, b: b} }

// Int64 returns an INT64 value.
func Int64(i int64) Value { return Value{typ: Int64Type, i: i} }

// Float64 returns a FLOAT64 value.
func Float64(f float64) Value { return Value{typ: Float64Type, f: f} }

// String returns a STRING value.
func String(s string) Value { return Value{typ: StringType, s: s} }

// Bytes returns a BYTES value holding a copy of b.
func Bytes(b []byte) Value { return Value{typ: BytesType, s: string(b)} }

// Float32 stores f widened to float64; encoders print the widened value.
func Float32(f float32) Value { return Value{typ: Float32Type, f: float64(f)} }

// Numeric takes ownership of d.
func Numeric(d *apd.Decimal) Value { return Value{typ: NumericType, d: d} }

// PGNumericValue is the PostgreSQL-dialect numeric.
func PGNumericValue(d *apd.Decimal) Value { return Value{typ: PGNumericType, d: d} }

// NumericFromString parses a decimal literal.
func NumericFromString(s string) (Value, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Value{}, errors.Wrapf(err, "invalid NUMERIC literal %q", s)
	}
	return Numeric(d), nil
}

// Date returns the DATE for the given calendar day.
func Date(year int, month time.Month, day int) Value {
	return Value{typ: DateType, t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf keeps only the calendar date of t, read in t's location.
func DateOf(t time.Time) Value {
	y, m, d := t.Date()
	return Date(y, m, d)
}

// Timestamp returns a TIMESTAMP value normalized to UTC.
func Timestamp(t time.Time) Value { return Value{typ: TimestampType, t: t.UTC()} }

// JSON holds a JSON document as text. Validity is checked on encoding.
func JSON(text string) Value { return Value{typ: JSONType, s: text} }

// PGJSONBValue is the PostgreSQL-dialect jsonb.
func PGJSONBValue(text string) Value { return Value{typ: PGJSONBType, s: text} }

// Array builds an array of elem typed values.
func Array(elem *Type, elems ...Value) Value {
	for _, e := range elems {
		if !e.typ.Equal(elem) {
			panic(errors.AssertionFailedf("array element %s does not match %s", e.typ, elem))
		}
	}
	if elems == nil {
		elems = []Value{}
	}
	return Value{typ: ArrayOf(elem), elems: elems}
}

// StringArray returns an ARRAY<STRING> of ss.
func StringArray(ss ...string) Value {
	elems := make([]Value, len(ss))
	for i, s := range ss {
		elems[i] = String(s)
	}
	return Array(StringType, elems...)
}

// BoolArray returns an ARRAY<BOOL> of bs.
func BoolArray(bs ...bool) Value {
	elems := make([]Value, len(bs))
	for i, b := range bs {
		elems[i] = Bool(b)
	}
	return Array(BoolType, elems...)
}

// Int64Array returns an ARRAY<INT64> of is.
func Int64Array(is ...int64) Value {
	elems := make([]Value, len(is))
	for i, n := range is {
		elems[i] = Int64(n)
	}
	return Array(Int64Type, elems...)
}

// Type returns the type of v, nil for the zero Value.
func (v Value) Type() *Type { return v.typ }

// IsNull reports whether v is a typed null.
func (v Value) IsNull() bool { return v.null }

// IsValid reports whether v carries a type.
func (v Value) IsValid() bool { return v.typ != nil }

// BoolValue returns the value of a BOOL. It panics on any other type.
func (v Value) BoolValue() bool {
	v.mustBe(CodeBool)
	return v.b
}

// Int64Value returns the value of an INT64.
func (v Value) Int64Value() int64 {
	v.mustBe(CodeInt64)
	return v.i
}

// StringValue returns the value of a STRING.
func (v Value) StringValue() string {
	v.mustBe(CodeString)
	return v.s
}

// BytesValue returns the value of a BYTES.
func (v Value) BytesValue() []byte {
	v.mustBe(CodeBytes)
	return []byte(v.s)
}

// JSONText returns the document text of a JSON value.
func (v Value) JSONText() string {
	v.mustBe(CodeJSON)
	return v.s
}

// NumericValue returns the decimal of a NUMERIC.
func (v Value) NumericValue() *apd.Decimal {
	v.mustBe(CodeNumeric)
	return v.d
}

// Elements returns the elements of an ARRAY.
func (v Value) Elements() []Value {
	v.mustBe(CodeArray)
	return v.elems
}

// Float64Value returns the value of a FLOAT32 or FLOAT64.
func (v Value) Float64Value() float64 {
	if v.typ.code != CodeFloat32 {
		v.mustBe(CodeFloat64)
	}
	return v.f
}

// TimeValue returns the instant of a TIMESTAMP or the midnight UTC of a DATE.
func (v Value) TimeValue() time.Time {
	if v.typ.code != CodeDate {
		v.mustBe(CodeTimestamp)
	}
	return v.t
}

func (v Value) mustBe(code Code) {
	if v.typ == nil || v.typ.code != code || v.null {
		panic(errors.AssertionFailedf("value %s is not a non-null %s", v, code))
	}
}

// IsCommitTimestampSentinel reports whether v is the commit timestamp
// placeholder.
func (v Value) IsCommitTimestampSentinel() bool {
	return v.typ != nil && v.typ.code == CodeTimestamp && !v.null && v.t.Equal(CommitTimestampSentinel)
}

// Equal reports whether both values have the same type and content.
func (v Value) Equal(o Value) bool {
	if !v.typ.Equal(o.typ) || v.null != o.null {
		return false
	}
	if v.null {
		return true
	}
	return Compare(v, o) == 0
}

// Compare orders two values of the same type. Nulls sort first.
func Compare(a, b Value) int {
	if a.null || b.null {
		switch {
		case a.null && b.null:
			return 0
		case a.null:
			return -1
		}
		return 1
	}
	switch a.typ.code {
	case CodeBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		}
		return 1
	case CodeInt64:
		return compareOrdered(a.i, b.i)
	case CodeFloat32, CodeFloat64:
		// NaN sorts before every other number.
		an, bn := math.IsNaN(a.f), math.IsNaN(b.f)
		if an || bn {
			switch {
			case an && bn:
				return 0
			case an:
				return -1
			}
			return 1
		}
		return compareOrdered(a.f, b.f)
	case CodeString, CodeJSON:
		return strings.Compare(a.s, b.s)
	case CodeBytes:
		return bytes.Compare([]byte(a.s), []byte(b.s))
	case CodeNumeric:
		return a.d.Cmp(b.d)
	case CodeDate, CodeTimestamp:
		return a.t.Compare(b.t)
	case CodeArray:
		for i := 0; i < len(a.elems) && i < len(b.elems); i++ {
			if c := Compare(a.elems[i], b.elems[i]); c != 0 {
				return c
			}
		}
		return compareOrdered(len(a.elems), len(b.elems))
	}
	panic(errors.AssertionFailedf("cannot compare values of type %s", a.typ))
}

func compareOrdered[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// String renders v for logs and errors.
func (v Value) String() string {
	if v.typ == nil {
		return "<invalid>"
	}
	if v.null {
		return "NULL"
	}
	switch v.typ.code {
	case CodeString, CodeJSON:
		return fmt.Sprintf("%q", v.s)
	case CodeBytes:
		return fmt.Sprintf("b%q", v.s)
	}
	data, err := v.JSON()
	if err != nil {
		return fmt.Sprintf("<%s: %v>", v.typ, err)
	}
	return string(data)
}
