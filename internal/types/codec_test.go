package types

import (
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestValueJSON(t *testing.T) {
	ts := time.Date(2020, 9, 13, 12, 26, 40, 0, time.UTC)
	for _, tc := range []struct {
		name  string
		value Value
		want  string
	}{
		{"bool", Bool(true), `true`},
		{"int64 as string", Int64(1), `"1"`},
		{"negative int64", Int64(-9223372036854775808), `"-9223372036854775808"`},
		{"float64", Float64(2.2), `2.2`},
		{"float32 widened", Float32(1.1), `1.100000023841858`},
		{"float32 pi", Float32(3.14), `3.140000104904175`},
		{"float nan", Float64(math.NaN()), `"NaN"`},
		{"float inf", Float64(math.Inf(1)), `"Infinity"`},
		{"float -inf", Float64(math.Inf(-1)), `"-Infinity"`},
		{"numeric", Numeric(apd.New(11, 0)), `"11"`},
		{"numeric fraction", Numeric(apd.New(12345, -3)), `"12.345"`},
		{"pg numeric", PGNumericValue(apd.New(22, 0)), `"22"`},
		{"string", String("value"), `"value"`},
		{"string without html escaping", String("<a&b>"), `"<a&b>"`},
		{"bytes", Bytes([]byte("hi")), `"aGk="`},
		{"date", Date(2024, time.February, 29), `"2024-02-29"`},
		{"timestamp", Timestamp(ts), `"2020-09-13T12:26:40Z"`},
		{"timestamp micros", Timestamp(ts.Add(1500 * time.Microsecond)), `"2020-09-13T12:26:40.0015Z"`},
		{"json scalar", PGJSONBValue("2024"), `"2024"`},
		{"json object compacted", JSON(`{ "a" : [1, 2] }`), `"{\"a\":[1,2]}"`},
		{"null", Null(StringType), `null`},
		{"empty array", Array(Int64Type), `[]`},
		{"float array", Array(Float32Type, Float32(1.1), Float32(3.14)), `[1.100000023841858,3.140000104904175]`},
		{"double array", Array(Float64Type, Float64(2.2), Float64(2.71)), `[2.2,2.71]`},
		{"jsonb array", Array(PGJSONBType, PGJSONBValue("1"), PGJSONBValue("2")), `["1","2"]`},
		{"numeric array", Array(PGNumericType, PGNumericValue(apd.New(22, 0)), PGNumericValue(apd.New(33, 0))), `["22","33"]`},
		{"array with null", Array(StringType, String("a"), Null(StringType)), `["a",null]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.value.JSON()
			require.NoError(t, err)
			require.Equal(t, tc.want, string(got))
		})
	}
}

func TestValueJSONInvalidDocument(t *testing.T) {
	_, err := JSON(`{"a":`).JSON()
	require.Error(t, err)
	require.True(t, errors.HasAssertionFailure(err))
}

func TestValueJSONSortsKeys(t *testing.T) {
	a, err := JSON(`{"b":1,"a":{"z":[{"y":1,"x":2}],"c":null}}`).JSON()
	require.NoError(t, err)
	b, err := JSON(`{"a":{"c":null,"z":[{"x":2,"y":1}]},"b":1}`).JSON()
	require.NoError(t, err)
	require.Equal(t, `"{\"a\":{\"c\":null,\"z\":[{\"x\":2,\"y\":1}]},\"b\":1}"`, string(a))
	require.Equal(t, string(a), string(b))
}

func TestDecodeJSONRoundTrip(t *testing.T) {
	ts := time.Date(2021, 1, 2, 3, 4, 5, 6000, time.UTC)
	values := []Value{
		Bool(false),
		Int64(42),
		Float64(2.71),
		Float32(1.1),
		Float64(math.Inf(-1)),
		Numeric(apd.New(-5, -2)),
		PGNumericValue(apd.New(7, 0)),
		String("x"),
		Bytes([]byte{0, 1, 2}),
		Date(1999, time.December, 31),
		Timestamp(ts),
		JSON(`{"k":"v"}`),
		Null(TimestampType),
		Array(StringType, String("a"), Null(StringType)),
		Array(PGJSONBType, PGJSONBValue("1")),
	}
	for _, v := range values {
		data, err := v.JSON()
		require.NoError(t, err)
		got, err := DecodeJSON(v.Type(), data)
		require.NoError(t, err, "decoding %s", data)
		require.True(t, v.Equal(got), "%s != %s", v, got)
	}
}

func TestDecodeJSONTypeMismatch(t *testing.T) {
	_, err := DecodeJSON(BoolType, []byte(`"true"`))
	require.Error(t, err)
	_, err = DecodeJSON(Int64Type, []byte(`{`))
	require.Error(t, err)
}

func TestTypeJSON(t *testing.T) {
	for _, tc := range []struct {
		typ  *Type
		want string
	}{
		{Int64Type, `{"code":"INT64"}`},
		{StringType, `{"code":"STRING"}`},
		{Float32Type, `{"code":"FLOAT32"}`},
		{ArrayOf(Float64Type), `{"array_element_type":{"code":"FLOAT64"},"code":"ARRAY"}`},
		{PGJSONBType, `{"code":"JSON","type_annotation":"PG_JSONB"}`},
		{ArrayOf(PGNumericType), `{"array_element_type":{"code":"NUMERIC","type_annotation":"PG_NUMERIC"},"code":"ARRAY"}`},
	} {
		t.Run(tc.typ.String(), func(t *testing.T) {
			require.Equal(t, tc.want, tc.typ.JSON())
			parsed, err := ParseTypeJSON(tc.want)
			require.NoError(t, err)
			require.True(t, tc.typ.Equal(parsed))
		})
	}
}

func TestCompare(t *testing.T) {
	require.Equal(t, -1, Compare(Int64(1), Int64(2)))
	require.Equal(t, 1, Compare(String("b"), String("a")))
	require.Equal(t, -1, Compare(Null(Int64Type), Int64(math.MinInt64)))
	require.Equal(t, 0, Compare(Numeric(apd.New(10, -1)), Numeric(apd.New(1, 0))))
	require.Equal(t, -1, Compare(Float64(math.NaN()), Float64(math.Inf(-1))))
	require.Equal(t, 1, Compare(Array(Int64Type, Int64(1), Int64(2)), Array(Int64Type, Int64(1))))
	require.False(t, Int64(1).Equal(Float64(1)))
}

func TestCommitTimestampSentinel(t *testing.T) {
	require.True(t, Timestamp(CommitTimestampSentinel).IsCommitTimestampSentinel())
	require.False(t, Timestamp(time.Unix(1, 0)).IsCommitTimestampSentinel())
	require.False(t, Null(TimestampType).IsCommitTimestampSentinel())
	require.Equal(t, 294247, CommitTimestampSentinel.Year())
}
