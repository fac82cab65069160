package types

import (
	"bytes"
	"encoding/base64"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02T15:04:05.999999999Z07:00"
)

// JSON renders v the way it appears inside the keys, new_values and
// old_values objects of a mod. INT64 and NUMERIC become strings so that no
// precision is lost, floats become numbers, JSON documents become strings
// holding their compact text with sorted keys.
func (v Value) JSON() ([]byte, error) {
	if v.typ == nil {
		return nil, errors.AssertionFailedf("encoding an invalid value")
	}
	if v.null {
		return []byte("null"), nil
	}
	switch v.typ.code {
	case CodeBool:
		if v.b {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case CodeInt64:
		return jsonAPI.Marshal(strconv.FormatInt(v.i, 10))
	case CodeFloat32, CodeFloat64:
		return encodeFloat(v.f)
	case CodeNumeric:
		if v.d == nil {
			return nil, errors.AssertionFailedf("NUMERIC value without a decimal")
		}
		return jsonAPI.Marshal(v.d.Text('f'))
	case CodeString:
		return jsonAPI.Marshal(v.s)
	case CodeBytes:
		return jsonAPI.Marshal(base64.StdEncoding.EncodeToString([]byte(v.s)))
	case CodeDate:
		return jsonAPI.Marshal(v.t.Format(dateLayout))
	case CodeTimestamp:
		return jsonAPI.Marshal(v.t.UTC().Format(timestampLayout))
	case CodeJSON:
		if !gjson.Valid(v.s) {
			return nil, errors.AssertionFailedf("invalid JSON document %q", v.s)
		}
		return jsonAPI.Marshal(canonicalJSON(v.s))
	case CodeArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range v.elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := e.JSON()
			if err != nil {
				return nil, errors.Wrapf(err, "array element %d", i)
			}
			buf.Write(data)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	}
	return nil, errors.AssertionFailedf("no JSON encoding for type %s", v.typ)
}

// canonicalJSON compacts doc with object keys sorted at every depth.
func canonicalJSON(doc string) string {
	return gjson.Get(doc, `@pretty:{"sortKeys":true}|@ugly`).Raw
}

func encodeFloat(f float64) ([]byte, error) {
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return jsonAPI.Marshal(f)
}

// DecodeJSON parses the output of Value.JSON back into a value of type t.
func DecodeJSON(t *Type, data []byte) (Value, error) {
	if !gjson.ValidBytes(data) {
		return Value{}, errors.Newf("invalid JSON for %s: %q", t, data)
	}
	return decodeResult(t, gjson.ParseBytes(data))
}

func decodeResult(t *Type, r gjson.Result) (Value, error) {
	if r.Type == gjson.Null {
		return Null(t), nil
	}
	mismatch := func() (Value, error) {
		return Value{}, errors.Newf("cannot decode %s from %s", t, r.Raw)
	}
	switch t.code {
	case CodeBool:
		if r.Type != gjson.True && r.Type != gjson.False {
			return mismatch()
		}
		return Bool(r.Bool()), nil
	case CodeInt64:
		if r.Type != gjson.String && r.Type != gjson.Number {
			return mismatch()
		}
		text := r.Str
		if r.Type == gjson.Number {
			text = r.Raw
		}
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, errors.Wrapf(err, "decoding %s", t)
		}
		return Int64(i), nil
	case CodeFloat32, CodeFloat64:
		var f float64
		switch r.Type {
		case gjson.Number:
			var err error
			if f, err = strconv.ParseFloat(r.Raw, 64); err != nil {
				return Value{}, errors.Wrapf(err, "decoding %s", t)
			}
		case gjson.String:
			switch r.Str {
			case "NaN":
				f = math.NaN()
			case "Infinity":
				f = math.Inf(1)
			case "-Infinity":
				f = math.Inf(-1)
			default:
				return mismatch()
			}
		default:
			return mismatch()
		}
		if t.code == CodeFloat32 {
			return Float32(float32(f)), nil
		}
		return Float64(f), nil
	case CodeNumeric:
		if r.Type != gjson.String {
			return mismatch()
		}
		d, _, err := apd.NewFromString(r.Str)
		if err != nil {
			return Value{}, errors.Wrapf(err, "decoding %s", t)
		}
		return Value{typ: t, d: d}, nil
	case CodeString:
		if r.Type != gjson.String {
			return mismatch()
		}
		return String(r.Str), nil
	case CodeBytes:
		if r.Type != gjson.String {
			return mismatch()
		}
		b, err := base64.StdEncoding.DecodeString(r.Str)
		if err != nil {
			return Value{}, errors.Wrapf(err, "decoding %s", t)
		}
		return Bytes(b), nil
	case CodeDate:
		if r.Type != gjson.String {
			return mismatch()
		}
		d, err := time.Parse(dateLayout, r.Str)
		if err != nil {
			return Value{}, errors.Wrapf(err, "decoding %s", t)
		}
		return DateOf(d), nil
	case CodeTimestamp:
		if r.Type != gjson.String {
			return mismatch()
		}
		ts, err := time.Parse(time.RFC3339Nano, r.Str)
		if err != nil {
			return Value{}, errors.Wrapf(err, "decoding %s", t)
		}
		return Timestamp(ts), nil
	case CodeJSON:
		if r.Type != gjson.String || !gjson.Valid(r.Str) {
			return mismatch()
		}
		return Value{typ: t, s: r.Str}, nil
	case CodeArray:
		if !r.IsArray() {
			return mismatch()
		}
		results := r.Array()
		elems := make([]Value, len(results))
		for i, er := range results {
			e, err := decodeResult(t.elem, er)
			if err != nil {
				return Value{}, errors.Wrapf(err, "array element %d", i)
			}
			elems[i] = e
		}
		return Array(t.elem, elems...), nil
	}
	return Value{}, errors.AssertionFailedf("no JSON decoding for type %s", t)
}
