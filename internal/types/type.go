package types

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code identifies the base kind of a column type
type Code string

const (
	CodeBool      Code = "BOOL"
	CodeInt64     Code = "INT64"
	CodeFloat32   Code = "FLOAT32"
	CodeFloat64   Code = "FLOAT64"
	CodeNumeric   Code = "NUMERIC"
	CodeString    Code = "STRING"
	CodeBytes     Code = "BYTES"
	CodeDate      Code = "DATE"
	CodeTimestamp Code = "TIMESTAMP"
	CodeJSON      Code = "JSON"
	CodeArray     Code = "ARRAY"
)

// Annotation marks a dialect-specific flavour of a base type
type Annotation string

const (
	NoAnnotation Annotation = ""
	PGJSONB      Annotation = "PG_JSONB"
	PGNumeric    Annotation = "PG_NUMERIC"
)

// Type is an immutable column type. Scalar types are shared package
// variables; array types are built with ArrayOf.
type Type struct {
	code       Code
	elem       *Type
	annotation Annotation
}

var (
	BoolType      = &Type{code: CodeBool}
	Int64Type     = &Type{code: CodeInt64}
	Float32Type   = &Type{code: CodeFloat32}
	Float64Type   = &Type{code: CodeFloat64}
	NumericType   = &Type{code: CodeNumeric}
	StringType    = &Type{code: CodeString}
	BytesType     = &Type{code: CodeBytes}
	DateType      = &Type{code: CodeDate}
	TimestampType = &Type{code: CodeTimestamp}
	JSONType      = &Type{code: CodeJSON}

	PGJSONBType   = &Type{code: CodeJSON, annotation: PGJSONB}
	PGNumericType = &Type{code: CodeNumeric, annotation: PGNumeric}

	StringArrayType = ArrayOf(StringType)
	BoolArrayType   = ArrayOf(BoolType)
	Int64ArrayType  = ArrayOf(Int64Type)
)

// ArrayOf returns the array type with the given element type.
func ArrayOf(elem *Type) *Type {
	if elem == nil || elem.code == CodeArray {
		panic(errors.AssertionFailedf("invalid array element type %v", elem))
	}
	return &Type{code: CodeArray, elem: elem}
}

// ScalarType returns the shared scalar type for a code and annotation.
func ScalarType(code Code, annotation Annotation) (*Type, error) {
	switch {
	case code == CodeJSON && annotation == PGJSONB:
		return PGJSONBType, nil
	case code == CodeNumeric && annotation == PGNumeric:
		return PGNumericType, nil
	case annotation != NoAnnotation:
		return nil, errors.Newf("annotation %s is not valid for %s", annotation, code)
	}
	switch code {
	case CodeBool:
		return BoolType, nil
	case CodeInt64:
		return Int64Type, nil
	case CodeFloat32:
		return Float32Type, nil
	case CodeFloat64:
		return Float64Type, nil
	case CodeNumeric:
		return NumericType, nil
	case CodeString:
		return StringType, nil
	case CodeBytes:
		return BytesType, nil
	case CodeDate:
		return DateType, nil
	case CodeTimestamp:
		return TimestampType, nil
	case CodeJSON:
		return JSONType, nil
	}
	return nil, errors.Newf("unknown scalar type code %q", code)
}

// Code returns the type code.
func (t *Type) Code() Code { return t.code }

// Annotation returns the dialect annotation, if any.
func (t *Type) Annotation() Annotation { return t.annotation }

// IsArray reports whether t is an array type.
func (t *Type) IsArray() bool { return t.code == CodeArray }

// Elem returns the element type of an array type, nil otherwise.
func (t *Type) Elem() *Type { return t.elem }

// Equal reports whether two types are structurally identical.
func (t *Type) Equal(o *Type) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil {
		return false
	}
	if t.code != o.code || t.annotation != o.annotation {
		return false
	}
	if t.code == CodeArray {
		return t.elem.Equal(o.elem)
	}
	return true
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	var s string
	if t.code == CodeArray {
		s = fmt.Sprintf("ARRAY<%s>", t.elem)
	} else {
		s = string(t.code)
	}
	if t.annotation != NoAnnotation {
		s += "(" + string(t.annotation) + ")"
	}
	return s
}
