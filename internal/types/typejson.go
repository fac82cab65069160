package types

import (
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

// jsonAPI is shared by every encoder in this module: map keys come out
// sorted and strings are not HTML escaped.
var jsonAPI = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// JSONAPI exposes the canonical JSON configuration to other packages.
func JSONAPI() jsoniter.API { return jsonAPI }

func (t *Type) jsonObject() map[string]interface{} {
	obj := map[string]interface{}{"code": string(t.code)}
	if t.code == CodeArray {
		obj["array_element_type"] = t.elem.jsonObject()
	}
	if t.annotation != NoAnnotation {
		obj["type_annotation"] = string(t.annotation)
	}
	return obj
}

// JSON renders the type descriptor carried in column_types_type, e.g.
// {"code":"INT64"} or {"array_element_type":{"code":"JSON","type_annotation":"PG_JSONB"},"code":"ARRAY"}.
func (t *Type) JSON() string {
	s, err := jsonAPI.MarshalToString(t.jsonObject())
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encoding type %s", t))
	}
	return s
}

// ParseTypeJSON is the inverse of JSON.
func ParseTypeJSON(s string) (*Type, error) {
	var obj struct {
		Code             Code                `json:"code"`
		ArrayElementType jsoniter.RawMessage `json:"array_element_type"`
		TypeAnnotation   Annotation          `json:"type_annotation"`
	}
	if err := jsonAPI.UnmarshalFromString(s, &obj); err != nil {
		return nil, errors.Wrapf(err, "parsing type %q", s)
	}
	if obj.Code == CodeArray {
		if len(obj.ArrayElementType) == 0 {
			return nil, errors.Newf("array type %q has no element type", s)
		}
		elem, err := ParseTypeJSON(string(obj.ArrayElementType))
		if err != nil {
			return nil, err
		}
		if elem.IsArray() {
			return nil, errors.Newf("nested array type %q", s)
		}
		return ArrayOf(elem), nil
	}
	return ScalarType(obj.Code, obj.TypeAnnotation)
}
