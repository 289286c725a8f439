package dbus

import (
	"reflect"

	"github.com/pkg/errors"
)

// DictEntry is one key/value pair of a marshalled dict (D-Bus "a{kv}"),
// kept ordered since the wire array preserves encounter order.
type DictEntry struct {
	Key   interface{}
	Value interface{}
}

// MarshalVariant is the marshal-form representation of a D-Bus variant: the
// wire signature of the carried value plus that value in marshal form.
// Grounded on the teacher's types.go Variant, split from the high-level
// Value below per spec.md §4.8 ("variants carrying an explicit type tag").
type MarshalVariant struct {
	Sig   string
	Value interface{}
}

// Value is the high-level representation of a D-Bus variant: the parsed
// SignatureTree of the carried value plus that value in high-level form.
type Value struct {
	Sig   *SignatureTree
	Value interface{}
}

// MarshalToHigh converts a marshal-form value into its high-level form,
// following the shape of tree. Basic scalars pass through, arrays become
// []interface{}, dicts become map[interface{}]interface{}, structs become
// []interface{} ("fixed tuple"), and variants become a tagged Value after
// recursing into the carried type.
func MarshalToHigh(v interface{}, tree *SignatureTree) (interface{}, error) {
	switch tree.Kind {
	case KindBasic:
		return v, nil
	case KindArray:
		if tree.Children[0].Kind == KindDict {
			return marshalDictToHigh(v, tree.Children[0])
		}
		arr, ok := v.([]interface{})
		if !ok {
			return nil, &ProtocolError{Reason: "expected array value for " + tree.String()}
		}
		out := make([]interface{}, len(arr))
		for i, el := range arr {
			hv, err := MarshalToHigh(el, tree.Children[0])
			if err != nil {
				return nil, errors.Wrapf(err, "array element %d", i)
			}
			out[i] = hv
		}
		return out, nil
	case KindStruct:
		arr, ok := v.([]interface{})
		if !ok || len(arr) != len(tree.Children) {
			return nil, &ProtocolError{Reason: "expected " + tree.String() + " tuple value"}
		}
		out := make([]interface{}, len(arr))
		for i, el := range arr {
			hv, err := MarshalToHigh(el, tree.Children[i])
			if err != nil {
				return nil, errors.Wrapf(err, "struct field %d", i)
			}
			out[i] = hv
		}
		return out, nil
	case KindVariant:
		mv, ok := v.(*MarshalVariant)
		if !ok {
			return nil, &ProtocolError{Reason: "expected variant value"}
		}
		inner, err := ParseSingle(mv.Sig)
		if err != nil {
			return nil, err
		}
		hv, err := MarshalToHigh(mv.Value, inner)
		if err != nil {
			return nil, err
		}
		return &Value{Sig: inner, Value: hv}, nil
	}
	return nil, &ProtocolError{Reason: "unhandled signature tree kind"}
}

func marshalDictToHigh(v interface{}, dict *SignatureTree) (interface{}, error) {
	entries, ok := v.([]DictEntry)
	if !ok {
		return nil, &ProtocolError{Reason: "expected dict-entry array value"}
	}
	out := make(map[interface{}]interface{}, len(entries))
	for _, e := range entries {
		k, err := MarshalToHigh(e.Key, dict.Children[0])
		if err != nil {
			return nil, err
		}
		val, err := MarshalToHigh(e.Value, dict.Children[1])
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	return out, nil
}

// HighToMarshal converts a high-level value into its marshal form, the
// inverse of MarshalToHigh. Two wrinkles apply (spec.md §4.8): (a) when v is
// already a container of the shape tree expects, it is used as-is rather
// than re-wrapped — naturally true here since both forms share Go slice/map
// shapes (a typed slice such as []string is accepted for an array too);
// (b) the extra array nesting of a property Set body is provided by
// WrapForPropertySet, which no Set path in this package applies:
// ProxyInterface.Set sends this function's result unwrapped, and the
// Properties.Set handler reads the variant's value unwrapped.
func HighToMarshal(v interface{}, tree *SignatureTree) (interface{}, error) {
	switch tree.Kind {
	case KindBasic:
		return v, nil
	case KindArray:
		if tree.Children[0].Kind == KindDict {
			return highDictToMarshal(v, tree.Children[0])
		}
		arr, ok := v.([]interface{})
		if !ok {
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				return nil, &ProtocolError{Reason: "expected array value for " + tree.String()}
			}
			arr = make([]interface{}, rv.Len())
			for i := range arr {
				arr[i] = rv.Index(i).Interface()
			}
		}
		out := make([]interface{}, len(arr))
		for i, el := range arr {
			mv, err := HighToMarshal(el, tree.Children[0])
			if err != nil {
				return nil, errors.Wrapf(err, "array element %d", i)
			}
			out[i] = mv
		}
		return out, nil
	case KindStruct:
		arr, ok := v.([]interface{})
		if !ok || len(arr) != len(tree.Children) {
			return nil, &ProtocolError{Reason: "expected " + tree.String() + " tuple value"}
		}
		out := make([]interface{}, len(arr))
		for i, el := range arr {
			mv, err := HighToMarshal(el, tree.Children[i])
			if err != nil {
				return nil, errors.Wrapf(err, "struct field %d", i)
			}
			out[i] = mv
		}
		return out, nil
	case KindVariant:
		return highVariantToMarshal(v)
	}
	return nil, &ProtocolError{Reason: "unhandled signature tree kind"}
}

func highDictToMarshal(v interface{}, dict *SignatureTree) (interface{}, error) {
	m, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil, &ProtocolError{Reason: "expected map value"}
	}
	out := make([]DictEntry, 0, len(m))
	for k, val := range m {
		mk, err := HighToMarshal(k, dict.Children[0])
		if err != nil {
			return nil, err
		}
		mv, err := HighToMarshal(val, dict.Children[1])
		if err != nil {
			return nil, err
		}
		out = append(out, DictEntry{Key: mk, Value: mv})
	}
	return out, nil
}

func highVariantToMarshal(v interface{}) (*MarshalVariant, error) {
	if val, ok := v.(*Value); ok {
		mv, err := HighToMarshal(val.Value, val.Sig)
		if err != nil {
			return nil, err
		}
		return &MarshalVariant{Sig: val.Sig.String(), Value: mv}, nil
	}
	// A native value handed to us without an explicit tag: infer its
	// signature the way the teacher's SignatureOf does.
	tree, err := InferSignature(v)
	if err != nil {
		return nil, err
	}
	mv, err := HighToMarshal(v, tree)
	if err != nil {
		return nil, err
	}
	return &MarshalVariant{Sig: tree.String(), Value: mv}, nil
}

// WrapForPropertySet applies spec.md §4.8 wrinkle (b): a Properties.Set
// call wraps the marshalled payload in one extra level of array nesting
// iff the payload is itself a container, so the transport sees [value] for
// containers and value for scalars.
func WrapForPropertySet(marshalled interface{}, tree *SignatureTree) interface{} {
	if tree.Kind == KindBasic {
		return marshalled
	}
	return []interface{}{marshalled}
}

// InferSignature derives a SignatureTree for a native Go value via
// reflection, grounded on the teacher's types.go SignatureOf.
func InferSignature(v interface{}) (*SignatureTree, error) {
	return signatureOfType(reflect.TypeOf(v))
}

func signatureOfType(t reflect.Type) (*SignatureTree, error) {
	if t == nil {
		return nil, &ProtocolError{Reason: "cannot infer signature of nil value"}
	}
	if t == reflect.TypeOf(ObjectPath("")) {
		return &SignatureTree{Kind: KindBasic, Code: 'o'}, nil
	}
	if t == reflect.TypeOf(Value{}) || t == reflect.TypeOf(&Value{}) {
		return &SignatureTree{Kind: KindVariant}, nil
	}
	switch t.Kind() {
	case reflect.Uint8:
		return &SignatureTree{Kind: KindBasic, Code: 'y'}, nil
	case reflect.Bool:
		return &SignatureTree{Kind: KindBasic, Code: 'b'}, nil
	case reflect.Int16:
		return &SignatureTree{Kind: KindBasic, Code: 'n'}, nil
	case reflect.Uint16:
		return &SignatureTree{Kind: KindBasic, Code: 'q'}, nil
	case reflect.Int, reflect.Int32:
		return &SignatureTree{Kind: KindBasic, Code: 'i'}, nil
	case reflect.Uint32:
		return &SignatureTree{Kind: KindBasic, Code: 'u'}, nil
	case reflect.Int64:
		return &SignatureTree{Kind: KindBasic, Code: 'x'}, nil
	case reflect.Uint64:
		return &SignatureTree{Kind: KindBasic, Code: 't'}, nil
	case reflect.Float64:
		return &SignatureTree{Kind: KindBasic, Code: 'd'}, nil
	case reflect.String:
		return &SignatureTree{Kind: KindBasic, Code: 's'}, nil
	case reflect.Slice, reflect.Array:
		elem, err := signatureOfType(t.Elem())
		if err != nil {
			return nil, err
		}
		return &SignatureTree{Kind: KindArray, Children: []*SignatureTree{elem}}, nil
	case reflect.Map:
		key, err := signatureOfType(t.Key())
		if err != nil {
			return nil, err
		}
		val, err := signatureOfType(t.Elem())
		if err != nil {
			return nil, err
		}
		dict := &SignatureTree{Kind: KindDict, Children: []*SignatureTree{key, val}}
		return &SignatureTree{Kind: KindArray, Children: []*SignatureTree{dict}}, nil
	case reflect.Struct:
		children := make([]*SignatureTree, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			child, err := signatureOfType(t.Field(i).Type)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &SignatureTree{Kind: KindStruct, Children: children}, nil
	case reflect.Ptr:
		return signatureOfType(t.Elem())
	case reflect.Interface:
		return nil, &ProtocolError{Reason: "cannot infer signature for untyped interface{} value"}
	}
	return nil, &ProtocolError{Reason: "cannot infer signature for " + t.String()}
}
