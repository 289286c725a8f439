package dbus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// TestValueRoundTrip checks spec.md §8 universal invariant 2: for
// compatible v and tree, marshal_to_high(high_to_marshal(v, t), t) == v.
func TestValueRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		sig  string
		high interface{}
	}{
		{"basic string", "s", "hello"},
		{"basic uint16", "q", uint16(1089)},
		{"array of strings", "as", []interface{}{"foo", "bar"}},
		{"struct", "(sbd)", []interface{}{"x", true, 3.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tree, err := ParseSingle(tc.sig)
			require.NoError(t, err)
			marshalled, err := HighToMarshal(tc.high, tree)
			require.NoError(t, err)
			back, err := MarshalToHigh(marshalled, tree)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.high, back); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValueRoundTripDict(t *testing.T) {
	tree, err := ParseSingle("a{sv}")
	require.NoError(t, err)
	high := map[interface{}]interface{}{
		"ExampleProperty": &Value{Sig: &SignatureTree{Kind: KindBasic, Code: 'q'}, Value: uint16(42)},
	}
	marshalled, err := HighToMarshal(high, tree)
	require.NoError(t, err)
	back, err := MarshalToHigh(marshalled, tree)
	require.NoError(t, err)
	backMap, ok := back.(map[interface{}]interface{})
	require.True(t, ok)
	v, ok := backMap["ExampleProperty"].(*Value)
	require.True(t, ok)
	require.Equal(t, uint16(42), v.Value)
}

func TestInferSignatureBasics(t *testing.T) {
	tree, err := InferSignature(uint16(1))
	require.NoError(t, err)
	require.Equal(t, "q", tree.String())

	tree, err = InferSignature(ObjectPath("/a/b"))
	require.NoError(t, err)
	require.Equal(t, "o", tree.String())

	tree, err = InferSignature([]string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, "as", tree.String())
}

func TestWrapForPropertySet(t *testing.T) {
	basic, _ := ParseSingle("s")
	require.Equal(t, "x", WrapForPropertySet("x", basic))

	arr, _ := ParseSingle("as")
	wrapped := WrapForPropertySet([]interface{}{"x"}, arr)
	require.Equal(t, []interface{}{[]interface{}{"x"}}, wrapped)
}
