package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGobCodecRoundTripsCompositeBodies guards against the gob registration
// gap: every composite marshal-form shape value.go produces ([]interface{}
// for arrays/struct tuples, []DictEntry for dicts, at arbitrary nesting) must
// survive a real Marshal/Unmarshal round trip through the default Codec, not
// just the in-memory HighToMarshal/MarshalToHigh translation.
func TestGobCodecRoundTripsCompositeBodies(t *testing.T) {
	codec := NewDefaultCodec()

	cases := []struct {
		name string
		sig  string
		body []interface{}
	}{
		{"array of strings", "as", []interface{}{[]interface{}{"a", "b", "c"}}},
		{"struct tuple", "(sbd)", []interface{}{[]interface{}{"x", true, 3.5}}},
		{
			"dict of variants", "a{sv}",
			[]interface{}{[]DictEntry{
				{Key: "Count", Value: &MarshalVariant{Sig: "q", Value: uint16(42)}},
			}},
		},
		{
			"nested array of struct", "a(sq)",
			[]interface{}{[]interface{}{
				[]interface{}{"a", uint16(1)},
				[]interface{}{"b", uint16(2)},
			}},
		},
		{
			"PropertiesChanged-shaped body", "sa{sv}as",
			[]interface{}{
				"com.example.Foo",
				[]DictEntry{{Key: "Count", Value: &MarshalVariant{Sig: "q", Value: uint16(1)}}},
				[]interface{}{},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := codec.Marshal(tc.sig, tc.body)
			require.NoError(t, err)
			back, err := codec.Unmarshal(tc.sig, data)
			require.NoError(t, err)
			assert.Equal(t, tc.body, back)
		})
	}
}
