package dbus

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
)

func init() {
	// Every distinct concrete type ever assigned to an interface{} slot
	// during encode must be registered — gob's own init() only covers
	// scalars and slices of scalars. value.go's marshal form puts arrays,
	// struct tuples, and dicts through exactly two composite shapes
	// ([]interface{} and []DictEntry) at arbitrary nesting depth, both of
	// which need their own registration alongside the named types.
	gob.Register(ObjectPath(""))
	gob.Register(&MarshalVariant{})
	gob.Register(DictEntry{})
	gob.Register([]interface{}{})
	gob.Register([]DictEntry{})
}

// Codec marshals/unmarshals D-Bus message bodies against a type signature.
// Byte-level wire layout is an explicit spec.md Non-goal; Codec is the
// narrow interface the Router and ValueBridge depend on so the module
// compiles and runs against a real bus without the core owning that detail.
// Grounded on the teacher's encoder.go/newmarshal.go pipeline.
type Codec interface {
	Marshal(sig string, body []interface{}) ([]byte, error)
	Unmarshal(sig string, data []byte) ([]interface{}, error)
}

// gobCodec is the default Codec: it re-encodes each body element with
// encoding/gob rather than reproducing the full D-Bus type-code byte
// format, since that format is named as an assumed-external concern. It
// round-trips the Go values this module hands it, which is what the Router
// needs from a codec collaborator, with one exception: an empty slice nested
// inside another body value comes back as a nil slice of the same type (an
// empty slice that is itself a body element comes back empty).
type gobCodec struct{}

// NewDefaultCodec returns the module's default Codec implementation.
func NewDefaultCodec() Codec { return gobCodec{} }

func (gobCodec) Marshal(sig string, body []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(body))); err != nil {
		return nil, wrapf(err, "codec: writing body length")
	}
	enc := gob.NewEncoder(&buf)
	for i, v := range body {
		if err := enc.Encode(&v); err != nil {
			return nil, wrapf(err, "codec: encoding body element %d (sig %q)", i, sig)
		}
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(sig string, data []byte) ([]interface{}, error) {
	buf := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, wrapf(err, "codec: reading body length")
	}
	dec := gob.NewDecoder(buf)
	out := make([]interface{}, 0, n)
	for i := uint32(0); i < n; i++ {
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, wrapf(err, "codec: decoding body element %d (sig %q)", i, sig)
		}
		// gob decodes an empty slice as nil; restore the empty top-level
		// composite shapes so they compare equal to what was marshalled.
		if s, ok := v.([]interface{}); ok && s == nil {
			v = []interface{}{}
		} else if d, ok := v.([]DictEntry); ok && d == nil {
			v = []DictEntry{}
		}
		out = append(out, v)
	}
	return out, nil
}
