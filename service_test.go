package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestObjectNodeAddObjectNested exercises spec.md §8 universal invariant 3:
// add_object followed by a tree walk finds the new node at the expected
// path, creating intermediate anonymous nodes along the way.
func TestObjectNodeAddObjectNested(t *testing.T) {
	svc := NewService("com.example.Test")
	child := NewObjectNode()
	require.NoError(t, svc.Root().AddObject(child, "a/b/c"))

	assert.Equal(t, ObjectPath("/a/b/c"), child.Path())
	resolved, err := svc.resolvePath("/a/b/c")
	require.NoError(t, err)
	assert.Same(t, child, resolved)
}

func TestObjectNodeAddObjectRejectsDuplicate(t *testing.T) {
	svc := NewService("com.example.Test")
	require.NoError(t, svc.Root().AddObject(NewObjectNode(), "a"))
	err := svc.Root().AddObject(NewObjectNode(), "a")
	assert.Error(t, err)
}

// TestObjectNodeRemoveObjectClearsSubtree checks the unexposed-service path:
// RemoveObject unlinks the node and clears its back-references without
// attempting to emit anything (no router is attached).
func TestObjectNodeRemoveObjectClearsSubtree(t *testing.T) {
	svc := NewService("com.example.Test")
	child := NewObjectNode()
	require.NoError(t, svc.Root().AddObject(child, "a/b"))

	require.NoError(t, svc.Root().RemoveObject("a/b"))
	_, err := svc.resolvePath("/a/b")
	assert.Error(t, err)

	assert.Nil(t, child.parent)
	assert.Nil(t, child.service)
}

func TestObjectNodeRemoveObjectRejectsAbsolutePath(t *testing.T) {
	svc := NewService("com.example.Test")
	err := svc.Root().RemoveObject("/a")
	assert.Error(t, err)
}

func TestObjectNodeRemoveObjectUnknownPath(t *testing.T) {
	svc := NewService("com.example.Test")
	err := svc.Root().RemoveObject("nope")
	var busErr *BusError
	require.ErrorAs(t, err, &busErr)
	assert.Equal(t, ErrNameUnknownObject, busErr.Name)
}

func TestObjectNodeInterfaceLookup(t *testing.T) {
	svc := NewService("com.example.Test")
	desc := NewInterfaceDescriptor("com.example.Foo")
	iface := NewInterface(desc)
	svc.Root().AddInterface(iface)

	got, err := svc.Root().Interface("com.example.Foo")
	require.NoError(t, err)
	assert.Same(t, iface, got)

	_, err = svc.Root().Interface("com.example.Bar")
	assert.Error(t, err)
}

func TestManagedInterfacePropertiesSkipsWriteOnly(t *testing.T) {
	svc := NewService("com.example.Test")
	desc := NewInterfaceDescriptor("com.example.Foo")
	iface := NewInterface(desc)
	AddProperty(iface, "Readable", AccessRead, "hi")
	AddProperty(iface, "WriteOnly", AccessWrite, "secret")
	svc.Root().AddInterface(iface)

	props := svc.Root().managedInterfaceProperties()
	ifaceProps, ok := props["com.example.Foo"].(map[interface{}]interface{})
	require.True(t, ok)
	_, hasReadable := ifaceProps["Readable"]
	_, hasWriteOnly := ifaceProps["WriteOnly"]
	assert.True(t, hasReadable)
	assert.False(t, hasWriteOnly)
}

func TestServiceRootPath(t *testing.T) {
	svc := NewService("com.example.Test")
	assert.Equal(t, ObjectPath("/"), svc.Root().Path())
}
