package dbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterfaceSetMethodPanicsOnUndeclared(t *testing.T) {
	desc := NewInterfaceDescriptor("com.example.Foo")
	iface := NewInterface(desc)
	assert.Panics(t, func() {
		iface.SetMethod("NotDeclared", func(ctx context.Context, args []interface{}) ([]interface{}, error) {
			return nil, nil
		})
	})
}

func TestInterfaceEmitSignalRequiresExposure(t *testing.T) {
	desc := NewInterfaceDescriptor("com.example.Foo")
	desc.Signals["Changed"] = &SignalDescriptor{Name: "Changed"}
	iface := NewInterface(desc)
	err := iface.EmitSignal("Changed")
	assert.Error(t, err)
}

func TestInterfaceEmitSignalRejectsUndeclared(t *testing.T) {
	desc := NewInterfaceDescriptor("com.example.Foo")
	iface := NewInterface(desc)
	err := iface.EmitSignal("NotDeclared")
	assert.Error(t, err)
}

// TestPropertyCellSetOnUnexposedInterfaceNoOps checks PropertyCell.Set
// succeeds silently (no PropertiesChanged attempted) before the owning
// interface is exposed on a bus — mirrors spec.md §8 universal invariant 4
// restricted to the not-yet-live case.
func TestPropertyCellSetOnUnexposedInterfaceNoOps(t *testing.T) {
	desc := NewInterfaceDescriptor("com.example.Foo")
	iface := NewInterface(desc)
	cell := AddProperty(iface, "Count", AccessReadWrite, uint16(0))

	require.NoError(t, cell.Set(42))
	assert.Equal(t, uint16(42), cell.Get())
}

func TestPropertyCellSetRejectsReadOnly(t *testing.T) {
	desc := NewInterfaceDescriptor("com.example.Foo")
	iface := NewInterface(desc)
	cell := AddProperty(iface, "Count", AccessRead, uint16(0))

	err := cell.Set(1)
	var accessErr *PropertyAccessError
	require.ErrorAs(t, err, &accessErr)
	assert.Equal(t, ErrNamePropertyReadOnly, accessErr.DBusName)
}

func TestPropertyCellSetSetterTransformsStoredValue(t *testing.T) {
	desc := NewInterfaceDescriptor("com.example.Foo")
	iface := NewInterface(desc)
	cell := AddProperty(iface, "Count", AccessReadWrite, 0)
	cell.SetSetter(func(v int) int { return v * 2 })

	require.NoError(t, cell.Set(5))
	assert.Equal(t, 10, cell.Get())
}

func TestListCellAppendAndRemoveWhere(t *testing.T) {
	desc := NewInterfaceDescriptor("com.example.Foo")
	iface := NewInterface(desc)
	list := AddListProperty[string](iface, "Names", AccessReadWrite, nil)

	require.NoError(t, list.Append("a", "b", "c"))
	assert.Equal(t, []string{"a", "b", "c"}, list.Get())

	require.NoError(t, list.RemoveWhere(func(s string) bool { return s == "b" }))
	assert.Equal(t, []string{"a", "c"}, list.Get())
}

func TestListCellClear(t *testing.T) {
	desc := NewInterfaceDescriptor("com.example.Foo")
	iface := NewInterface(desc)
	list := AddListProperty[int](iface, "Nums", AccessReadWrite, []int{1, 2, 3})

	require.NoError(t, list.Clear())
	assert.Empty(t, list.Get())
}
