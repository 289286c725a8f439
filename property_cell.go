package dbus

import "sync"

// PropertyCell is the capability type spec.md §9's redesign note calls for:
// a generic wrapper around one property's value whose only mutator,
// Set, emits exactly one PropertiesChanged per call. It replaces the
// source's dynamic meta-object mutation interception (push/pop/splice/...)
// for both scalar and whole-container property values.
type PropertyCell[T any] struct {
	mu         sync.Mutex
	value      T
	accessMode Access
	iface      *Interface
	name       string
	setter     func(T) T
}

// AddProperty declares propName on iface with the given access and initial
// value, and returns the typed cell callers use to read and write it. A
// package-level generic function stands in for a generic method, which Go
// does not allow on the non-generic Interface type.
func AddProperty[T any](iface *Interface, propName string, access Access, initial T) *PropertyCell[T] {
	sig, err := InferSignature(initial)
	if err != nil {
		panic(err)
	}
	iface.descriptor.Properties[propName] = &PropertyDescriptor{Name: propName, Access: access, Sig: sig}
	cell := &PropertyCell[T]{value: initial, accessMode: access, iface: iface, name: propName}
	iface.mu.Lock()
	iface.cells[propName] = cell
	iface.mu.Unlock()
	return cell
}

// SetSetter installs a transform run on every Set before the value is
// stored; the emitted PropertiesChanged payload carries the transform's
// result, per DESIGN.md's resolution of spec.md Open Question 2.
func (c *PropertyCell[T]) SetSetter(fn func(T) T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setter = fn
}

// Get returns the current value.
func (c *PropertyCell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set stores v (after running any installed setter) and, if the property
// is readable, emits PropertiesChanged carrying the stored value.
func (c *PropertyCell[T]) Set(v T) error {
	c.mu.Lock()
	if c.accessMode&AccessWrite == 0 {
		c.mu.Unlock()
		return &PropertyAccessError{Interface: c.iface.descriptor.Name, Property: c.name, DBusName: ErrNamePropertyReadOnly}
	}
	stored := v
	if c.setter != nil {
		stored = c.setter(v)
	}
	c.value = stored
	readable := c.accessMode&AccessRead != 0
	c.mu.Unlock()
	if !readable {
		return nil
	}
	return c.iface.emitPropertyChanged(c.name, stored)
}

// Do passes the current value to fn and stores fn's result through Set,
// emitting exactly one PropertiesChanged with it — the generalized replacement for the
// source's push/pop/splice/... interception (spec.md §4.5/§9).
func (c *PropertyCell[T]) Do(fn func(T) T) error {
	c.mu.Lock()
	current := c.value
	c.mu.Unlock()
	return c.Set(fn(current))
}

func (c *PropertyCell[T]) access() Access {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessMode
}

func (c *PropertyCell[T]) boxedGet() interface{} {
	return c.Get()
}

func (c *PropertyCell[T]) boxedSet(v interface{}) error {
	tv, ok := v.(T)
	if !ok {
		return &ProtocolError{Reason: "property " + c.name + ": value type mismatch"}
	}
	return c.Set(tv)
}

func (c *PropertyCell[T]) signature() (*SignatureTree, error) {
	return InferSignature(c.Get())
}

// ListCell specializes PropertyCell for a slice-valued property, giving it
// the push/remove_where/clear vocabulary spec.md §9's design note asks for
// instead of an untyped Do callback for the common case.
type ListCell[E any] struct {
	cell *PropertyCell[[]E]
}

// AddListProperty declares a slice-valued property and returns its
// ListCell.
func AddListProperty[E any](iface *Interface, propName string, access Access, initial []E) *ListCell[E] {
	return &ListCell[E]{cell: AddProperty(iface, propName, access, initial)}
}

// Get returns a snapshot of the current elements.
func (l *ListCell[E]) Get() []E { return l.cell.Get() }

// Append adds items to the end and emits exactly one PropertiesChanged.
func (l *ListCell[E]) Append(items ...E) error {
	return l.cell.Do(func(cur []E) []E {
		out := make([]E, len(cur), len(cur)+len(items))
		copy(out, cur)
		return append(out, items...)
	})
}

// RemoveWhere deletes every element matching pred and emits exactly one
// PropertiesChanged, even when zero elements match.
func (l *ListCell[E]) RemoveWhere(pred func(E) bool) error {
	return l.cell.Do(func(cur []E) []E {
		out := make([]E, 0, len(cur))
		for _, e := range cur {
			if !pred(e) {
				out = append(out, e)
			}
		}
		return out
	})
}

// Clear empties the list and emits exactly one PropertiesChanged.
func (l *ListCell[E]) Clear() error {
	return l.cell.Do(func([]E) []E { return nil })
}
