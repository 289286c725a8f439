package dbus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Access describes whether a property may be read, written, or both.
type Access int

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessReadWrite = AccessRead | AccessWrite
)

// MethodDescriptor statically describes one method's input/output
// signatures.
type MethodDescriptor struct {
	Name   string
	InSig  []*SignatureTree
	OutSig []*SignatureTree
}

// PropertyDescriptor statically describes one property's access and
// signature.
type PropertyDescriptor struct {
	Name   string
	Access Access
	Sig    *SignatureTree
}

// SignalDescriptor statically describes one signal's output signatures.
type SignalDescriptor struct {
	Name   string
	OutSig []*SignatureTree
}

// InterfaceDescriptor is the static description of an interface's methods,
// properties, and signals (spec.md §3/§4.1 "a per interface, a static
// description").
type InterfaceDescriptor struct {
	Name       string
	Methods    map[string]*MethodDescriptor
	Properties map[string]*PropertyDescriptor
	Signals    map[string]*SignalDescriptor
}

// NewInterfaceDescriptor builds an empty descriptor for the named
// interface.
func NewInterfaceDescriptor(name string) *InterfaceDescriptor {
	if err := ValidateInterfaceName(name); err != nil {
		panic(err)
	}
	return &InterfaceDescriptor{
		Name:       name,
		Methods:    make(map[string]*MethodDescriptor),
		Properties: make(map[string]*PropertyDescriptor),
		Signals:    make(map[string]*SignalDescriptor),
	}
}

// MethodImpl is a user-supplied method implementation, invoked with
// high-level argument values and returning high-level return values.
type MethodImpl func(ctx context.Context, args []interface{}) ([]interface{}, error)

// propertyCellHandle is the non-generic face every PropertyCell[T]
// satisfies, letting Interface and the Properties shim operate on
// heterogeneously typed cells without knowing T at the call site.
type propertyCellHandle interface {
	access() Access
	boxedGet() interface{}
	boxedSet(interface{}) error
	signature() (*SignatureTree, error)
}

// Interface is the live object carrying property values, method
// implementations, and a local signal emitter for one interface on one
// ObjectNode (spec.md §3 "Interface instance").
type Interface struct {
	mu         sync.Mutex
	descriptor *InterfaceDescriptor
	methods    map[string]MethodImpl
	cells      map[string]propertyCellHandle
	node       *ObjectNode // weak back-reference, set by ObjectNode.AddInterface
	exposed    bool
	onExposed  []func(svc *Service)
}

// NewInterface creates a live interface instance from a static descriptor.
func NewInterface(desc *InterfaceDescriptor) *Interface {
	return &Interface{
		descriptor: desc,
		methods:    make(map[string]MethodImpl),
		cells:      make(map[string]propertyCellHandle),
	}
}

// Descriptor returns the static descriptor this instance implements.
func (i *Interface) Descriptor() *InterfaceDescriptor { return i.descriptor }

// SetMethod registers the implementation for a method named in the
// descriptor. Panics if name is not declared, matching the teacher's
// fail-fast style for programmer errors.
func (i *Interface) SetMethod(name string, impl MethodImpl) {
	if _, ok := i.descriptor.Methods[name]; !ok {
		panic("dbus: SetMethod: " + name + " not declared on " + i.descriptor.Name)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.methods[name] = impl
}

func (i *Interface) method(name string) (MethodImpl, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	m, ok := i.methods[name]
	return m, ok
}

// OnExposedOnBus registers a callback fired once the owning ObjectNode is
// published (spec.md §4.6: "interfaces use this to know they may now
// originate outgoing calls").
func (i *Interface) OnExposedOnBus(fn func(svc *Service)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exposed {
		// node already live; fire immediately with its service.
		fn(i.node.service)
		return
	}
	i.onExposed = append(i.onExposed, fn)
}

// markExposed fires ExposedOnBus once, called by the post-expose traversal
// (service.go).
func (i *Interface) markExposed(svc *Service) {
	i.mu.Lock()
	if i.exposed {
		i.mu.Unlock()
		return
	}
	i.exposed = true
	callbacks := i.onExposed
	i.onExposed = nil
	i.mu.Unlock()
	for _, fn := range callbacks {
		fn(svc)
	}
}

// EmitSignal translates args through the signal's declared output
// signature and sends them as a D-Bus signal. Returns an error if the
// interface has not yet been exposed on a bus (spec.md §4.6).
func (i *Interface) EmitSignal(name string, args ...interface{}) error {
	i.mu.Lock()
	node := i.node
	exposed := i.exposed
	desc, ok := i.descriptor.Signals[name]
	i.mu.Unlock()
	if !ok {
		return errors.Errorf("dbus: EmitSignal: %s not declared on %s", name, i.descriptor.Name)
	}
	if !exposed || node == nil || node.service == nil {
		return errors.Errorf("dbus: EmitSignal: %s.%s: interface not yet exposed on a bus", i.descriptor.Name, name)
	}
	if len(args) != len(desc.OutSig) {
		return errors.Errorf("dbus: EmitSignal: %s.%s: expected %d args, got %d", i.descriptor.Name, name, len(desc.OutSig), len(args))
	}
	body := make([]interface{}, len(args))
	for idx, a := range args {
		mv, err := HighToMarshal(a, desc.OutSig[idx])
		if err != nil {
			return wrapf(err, "dbus: EmitSignal: %s.%s arg %d", i.descriptor.Name, name, idx)
		}
		body[idx] = mv
	}
	return node.service.router.SendSignal(node.Path(), i.descriptor.Name, name, JoinSignatures(desc.OutSig), body)
}

// emitPropertyChanged is called by propertyCellHandle implementations
// after a successful write (spec.md §4.4: PropertiesChanged emission).
func (i *Interface) emitPropertyChanged(propName string, newValue interface{}) error {
	i.mu.Lock()
	node := i.node
	exposed := i.exposed
	i.mu.Unlock()
	if !exposed || node == nil || node.service == nil {
		// Not yet exposed: nothing observes this property yet.
		return nil
	}
	tree, err := InferSignature(newValue)
	if err != nil {
		return err
	}
	changed := map[interface{}]interface{}{propName: &Value{Sig: tree, Value: newValue}}
	body := []interface{}{
		i.descriptor.Name,
		mustHighToMarshal(changed, propertiesChangedChangedSig),
		[]interface{}{},
	}
	return node.service.router.SendSignal(node.Path(), propertiesIfaceName, "PropertiesChanged", propertiesChangedSig, body)
}

func mustHighToMarshal(v interface{}, t *SignatureTree) interface{} {
	mv, err := HighToMarshal(v, t)
	if err != nil {
		// changed dict values are always {string: variant}; a failure here
		// indicates a programmer error building the Value, not user input.
		panic(err)
	}
	return mv
}
