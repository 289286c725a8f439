package dbus

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ObjectNode is a node in the server-side path tree: it owns zero or more
// named interfaces and zero or more named child nodes, with weak
// back-links to its parent and owning service (spec.md §3/§4.3). Grounded
// on other_examples/943fdd1c_jsouthworth-objtree's explicit parent/child
// tree and other_examples/5139a5f3_godbus-dbus__export.go's per-path
// interface map.
type ObjectNode struct {
	mu        sync.Mutex
	component string
	parent    *ObjectNode // weak
	service   *Service    // weak
	children  map[string]*ObjectNode
	interfaces map[string]*Interface
	objectManager bool
}

func newRootNode() *ObjectNode {
	return &ObjectNode{
		children:   make(map[string]*ObjectNode),
		interfaces: make(map[string]*Interface),
	}
}

// NewObjectNode creates a detached node with no parent, service, children,
// or interfaces, ready to be attached via (*ObjectNode).AddObject.
func NewObjectNode() *ObjectNode {
	return &ObjectNode{
		children:   make(map[string]*ObjectNode),
		interfaces: make(map[string]*Interface),
	}
}

func newChildNode(parent *ObjectNode, component string) *ObjectNode {
	return &ObjectNode{
		component:  component,
		parent:     parent,
		service:    parent.service,
		children:   make(map[string]*ObjectNode),
		interfaces: make(map[string]*Interface),
	}
}

// Path reconstructs this node's absolute object path by walking parent
// links to the root (spec.md §3 invariant 5).
func (n *ObjectNode) Path() ObjectPath {
	if n.parent == nil {
		return "/"
	}
	var components []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		components = append([]string{cur.component}, components...)
	}
	path := ObjectPath("")
	for _, c := range components {
		path = path.Join(c)
	}
	if path == "" {
		path = "/"
	}
	return path
}

// EnableObjectManager opts this node into the ObjectManager interface
// (spec.md §4.4, opt-in per node).
func (n *ObjectNode) EnableObjectManager() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.objectManager = true
}

// AddInterface attaches iface under its descriptor's name. An interface
// already attached under the same name is replaced (last-writer-wins,
// matching the teacher's Export() overwrite-on-reassign behavior); no error
// is reported. If the service is already exposed, iface is marked exposed
// at once.
func (n *ObjectNode) AddInterface(iface *Interface) {
	n.mu.Lock()
	iface.node = n
	n.interfaces[iface.descriptor.Name] = iface
	service := n.service
	n.mu.Unlock()
	if service != nil && service.exposed {
		iface.markExposed(service)
	}
}

// Interface looks up a previously added interface by name.
func (n *ObjectNode) Interface(name string) (*Interface, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	iface, ok := n.interfaces[name]
	if !ok {
		return nil, errors.Wrapf(errNoSuchInterface, "%s on %s", name, n.Path())
	}
	return iface, nil
}

// RemoveInterface tears down the named interface. If shouldEmit, the
// nearest ancestor (including this node) implementing ObjectManager emits
// InterfacesRemoved; if none exists, this silently no-ops (spec.md §4.3).
func (n *ObjectNode) RemoveInterface(name string, shouldEmit bool) error {
	n.mu.Lock()
	iface, ok := n.interfaces[name]
	if !ok {
		n.mu.Unlock()
		return errors.Wrapf(errNoSuchInterface, "%s on %s", name, n.Path())
	}
	delete(n.interfaces, name)
	n.mu.Unlock()
	iface.node = nil

	if !shouldEmit {
		return nil
	}
	manager := n.nearestObjectManager()
	if manager == nil {
		return nil
	}
	return emitInterfacesRemoved(manager, n.Path(), []string{name})
}

// nearestObjectManager finds the nearest ancestor (inclusive) with
// ObjectManager enabled, or nil.
func (n *ObjectNode) nearestObjectManager() *ObjectNode {
	for cur := n; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		enabled := cur.objectManager
		cur.mu.Unlock()
		if enabled {
			return cur
		}
	}
	return nil
}

// AddObject attaches child at relativePath under n, creating intermediate
// anonymous nodes as needed, and rejects if the leaf already exists
// (spec.md §4.3). If any ancestor up to and including n implements
// ObjectManager, it emits InterfacesAdded enumerating every non-write-only
// property of every interface of child.
func (n *ObjectNode) AddObject(child *ObjectNode, relativePath string) error {
	components := ObjectPath("/" + relativePath).Components()
	if len(components) == 0 {
		return &ProtocolError{Reason: "AddObject: empty relative path"}
	}
	cur := n
	for _, c := range components[:len(components)-1] {
		next, _ := cur.getOrCreateChild(c)
		cur = next
	}
	leaf := components[len(components)-1]
	cur.mu.Lock()
	if _, exists := cur.children[leaf]; exists {
		cur.mu.Unlock()
		return errors.Errorf("dbus: AddObject: %s already exists", cur.Path().Join(leaf))
	}
	child.component = leaf
	child.parent = cur
	child.service = cur.service
	cur.children[leaf] = child
	cur.mu.Unlock()

	child.reparentInterfaces()

	manager := n.nearestObjectManager()
	if manager == nil || n.service == nil || !n.service.exposed {
		return nil
	}
	return emitInterfacesAdded(manager, child.Path(), child.managedInterfaceProperties())
}

func (n *ObjectNode) getOrCreateChild(component string) (*ObjectNode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.children[component]; ok {
		return existing, true
	}
	child := newChildNode(n, component)
	n.children[component] = child
	return child, false
}

// reparentInterfaces fixes up back-references after a subtree is attached,
// since AddObject may be called with a pre-built tree of interfaces.
func (n *ObjectNode) reparentInterfaces() {
	n.mu.Lock()
	for _, iface := range n.interfaces {
		iface.node = n
	}
	children := n.sortedChildrenLocked()
	n.mu.Unlock()
	for _, c := range children {
		c.reparentInterfaces()
	}
}

// RemoveObject removes the subtree at relativePath (relative only; an
// absolute path is rejected). Depth-first removes every interface of every
// descendant, then unlinks the subtree from its parent. Emits a single
// InterfacesRemoved(path, []) — the convention spec.md §9 Open Question 1
// documents and DESIGN.md resolves as the configurable default.
func (n *ObjectNode) RemoveObject(relativePath string) error {
	if len(relativePath) > 0 && relativePath[0] == '/' {
		return &ProtocolError{Reason: "RemoveObject: path must be relative, got " + relativePath}
	}
	components := ObjectPath("/" + relativePath).Components()
	if len(components) == 0 {
		return &ProtocolError{Reason: "RemoveObject: empty relative path"}
	}
	cur := n
	for _, c := range components[:len(components)-1] {
		cur.mu.Lock()
		next, ok := cur.children[c]
		cur.mu.Unlock()
		if !ok {
			return &BusError{Name: ErrNameUnknownObject, Text: "unknown object path component " + c}
		}
		cur = next
	}
	leaf := components[len(components)-1]
	cur.mu.Lock()
	target, ok := cur.children[leaf]
	if !ok {
		cur.mu.Unlock()
		return &BusError{Name: ErrNameUnknownObject, Text: "unknown object path " + string(n.Path().Join(leaf))}
	}
	delete(cur.children, leaf)
	cur.mu.Unlock()

	path := target.Path()
	service := n.service
	target.clearSubtree()

	manager := n.nearestObjectManager()
	if manager == nil || service == nil || !service.policy().emitsEmptyList() {
		return nil
	}
	return emitInterfacesRemoved(manager, path, nil)
}

// clearSubtree removes every interface from every descendant depth-first,
// then clears back-references, matching the ownership note in spec.md §4.3
// ("When a subtree is removed, its nodes' back-references are cleared
// before the owning link is dropped").
func (n *ObjectNode) clearSubtree() {
	n.mu.Lock()
	children := n.sortedChildrenLocked()
	n.mu.Unlock()
	for _, c := range children {
		c.clearSubtree()
	}
	n.mu.Lock()
	for _, iface := range n.interfaces {
		iface.node = nil
	}
	n.interfaces = map[string]*Interface{}
	n.parent = nil
	n.service = nil
	n.mu.Unlock()
}

func (n *ObjectNode) sortedChildren() []*ObjectNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sortedChildrenLocked()
}

func (n *ObjectNode) sortedChildrenLocked() []*ObjectNode {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*ObjectNode, len(names))
	for i, name := range names {
		out[i] = n.children[name]
	}
	return out
}

// managedInterfaceProperties enumerates every interface of n and every
// non-write-only property's current value, as ObjectManager and
// InterfacesAdded need (spec.md §4.3/§4.4).
func (n *ObjectNode) managedInterfaceProperties() map[interface{}]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := map[interface{}]interface{}{}
	for ifaceName, iface := range n.interfaces {
		props := map[interface{}]interface{}{}
		iface.mu.Lock()
		for propName, cell := range iface.cells {
			if cell.access()&AccessRead == 0 {
				continue
			}
			sig, err := cell.signature()
			if err != nil {
				continue
			}
			props[propName] = &Value{Sig: sig, Value: cell.boxedGet()}
		}
		iface.mu.Unlock()
		out[ifaceName] = props
	}
	return out
}

// Introspect produces the introspection XML document for n: its own
// interfaces plus its immediate children as <node> entries (spec.md §4.3).
func (n *ObjectNode) Introspect() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return renderIntrospection(n)
}

// GenerateChildName mints a collision-free path component for
// auto-generated children (e.g. PhoneBook's Contacts/<id>), using
// google/uuid rather than a process-local counter so ids stay unique
// across restarts.
func (n *ObjectNode) GenerateChildName() string {
	return uuid.NewString()
}

// RemovalPolicy controls whether RemoveObject emits InterfacesRemoved with
// an empty interface list (spec.md §9 Open Question 1). Exposed on Service
// so the convention can be overridden per service.
type RemovalPolicy struct {
	EmitEmptyInterfaceList bool
}

func (p RemovalPolicy) emitsEmptyList() bool { return p.EmitEmptyInterfaceList }

// Service is the root of an object tree plus the well-known name it is
// published as (spec.md §3).
type Service struct {
	mu       sync.Mutex
	Name     string
	root     *ObjectNode
	router   *Router
	exposed  bool
	policyVal RemovalPolicy
}

// NewService creates an unexposed service rooted at "/".
func NewService(name string) *Service {
	svc := &Service{
		Name:      name,
		policyVal: RemovalPolicy{EmitEmptyInterfaceList: true},
	}
	svc.root = newRootNode()
	svc.root.service = svc
	return svc
}

// Root returns the service's root object node ("/").
func (s *Service) Root() *ObjectNode { return s.root }

func (s *Service) policy() RemovalPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policyVal
}

// SetRemovalPolicy overrides the InterfacesRemoved-empty-list convention
// (DESIGN.md Open Question 1 resolution).
func (s *Service) SetRemovalPolicy(p RemovalPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policyVal = p
}

// resolvePath walks components from the service root, returning
// UnknownObject if any component is missing (spec.md §4.2 step 1).
func (s *Service) resolvePath(path ObjectPath) (*ObjectNode, error) {
	cur := s.root
	for _, c := range path.Components() {
		cur.mu.Lock()
		next, ok := cur.children[c]
		cur.mu.Unlock()
		if !ok {
			return nil, &BusError{Name: ErrNameUnknownObject, Text: "unknown object " + string(path)}
		}
		cur = next
	}
	return cur, nil
}
