package dbus

import (
	"sort"

	"github.com/pkg/errors"
)

// Standard interface names every ObjectNode implicitly carries (Peer,
// Introspectable, Properties) or may opt into (ObjectManager) — spec.md
// §3 invariant 6.
const (
	PeerInterfaceName         = "org.freedesktop.DBus.Peer"
	IntrospectableIfaceName   = "org.freedesktop.DBus.Introspectable"
	propertiesIfaceName       = "org.freedesktop.DBus.Properties"
	ObjectManagerIfaceName    = "org.freedesktop.DBus.ObjectManager"
)

const propertiesChangedSig = "sa{sv}as"

var propertiesChangedChangedSig *SignatureTree

func init() {
	t, err := ParseSingle("a{sv}")
	if err != nil {
		panic(err)
	}
	propertiesChangedChangedSig = t
}

// dispatchStandardInterface handles a call against one of the four
// standard interfaces for node, returning (handled, outSig, body, err).
// handled is false when iface names none of the four, letting the caller
// fall through to the node's user interfaces.
func dispatchStandardInterface(node *ObjectNode, iface, member string, body []interface{}) (handled bool, outSig string, out []interface{}, err error) {
	switch iface {
	case PeerInterfaceName:
		outSig, out, err := dispatchPeer(node, member)
		return true, outSig, out, err
	case IntrospectableIfaceName:
		return dispatchIntrospectable(node, member)
	case propertiesIfaceName:
		return dispatchProperties(node, member, body)
	case ObjectManagerIfaceName:
		return dispatchObjectManager(node, member)
	}
	return false, "", nil, nil
}

func dispatchPeer(node *ObjectNode, member string) (string, []interface{}, error) {
	switch member {
	case "Ping":
		return "", nil, nil
	case "GetMachineId":
		return "s", []interface{}{node.service.router.machineID}, nil
	}
	return "", nil, &BusError{Name: ErrNameUnknownMethod, Text: "no such method: " + PeerInterfaceName + "." + member}
}

func dispatchIntrospectable(node *ObjectNode, member string) (bool, string, []interface{}, error) {
	if member != "Introspect" {
		return true, "", nil, &BusError{Name: ErrNameUnknownMethod, Text: "no such method: " + IntrospectableIfaceName + "." + member}
	}
	return true, "s", []interface{}{node.Introspect()}, nil
}

func dispatchProperties(node *ObjectNode, member string, body []interface{}) (bool, string, []interface{}, error) {
	switch member {
	case "Get":
		ifaceName, _ := body[0].(string)
		propName, _ := body[1].(string)
		cell, err := lookupPropertyCell(node, ifaceName, propName)
		if err != nil {
			return true, "", nil, err
		}
		if cell.access()&AccessRead == 0 {
			return true, "", nil, &PropertyAccessError{Interface: ifaceName, Property: propName, DBusName: ErrNamePropertyWriteOnly}
		}
		sig, err := cell.signature()
		if err != nil {
			return true, "", nil, err
		}
		return true, "v", []interface{}{&MarshalVariant{Sig: sig.String(), Value: mustHighToMarshal(cell.boxedGet(), sig)}}, nil
	case "Set":
		ifaceName, _ := body[0].(string)
		propName, _ := body[1].(string)
		variant, _ := body[2].(*MarshalVariant)
		cell, err := lookupPropertyCell(node, ifaceName, propName)
		if err != nil {
			return true, "", nil, err
		}
		sig, err := ParseSingle(variant.Sig)
		if err != nil {
			return true, "", nil, err
		}
		high, err := MarshalToHigh(variant.Value, sig)
		if err != nil {
			return true, "", nil, err
		}
		if err := cell.boxedSet(high); err != nil {
			return true, "", nil, err
		}
		return true, "", nil, nil
	case "GetAll":
		ifaceName, _ := body[0].(string)
		iface, err := node.Interface(ifaceName)
		if err != nil {
			return true, "", nil, err
		}
		result := map[interface{}]interface{}{}
		iface.mu.Lock()
		for name, cell := range iface.cells {
			if cell.access()&AccessRead == 0 {
				continue // write-only properties are silently omitted (spec.md §4.4)
			}
			sig, serr := cell.signature()
			if serr != nil {
				iface.mu.Unlock()
				return true, "", nil, serr
			}
			result[name] = &Value{Sig: sig, Value: cell.boxedGet()}
		}
		iface.mu.Unlock()
		marshalled, err := HighToMarshal(result, propertiesChangedChangedSig)
		if err != nil {
			return true, "", nil, err
		}
		return true, "a{sv}", []interface{}{marshalled}, nil
	}
	return true, "", nil, &BusError{Name: ErrNameUnknownMethod, Text: "no such method: " + propertiesIfaceName + "." + member}
}

func lookupPropertyCell(node *ObjectNode, ifaceName, propName string) (propertyCellHandle, error) {
	iface, err := node.Interface(ifaceName)
	if err != nil {
		return nil, err
	}
	iface.mu.Lock()
	cell, ok := iface.cells[propName]
	iface.mu.Unlock()
	if !ok {
		return nil, &BusError{Name: ErrNameInvalidArgs, Text: "no such property: " + ifaceName + "." + propName}
	}
	return cell, nil
}

func dispatchObjectManager(node *ObjectNode, member string) (bool, string, []interface{}, error) {
	if member != "GetManagedObjects" {
		return true, "", nil, &BusError{Name: ErrNameUnknownMethod, Text: "no such method: " + ObjectManagerIfaceName + "." + member}
	}
	managed := map[interface{}]interface{}{}
	var walk func(*ObjectNode)
	walk = func(n *ObjectNode) {
		ifaces := n.managedInterfaceProperties()
		if len(ifaces) > 0 {
			managed[string(n.Path())] = ifaces
		}
		for _, child := range n.sortedChildren() {
			walk(child)
		}
	}
	walk(node)
	marshalled, err := HighToMarshal(managed, managedObjectsSig)
	if err != nil {
		return true, "", nil, err
	}
	return true, "a{oa{sa{sv}}}", []interface{}{marshalled}, nil
}

var managedObjectsSig *SignatureTree

func init() {
	t, err := ParseSingle("a{oa{sa{sv}}}")
	if err != nil {
		panic(err)
	}
	managedObjectsSig = t
}

// emitInterfacesAdded/emitInterfacesRemoved are called by service.go's
// add_object/remove_interface/remove_object operations.

func emitInterfacesAdded(manager *ObjectNode, path ObjectPath, ifaces map[interface{}]interface{}) error {
	body := []interface{}{
		string(path),
		mustHighToMarshal(ifaces, interfacesAddedIfacesSig),
	}
	return manager.service.router.SendSignal(manager.Path(), ObjectManagerIfaceName, "InterfacesAdded", "oa{sa{sv}}", body)
}

var interfacesAddedIfacesSig *SignatureTree

func init() {
	t, err := ParseSingle("a{sa{sv}}")
	if err != nil {
		panic(err)
	}
	interfacesAddedIfacesSig = t
}

func emitInterfacesRemoved(manager *ObjectNode, path ObjectPath, ifaceNames []string) error {
	sort.Strings(ifaceNames)
	body := []interface{}{string(path), toInterfaceSlice(ifaceNames)}
	return manager.service.router.SendSignal(manager.Path(), ObjectManagerIfaceName, "InterfacesRemoved", "oas", body)
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

var errNoSuchInterface = errors.New("dbus: no such interface")
