package dbus

import (
	"encoding/xml"
	"strings"
)

// Introspection XML structures, marshaled server-side from an ObjectNode's
// descriptors and unmarshaled client-side by proxy.go while building a
// Proxy's interface set (spec.md §5.2 "introspect once, build a typed
// interface table"). Grounded on the teacher's introspect.go, extended with
// xml.Marshal-compatible tags (the teacher only ever unmarshaled) and a
// Property element the teacher's version omitted.
type xmlAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlArg struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

type xmlMethod struct {
	Name        string           `xml:"name,attr"`
	Args        []xmlArg         `xml:"arg"`
	Annotations []xmlAnnotation  `xml:"annotation,omitempty"`
}

type xmlSignal struct {
	Name string   `xml:"name,attr"`
	Args []xmlArg `xml:"arg"`
}

type xmlProperty struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

type xmlInterface struct {
	Name       string        `xml:"name,attr"`
	Methods    []xmlMethod   `xml:"method"`
	Signals    []xmlSignal   `xml:"signal"`
	Properties []xmlProperty `xml:"property"`
}

type xmlNode struct {
	XMLName    xml.Name       `xml:"node"`
	Name       string         `xml:"name,attr,omitempty"`
	Interfaces []xmlInterface `xml:"interface"`
	Nodes      []xmlNode      `xml:"node"`
}

const introspectDocType = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">` + "\n"

// renderIntrospection builds the introspection document for node: its
// standard interfaces, every user interface added via AddInterface, and one
// shallow <node name="..."/> entry per immediate child (spec.md §4.3: a
// client must be able to discover descendants one hop at a time). Caller
// holds node.mu.
func renderIntrospection(node *ObjectNode) string {
	doc := xmlNode{Interfaces: []xmlInterface{
		peerIntrospection(),
		introspectableIntrospection(),
		propertiesIntrospection(),
	}}
	if node.objectManager {
		doc.Interfaces = append(doc.Interfaces, objectManagerIntrospection())
	}
	for _, iface := range node.interfaces {
		doc.Interfaces = append(doc.Interfaces, describeInterface(iface))
	}
	for _, child := range node.sortedChildrenLocked() {
		doc.Nodes = append(doc.Nodes, xmlNode{Name: child.component})
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		panic(err)
	}
	return xml.Header + introspectDocType + string(out)
}

func describeInterface(iface *Interface) xmlInterface {
	desc := iface.descriptor
	out := xmlInterface{Name: desc.Name}
	for _, m := range desc.Methods {
		xm := xmlMethod{Name: m.Name}
		for _, in := range m.InSig {
			xm.Args = append(xm.Args, xmlArg{Type: in.String(), Direction: "in"})
		}
		for _, o := range m.OutSig {
			xm.Args = append(xm.Args, xmlArg{Type: o.String(), Direction: "out"})
		}
		out.Methods = append(out.Methods, xm)
	}
	for _, s := range desc.Signals {
		xs := xmlSignal{Name: s.Name}
		for _, o := range s.OutSig {
			xs.Args = append(xs.Args, xmlArg{Type: o.String()})
		}
		out.Signals = append(out.Signals, xs)
	}
	for _, p := range desc.Properties {
		out.Properties = append(out.Properties, xmlProperty{Name: p.Name, Type: p.Sig.String(), Access: accessString(p.Access)})
	}
	return out
}

func accessString(a Access) string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "readwrite"
	}
	return "read"
}

func peerIntrospection() xmlInterface {
	return xmlInterface{Name: PeerInterfaceName, Methods: []xmlMethod{
		{Name: "Ping"},
		{Name: "GetMachineId", Args: []xmlArg{{Type: "s", Direction: "out"}}},
	}}
}

func introspectableIntrospection() xmlInterface {
	return xmlInterface{Name: IntrospectableIfaceName, Methods: []xmlMethod{
		{Name: "Introspect", Args: []xmlArg{{Type: "s", Direction: "out"}}},
	}}
}

func propertiesIntrospection() xmlInterface {
	return xmlInterface{Name: propertiesIfaceName, Methods: []xmlMethod{
		{Name: "Get", Args: []xmlArg{
			{Type: "s", Direction: "in"}, {Type: "s", Direction: "in"}, {Type: "v", Direction: "out"},
		}},
		{Name: "Set", Args: []xmlArg{
			{Type: "s", Direction: "in"}, {Type: "s", Direction: "in"}, {Type: "v", Direction: "in"},
		}},
		{Name: "GetAll", Args: []xmlArg{
			{Type: "s", Direction: "in"}, {Type: "a{sv}", Direction: "out"},
		}},
	}, Signals: []xmlSignal{
		{Name: "PropertiesChanged", Args: []xmlArg{
			{Type: "s"}, {Type: "a{sv}"}, {Type: "as"},
		}},
	}}
}

func objectManagerIntrospection() xmlInterface {
	return xmlInterface{Name: ObjectManagerIfaceName, Methods: []xmlMethod{
		{Name: "GetManagedObjects", Args: []xmlArg{{Type: "a{oa{sa{sv}}}", Direction: "out"}}},
	}, Signals: []xmlSignal{
		{Name: "InterfacesAdded", Args: []xmlArg{{Type: "o"}, {Type: "a{sa{sv}}"}}},
		{Name: "InterfacesRemoved", Args: []xmlArg{{Type: "o"}, {Type: "as"}}},
	}}
}

// parseIntrospection unmarshals a remote object's introspection document,
// as Proxy needs when building its interface table (spec.md §5.2).
func parseIntrospection(doc string) (*xmlNode, error) {
	trimmed := strings.TrimSpace(doc)
	var node xmlNode
	if err := xml.Unmarshal([]byte(trimmed), &node); err != nil {
		return nil, &ProtocolError{Reason: "invalid introspection XML: " + err.Error()}
	}
	return &node, nil
}

func (n *xmlInterface) methodByName(name string) (*xmlMethod, bool) {
	for i := range n.Methods {
		if n.Methods[i].Name == name {
			return &n.Methods[i], true
		}
	}
	return nil, false
}

func (m *xmlMethod) inSignature() string {
	var sb strings.Builder
	for _, a := range m.Args {
		if strings.EqualFold(a.Direction, "in") {
			sb.WriteString(a.Type)
		}
	}
	return sb.String()
}

func (m *xmlMethod) outSignature() string {
	var sb strings.Builder
	for _, a := range m.Args {
		if strings.EqualFold(a.Direction, "out") {
			sb.WriteString(a.Type)
		}
	}
	return sb.String()
}
