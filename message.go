package dbus

import "fmt"

// MessageType is the D-Bus message kind: call, return, error, or signal.
type MessageType uint8

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

var messageTypeNames = map[MessageType]string{
	TypeInvalid:      "invalid",
	TypeMethodCall:   "method_call",
	TypeMethodReturn: "method_return",
	TypeError:        "error",
	TypeSignal:       "signal",
}

func (t MessageType) String() string { return messageTypeNames[t] }

// MessageFlag mirrors the D-Bus wire header flags byte.
type MessageFlag uint8

const (
	FlagNoReplyExpected MessageFlag = 1 << iota
	FlagNoAutoStart
)

// ObjectPath is a "/"-separated sequence of path components identifying an
// object within a service. It must start with "/".
type ObjectPath string

// IsValid reports whether p satisfies the D-Bus object path grammar.
func (p ObjectPath) IsValid() bool {
	return objectPathRegexp.MatchString(string(p))
}

// Components splits the path into its "/"-separated components, "/" itself
// yielding an empty slice.
func (p ObjectPath) Components() []string {
	s := string(p)
	if s == "/" || s == "" {
		return nil
	}
	var out []string
	start := 1
	for i := 1; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// Join appends component to the path.
func (p ObjectPath) Join(component string) ObjectPath {
	if p == "/" {
		return ObjectPath("/" + component)
	}
	return ObjectPath(string(p) + "/" + component)
}

// Message is the on-the-wire value, bridged to and from the codec/transport
// collaborators. It is constructed per send/receive and immutable once sent.
type Message struct {
	Type        MessageType
	Flags       MessageFlag
	Serial      uint32
	ReplySerial uint32

	Path        ObjectPath
	Interface   string
	Member      string
	Destination string
	Sender      string
	ErrorName   string

	// Signature is the concatenated D-Bus type signature of Body; empty
	// when there is no body.
	Signature string
	// Body holds one high-level or marshal-form element per top-level
	// signature type, depending on which pipeline produced the message.
	Body []interface{}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s #%d %s.%s(%s) path=%s dest=%q sender=%q",
		m.Type, m.Serial, m.Interface, m.Member, m.Signature, m.Path, m.Destination, m.Sender)
}

// AsError converts an TypeError message into a *BusError, assuming Body[0]
// (if present) is the human-readable text.
func (m *Message) AsError() error {
	text := ""
	if len(m.Body) > 0 {
		if s, ok := m.Body[0].(string); ok {
			text = s
		}
	}
	return &BusError{Name: m.ErrorName, Text: text}
}

// newReturn builds a MethodReturn correlated to call.
func newReturn(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
}

// newError builds an Error message correlated to call.
func newError(call *Message, name, text string) *Message {
	return &Message{
		Type:        TypeError,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   name,
		Signature:   "s",
		Body:        []interface{}{text},
	}
}

// newSignal builds a Signal message with no reply correlation.
func newSignal(path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
}
