package dbus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Standard D-Bus error names emitted by the router and server object tree.
const (
	ErrNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownService   = "org.freedesktop.DBus.Error.UnknownService"
	ErrNamePropertyReadOnly  = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNamePropertyWriteOnly = "org.freedesktop.DBus.Error.PropertyWriteOnly"
	ErrNameInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
)

// BusError is a server-originated error reply: a dotted error name plus
// human text, as carried by an Error message.
type BusError struct {
	Name string
	Text string
}

func (e *BusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Text)
}

// ProtocolError signals a malformed inbound frame, an unknown message kind,
// or a signature mismatch during marshal/high-level translation.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "dbus: protocol error: " + e.Reason }

// NameError signals an invalid bus name, interface name, object path, or
// member name, validated against the D-Bus naming grammar.
type NameError struct {
	Kind  string // "bus name", "interface", "path", "member"
	Value string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("dbus: invalid %s: %q", e.Kind, e.Value)
}

// PropertyAccessError signals a read-only or write-only violation.
type PropertyAccessError struct {
	Interface string
	Property  string
	// DBusName is one of ErrNamePropertyReadOnly / ErrNamePropertyWriteOnly.
	DBusName string
}

func (e *PropertyAccessError) Error() string {
	return fmt.Sprintf("dbus: %s.%s: %s", e.Interface, e.Property, e.DBusName)
}

// RequestNameError describes a non-primary-owner RequestName outcome.
type RequestNameError struct {
	Name   string
	Result RequestNameReply
}

func (e *RequestNameError) Error() string {
	return fmt.Sprintf("dbus: could not become owner of %q: %s", e.Name, e.Result)
}

// BusNotReady describes a Hello handshake that did not complete within a
// timeout. Connect does not return it: its Hello call is bounded only by the
// caller's ctx, whose expiry surfaces as a wrapped *CancelledError.
type BusNotReady struct {
	Timeout string
}

func (e *BusNotReady) Error() string {
	return "dbus: bus not ready after " + e.Timeout
}

// UserError wraps any error raised by a user method implementation. Kind is
// mapped to "org.freedesktop.DBus.<Kind>" when sent as a reply; an empty
// Kind defaults to "Failed".
type UserError struct {
	Kind string
	Err  error
}

func (e *UserError) Error() string { return e.Err.Error() }
func (e *UserError) Unwrap() error { return e.Err }

func (e *UserError) dbusName() string {
	kind := e.Kind
	if kind == "" {
		kind = "Failed"
	}
	return "org.freedesktop.DBus." + kind
}

// CancelledError signals a pending call was cancelled by its caller before
// a reply arrived.
type CancelledError struct{}

func (e *CancelledError) Error() string { return "dbus: call cancelled" }

// wrapf is a thin alias kept local so every propagation boundary in this
// module attaches a stack trace the same way.
func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
