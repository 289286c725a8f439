package dbus

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// authenticate performs the SASL handshake D-Bus requires before the first
// message may be sent. Authentication mechanics are an explicit spec.md
// Non-goal; this is a minimal EXTERNAL(uid-as-hex) handshake, adapted and
// trimmed from the teacher's auth.go, sufficient to satisfy a real daemon
// without attempting to cover every SASL mechanism.
func authenticate(rw io.ReadWriter) error {
	if _, err := io.WriteString(rw, "\x00"); err != nil {
		return wrapf(err, "dbus: auth: writing NUL byte")
	}
	// hex-encoded decimal uid, per the SASL EXTERNAL mechanism convention
	// every unix-transport D-Bus client uses.
	hexUID := hexEncodeDecimalUID(os.Getuid())
	if _, err := fmt.Fprintf(rw, "AUTH EXTERNAL %s\r\n", hexUID); err != nil {
		return wrapf(err, "dbus: auth: sending AUTH EXTERNAL")
	}
	line, err := bufio.NewReader(rw).ReadString('\n')
	if err != nil {
		return wrapf(err, "dbus: auth: reading AUTH response")
	}
	if len(line) < 2 || line[:2] != "OK" {
		return &ProtocolError{Reason: "auth rejected: " + line}
	}
	if _, err := io.WriteString(rw, "BEGIN\r\n"); err != nil {
		return wrapf(err, "dbus: auth: sending BEGIN")
	}
	return nil
}

func hexEncodeDecimalUID(uid int) string {
	decimal := fmt.Sprintf("%d", uid)
	out := make([]byte, 0, len(decimal)*2)
	for _, c := range decimal {
		out = append(out, fmt.Sprintf("%02x", c)...)
	}
	return string(out)
}
