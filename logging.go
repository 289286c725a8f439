package dbus

import "github.com/sirupsen/logrus"

// Logger is the ambient diagnostic surface (spec.md §9: "process-wide debug
// toggles are diagnostic only and do not belong in the core; isolate them
// behind an opt-in logger capability"). The default implementation wraps
// logrus, the logging library the rest of the example pack standardizes on
// for D-Bus-adjacent services (e.g. arnnvv-bluetalk, which pairs
// godbus/dbus with sirupsen/logrus directly).
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var defaultLogger Logger = logrus.New()

// SetLogger installs l as the package-wide logger for diagnostic-only
// messages (dropped replies, unknown properties, fatal bus failures). Each
// Router and Proxy copies the logger when it is created, so l applies to
// those created afterwards.
func SetLogger(l Logger) {
	if l == nil {
		return
	}
	defaultLogger = l
}
