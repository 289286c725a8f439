// Package dbus provides a native D-Bus stack: a multiplexed message router
// that can both expose services on a bus and build typed proxies to remote
// services.
//
// The router (Router) owns the single bus connection, assigns serials,
// correlates replies to pending calls, and dispatches inbound method calls,
// property access, and signals. Service authors build an object tree
// (ObjectNode / Service) under a well-known name; clients build a mirror of
// a remote tree via Proxy, which introspects the remote service and keeps
// itself in sync with InterfacesAdded, InterfacesRemoved, and
// PropertiesChanged.
package dbus
