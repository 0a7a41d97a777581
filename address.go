package dbus

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SystemBusAddress resolves the well-known system bus address:
// DBUS_SYSTEM_BUS_ADDRESS if set, else "unix:path=/run/dbus/system_bus_socket".
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return "unix:path=/run/dbus/system_bus_socket"
}

// SessionBusAddress resolves the current user's session bus address:
// DBUS_SESSION_BUS_ADDRESS if set, else "unix:path=<runtime_dir>/bus" where
// runtime_dir is XDG_USER_DIR if set, else "/run/user/<uid>".
func SessionBusAddress() string {
	if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
		return addr
	}
	runtimeDir := os.Getenv("XDG_USER_DIR")
	if runtimeDir == "" {
		uid := os.Getenv("UID")
		if uid == "" {
			uid = strconv.Itoa(os.Getuid())
		}
		runtimeDir = "/run/user/" + uid
	}
	return "unix:path=" + runtimeDir + "/bus"
}

// ResolveUnixSocketPath extracts the filesystem path from a DBus server
// address string. Only the "unix:path=..." transport is supported; any
// other scheme, or an address list with no usable unix:path= entry, is
// rejected.
//
// A DBus address may list several semicolon-separated alternatives; the
// first unix:path= entry wins.
func ResolveUnixSocketPath(address string) (string, error) {
	for _, part := range strings.Split(address, ";") {
		if path, ok := strings.CutPrefix(part, "unix:path="); ok {
			if comma := strings.IndexByte(path, ','); comma >= 0 {
				path = path[:comma]
			}
			return path, nil
		}
	}
	return "", fmt.Errorf("dbus: address %q: address type not supported", address)
}
