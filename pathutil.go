package dbus

import "strings"

// HasNamespace reports whether x is ns itself, or is a child of ns under
// DBus's dot-separated namespace convention (x == ns, or x starts with
// "ns.").
func HasNamespace(x, ns string) bool {
	return x == ns || strings.HasPrefix(x, ns+".")
}

// IsPathMatch reports whether a and b satisfy the match-rule path-match
// relation: one of the two strings ends with '/' and the other starts with
// it. This is deliberately not full path-prefix matching: when neither
// string ends with '/', or the one that does isn't a prefix of the other,
// the relation is false even if the strings otherwise overlap.
func IsPathMatch(a, b string) bool {
	if strings.HasSuffix(a, "/") && strings.HasPrefix(b, a) {
		return true
	}
	if strings.HasSuffix(b, "/") && strings.HasPrefix(a, b) {
		return true
	}
	return false
}
