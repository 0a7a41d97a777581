package dbus

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MatchRule is a DBus match rule: a set of predicates over message header
// fields and body arguments, used both to ask the bus daemon to route
// matching signals to this connection ([Conn.AddMatch]) and to test
// messages locally ([MatchRule.IsMatch]).
//
// The zero MatchRule matches everything.
type MatchRule struct {
	Type          string
	Sender        string
	Interface     string
	Member        string
	Path          string
	PathNamespace string
	Destination   string
	Arg0Namespace string

	// Arg restricts the rule to signals whose i-th body argument is a
	// string equal to the given value.
	Arg map[int]string
	// ArgPath restricts the rule to signals whose i-th body argument
	// satisfies the path-match relation ([IsPathMatch]) against the given
	// value.
	ArgPath map[int]string
}

// Serialize returns m's wire-format match rule string, as sent to the bus
// daemon's AddMatch and RemoveMatch methods: comma-separated
// key='value' pairs, omitting any key whose predicate is absent. Values
// are not quote-escaped; a value containing a single quote produces an
// undefined (but well-formed-looking) rule string.
func (m *MatchRule) Serialize() string {
	var parts []string
	add := func(key, val string) {
		if val != "" {
			parts = append(parts, fmt.Sprintf("%s='%s'", key, val))
		}
	}
	add("type", m.Type)
	add("sender", m.Sender)
	add("interface", m.Interface)
	add("member", m.Member)
	add("path", m.Path)
	add("path_namespace", m.PathNamespace)
	add("destination", m.Destination)
	add("arg0namespace", m.Arg0Namespace)

	for _, i := range sortedIntKeys(m.Arg) {
		add(fmt.Sprintf("arg%d", i), m.Arg[i])
	}
	for _, i := range sortedIntKeys(m.ArgPath) {
		add(fmt.Sprintf("arg%dpath", i), m.ArgPath[i])
	}
	return strings.Join(parts, ",")
}

func sortedIntKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// IsMatch reports whether a message with header h and body body satisfies
// every predicate present in m. PathNamespace matches the path itself and
// every path below it ("/a" matches "/a" and "/a/b"). An
// absent predicate (the zero value of its field) never excludes a
// message.
func (m *MatchRule) IsMatch(h *Header, body []Value) bool {
	if m.Type != "" && !strings.EqualFold(h.Type.String(), m.Type) {
		return false
	}
	if m.Sender != "" && h.Sender != m.Sender {
		return false
	}
	if m.Interface != "" && h.Interface != m.Interface {
		return false
	}
	if m.Member != "" && h.Member != m.Member {
		return false
	}
	if m.Path != "" && string(h.Path) != m.Path {
		return false
	}
	if ns := m.PathNamespace; ns != "" && ns != "/" {
		p := string(h.Path)
		if p != ns && !strings.HasPrefix(p, ns+"/") {
			return false
		}
	}
	if m.Destination != "" && h.Destination != m.Destination {
		return false
	}
	if m.Arg0Namespace != "" {
		arg0, ok := bodyStringArg(body, 0)
		if !ok || !HasNamespace(arg0, m.Arg0Namespace) {
			return false
		}
	}
	for i, want := range m.Arg {
		got, ok := bodyStringArg(body, i)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range m.ArgPath {
		got, ok := bodyStringArg(body, i)
		if !ok || !IsPathMatch(got, want) {
			return false
		}
	}
	return true
}

// bodyStringArg returns the i-th body value's string content, if it is a
// string or object path; match rules treat the two identically.
func bodyStringArg(body []Value, i int) (string, bool) {
	if i < 0 || i >= len(body) {
		return "", false
	}
	switch body[i].Kind() {
	case KindString:
		return body[i].StringValue(), true
	case KindObjectPath:
		return string(body[i].ObjectPathValue()), true
	default:
		return "", false
	}
}

// methodCallPattern is one predicate of a method-call subscription: an
// exact string, a literal prefix, or a regular expression, evaluated
// against a single header field.
type methodCallPattern struct {
	exact  string
	prefix string
	regex  *regexp.Regexp
}

// Exact builds a pattern matching only s.
func Exact(s string) methodCallPattern { return methodCallPattern{exact: s} }

// Prefix builds a pattern matching any string with the literal prefix p.
func Prefix(p string) methodCallPattern { return methodCallPattern{prefix: p} }

// Regex builds a pattern matching any string the given expression matches.
func Regex(re *regexp.Regexp) methodCallPattern { return methodCallPattern{regex: re} }

func (p methodCallPattern) matches(s string) bool {
	switch {
	case p.regex != nil:
		return p.regex.MatchString(s)
	case p.prefix != "":
		return strings.HasPrefix(s, p.prefix)
	default:
		return s == p.exact
	}
}
