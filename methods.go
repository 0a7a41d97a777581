package dbus

import (
	"context"
	"errors"
)

const (
	busDestination = "org.freedesktop.DBus"
	busPath        = ObjectPath("/org/freedesktop/DBus")
	busInterface   = "org.freedesktop.DBus"
)

func (c *Conn) busCall(ctx context.Context, member string, body []Value) ([]Value, error) {
	return c.CallMethod(ctx, busDestination, busPath, busInterface, member, body)
}

// RequestNameFlags are the bit flags accepted by [Conn.RequestName].
type RequestNameFlags uint32

const (
	NameFlagAllowReplacement RequestNameFlags = 1 << 0
	NameFlagReplaceExisting  RequestNameFlags = 1 << 1
	NameFlagDoNotQueue       RequestNameFlags = 1 << 2
)

// RequestNameResult is the outcome of a [Conn.RequestName] call.
type RequestNameResult uint32

const (
	NameResultPrimaryOwner RequestNameResult = 1
	NameResultInQueue      RequestNameResult = 2
	NameResultExists       RequestNameResult = 3
	NameResultAlreadyOwner RequestNameResult = 4
)

// ReleaseNameResult is the outcome of a [Conn.ReleaseName] call.
type ReleaseNameResult uint32

const (
	NameReleaseReleased    ReleaseNameResult = 1
	NameReleaseNonExistent ReleaseNameResult = 2
	NameReleaseNotOwner    ReleaseNameResult = 3
)

// StartServiceResult is the outcome of a [Conn.StartServiceByName] call.
type StartServiceResult uint32

const (
	StartServiceSuccess       StartServiceResult = 1
	StartServiceAlreadyRunning StartServiceResult = 2
)

// Hello registers this connection with the bus and returns its assigned
// unique bus name. [Dial] calls this automatically; callers don't normally
// need to call it again.
func (c *Conn) Hello(ctx context.Context) (string, error) {
	resp, err := c.busCall(ctx, "Hello", nil)
	if err != nil {
		return "", err
	}
	return firstString(resp)
}

// RequestName asks the bus daemon to assign name to this connection.
func (c *Conn) RequestName(ctx context.Context, name string, flags RequestNameFlags) (RequestNameResult, error) {
	resp, err := c.busCall(ctx, "RequestName", []Value{String(name), Uint32(uint32(flags))})
	if err != nil {
		return 0, err
	}
	return RequestNameResult(firstUint32(resp)), nil
}

// ReleaseName releases a name this connection previously acquired with
// RequestName.
func (c *Conn) ReleaseName(ctx context.Context, name string) (ReleaseNameResult, error) {
	resp, err := c.busCall(ctx, "ReleaseName", []Value{String(name)})
	if err != nil {
		return 0, err
	}
	return ReleaseNameResult(firstUint32(resp)), nil
}

// ListNames returns the bus names currently registered with the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	resp, err := c.busCall(ctx, "ListNames", nil)
	if err != nil {
		return nil, err
	}
	return firstStringArray(resp)
}

// ListActivatableNames returns the bus names that can be auto-started.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	resp, err := c.busCall(ctx, "ListActivatableNames", nil)
	if err != nil {
		return nil, err
	}
	return firstStringArray(resp)
}

// NameHasOwner reports whether name currently has an owner on the bus.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	resp, err := c.busCall(ctx, "NameHasOwner", []Value{String(name)})
	if err != nil {
		return false, err
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].BoolValue(), nil
}

// GetNameOwner returns the unique bus name currently owning name.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	resp, err := c.busCall(ctx, "GetNameOwner", []Value{String(name)})
	if err != nil {
		return "", err
	}
	return firstString(resp)
}

// StartServiceByName asks the bus to auto-start the service that owns
// name, if it isn't already running.
func (c *Conn) StartServiceByName(ctx context.Context, name string, flags uint32) (StartServiceResult, error) {
	resp, err := c.busCall(ctx, "StartServiceByName", []Value{String(name), Uint32(flags)})
	if err != nil {
		return 0, err
	}
	return StartServiceResult(firstUint32(resp)), nil
}

// AddMatch registers a match rule with the bus daemon. Most callers should
// use [Conn.SignalStream] instead, which manages AddMatch/RemoveMatch
// lifetime automatically.
func (c *Conn) AddMatch(ctx context.Context, rule string) error {
	_, err := c.busCall(ctx, "AddMatch", []Value{String(rule)})
	return err
}

// RemoveMatch unregisters a match rule previously added with AddMatch.
func (c *Conn) RemoveMatch(ctx context.Context, rule string) error {
	_, err := c.busCall(ctx, "RemoveMatch", []Value{String(rule)})
	return err
}

// GetId returns the bus daemon's unique identifier.
func (c *Conn) GetId(ctx context.Context) (string, error) {
	resp, err := c.busCall(ctx, "GetId", nil)
	if err != nil {
		return "", err
	}
	return firstString(resp)
}

// GetConnectionUnixUser returns the numeric Unix UID of the process that
// owns the given bus name.
func (c *Conn) GetConnectionUnixUser(ctx context.Context, name string) (uint32, error) {
	resp, err := c.busCall(ctx, "GetConnectionUnixUser", []Value{String(name)})
	if err != nil {
		return 0, err
	}
	return firstUint32(resp), nil
}

// GetConnectionUnixProcessID returns the numeric Unix PID of the process
// that owns the given bus name.
func (c *Conn) GetConnectionUnixProcessID(ctx context.Context, name string) (uint32, error) {
	resp, err := c.busCall(ctx, "GetConnectionUnixProcessID", []Value{String(name)})
	if err != nil {
		return 0, err
	}
	return firstUint32(resp), nil
}

// ListQueuedOwners returns the unique bus names queued to own name, in
// queue order, most senior first.
func (c *Conn) ListQueuedOwners(ctx context.Context, name string) ([]string, error) {
	resp, err := c.busCall(ctx, "ListQueuedOwners", []Value{String(name)})
	if err != nil {
		return nil, err
	}
	return firstStringArray(resp)
}

// Ping sends org.freedesktop.DBus.Peer.Ping to destination, returning once
// the peer acknowledges it.
func (c *Conn) Ping(ctx context.Context, destination string, path ObjectPath) error {
	_, err := c.CallMethod(ctx, destination, path, "org.freedesktop.DBus.Peer", "Ping", nil)
	return err
}

func firstString(body []Value) (string, error) {
	if len(body) == 0 || body[0].Kind() != KindString {
		return "", CodecError{Context: "bus reply", Reason: errNoStringReply}
	}
	return body[0].StringValue(), nil
}

func firstUint32(body []Value) uint32 {
	if len(body) == 0 || body[0].Kind() != KindUint32 {
		return 0
	}
	return body[0].Uint32Value()
}

func firstStringArray(body []Value) ([]string, error) {
	if len(body) == 0 || body[0].Kind() != KindArray {
		return nil, CodecError{Context: "bus reply", Reason: errNoStringReply}
	}
	elems := body[0].Elements()
	out := make([]string, len(elems))
	for i, e := range elems {
		out[i] = e.StringValue()
	}
	return out, nil
}

var errNoStringReply = errors.New("reply did not contain the expected string body")
