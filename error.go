package dbus

import "fmt"

// CodecError is the error returned when a value cannot be marshaled or a
// received message cannot be unmarshaled against its declared signature.
type CodecError struct {
	// Context names what was being encoded or decoded when the error
	// occurred, e.g. a signature string or a header field name.
	Context string
	// Reason is the underlying cause.
	Reason error
}

func (e CodecError) Error() string {
	return fmt.Sprintf("dbus codec error in %s: %s", e.Context, e.Reason)
}

func (e CodecError) Unwrap() error { return e.Reason }

func codecErr(context string, reason error) error {
	return CodecError{Context: context, Reason: reason}
}

// CallError is the error returned from a failed DBus method call: either a
// well-formed error reply from the remote peer, or a local failure such as
// a timeout or a call on a closed connection.
type CallError struct {
	// Name is the error name provided by the remote peer, or one of the
	// local names ErrCallTimeout / ErrConnectionClosed.
	Name string
	// Detail is the human-readable explanation of what went wrong, taken
	// from the reply body's leading string argument, if any.
	Detail string
}

func (e CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Local error names used for CallError.Name when the failure never reached
// the remote peer.
const (
	ErrCallTimeout      = "Call timed out"
	ErrConnectionClosed = "Connection closed"
)
