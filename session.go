package dbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/busline/dbus/wire"
)

// DefaultCallTimeout is the timeout [Conn.CallMethod] uses when the caller
// doesn't supply a context deadline.
const DefaultCallTimeout = 3 * time.Second

// Conn is an open DBus connection: one authenticated Unix domain socket,
// one demultiplexing reader task, and the bookkeeping needed to correlate
// replies with their calls and fan signals out to subscribers.
//
// A Conn's exported methods are safe to call concurrently; the connection
// serializes all of its own internal state behind mu and all outbound
// writes behind writeMu.
type Conn struct {
	conn  net.Conn
	order wire.ByteOrder
	guid  string

	writeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	uniqueName string
	nextSerial uint32
	waiters    map[uint32]chan *Message
	methodSubs []*methodCallSub
	signalSubs []*signalSub
	matchRefs  map[string]int

	done chan struct{}
}

type methodCallSub struct {
	path   *methodCallPattern
	iface  *methodCallPattern
	member *methodCallPattern
	ch     chan *Message
}

type signalSub struct {
	rule MatchRule
	ch   chan *Message
}

// DialSystem opens a connection to the system bus.
func DialSystem(ctx context.Context) (*Conn, error) {
	return Dial(ctx, SystemBusAddress())
}

// DialSession opens a connection to the caller's session bus.
func DialSession(ctx context.Context) (*Conn, error) {
	return Dial(ctx, SessionBusAddress())
}

// Dial opens a connection to the bus at address, authenticates with the
// EXTERNAL mechanism, and calls Hello to obtain a unique bus name.
func Dial(ctx context.Context, address string) (*Conn, error) {
	path, err := ResolveUnixSocketPath(address)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dbus: dialing %q: %w", path, err)
	}
	return newConn(ctx, nc)
}

// newConn authenticates over an already-connected transport, starts the
// reader task, and calls Hello. It is the common setup path used by Dial
// and, in tests, by connections built over an in-process pipe instead of a
// real Unix socket.
func newConn(ctx context.Context, nc net.Conn) (*Conn, error) {
	guid, err := authenticate(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("dbus: authenticating: %w", err)
	}

	c := &Conn{
		conn:      nc,
		order:     wire.Native(),
		guid:      guid,
		waiters:   map[uint32]chan *Message{},
		matchRefs: map[string]int{},
		done:      make(chan struct{}),
	}
	go c.readLoop()

	var name string
	if err := c.CallMethodInto(ctx, "org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", "Hello", nil, DefaultCallTimeout, &name); err != nil {
		c.Close()
		return nil, fmt.Errorf("dbus: Hello: %w", err)
	}
	c.mu.Lock()
	c.uniqueName = name
	c.mu.Unlock()

	return c, nil
}

// LocalName returns the connection's unique bus name, as assigned by the
// bus daemon during the Hello call.
func (c *Conn) LocalName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// Close shuts down the connection: it cancels every outstanding call and
// subscription with [ErrConnectionClosed], closes the underlying socket,
// and stops the reader task.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	waiters := c.waiters
	c.waiters = nil
	methodSubs := c.methodSubs
	c.methodSubs = nil
	signalSubs := c.signalSubs
	c.signalSubs = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, s := range methodSubs {
		close(s.ch)
	}
	for _, s := range signalSubs {
		close(s.ch)
	}
	close(c.done)
	return c.conn.Close()
}

func (c *Conn) nextSerialLocked() uint32 {
	c.nextSerial++
	if c.nextSerial == 0 {
		c.nextSerial = 1
	}
	return c.nextSerial
}

// sendMessage marshals h and body and writes the result to the socket. It
// serializes all outbound writes so that frames from concurrent callers
// are never interleaved.
func (c *Conn) sendMessage(h *Header, body []Value) error {
	h.Order = c.order
	raw, err := WriteMessage(h, body)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(raw)
	return err
}

// CallMethod sends a method call and blocks until the matching reply
// arrives or ctx is done, whichever happens first. If no deadline is set
// on ctx, it falls back to [DefaultCallTimeout].
func (c *Conn) CallMethod(ctx context.Context, destination string, path ObjectPath, iface, member string, body []Value) ([]Value, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, CallError{Name: ErrConnectionClosed}
	}
	serial := c.nextSerialLocked()
	ch := make(chan *Message, 1)
	c.waiters[serial] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, serial)
		c.mu.Unlock()
	}()

	h := &Header{
		Type:        TypeMethodCall,
		Version:     1,
		Serial:      serial,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
	}
	if err := h.Valid(); err != nil {
		return nil, err
	}
	sent := make(chan error, 1)
	go func() { sent <- c.sendMessage(h, body) }()
	select {
	case err := <-sent:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, CallError{Name: ErrCallTimeout}
	case <-c.done:
		return nil, CallError{Name: ErrConnectionClosed}
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, CallError{Name: ErrConnectionClosed}
		}
		if msg.Header.Type == TypeError {
			return nil, CallError{Name: msg.Header.ErrorName, Detail: callErrorDetail(msg.Body)}
		}
		return msg.Body, nil
	case <-ctx.Done():
		return nil, CallError{Name: ErrCallTimeout}
	}
}

// CallMethodInto calls a method and, if dst is non-nil, decodes the
// reply's leading string body argument into dst. It exists to support the
// handful of standard bus methods whose reply is exactly one string.
func (c *Conn) CallMethodInto(ctx context.Context, destination string, path ObjectPath, iface, member string, body []Value, timeout time.Duration, dst *string) error {
	ctx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.CallMethod(ctx2, destination, path, iface, member, body)
	if err != nil {
		return err
	}
	if dst != nil && len(resp) > 0 && resp[0].Kind() == KindString {
		*dst = resp[0].StringValue()
	}
	return nil
}

func callErrorDetail(body []Value) string {
	if len(body) > 0 && body[0].Kind() == KindString {
		return body[0].StringValue()
	}
	return ""
}

// SendReply sends a successful method-return reply to call, whose body is
// resp.
func (c *Conn) SendReply(call *Message, resp []Value) error {
	h := &Header{
		Type:        TypeMethodReturn,
		Version:     1,
		Destination: call.Header.Sender,
		ReplySerial: call.Header.Serial,
	}
	c.mu.Lock()
	h.Serial = c.nextSerialLocked()
	c.mu.Unlock()
	return c.sendMessage(h, resp)
}

// SendErrorReply sends an error reply to call, naming errName and
// optionally carrying a single human-readable string detail.
func (c *Conn) SendErrorReply(call *Message, errName, detail string) error {
	h := &Header{
		Type:        TypeError,
		Version:     1,
		Destination: call.Header.Sender,
		ReplySerial: call.Header.Serial,
		ErrorName:   errName,
	}
	c.mu.Lock()
	h.Serial = c.nextSerialLocked()
	c.mu.Unlock()
	var body []Value
	if detail != "" {
		body = []Value{String(detail)}
	}
	return c.sendMessage(h, body)
}

// MethodCallStream registers a subscription for inbound method calls
// matching the given predicates; a nil predicate matches anything. The
// caller becomes responsible for replying to every call it receives on
// the returned channel, via [Conn.SendReply] or [Conn.SendErrorReply].
//
// Registering a subscription suppresses the fallback UnknownMethod
// responder for calls it matches. Cancel removes the subscription and
// closes the channel.
func (c *Conn) MethodCallStream(path, iface, member *methodCallPattern) (ch <-chan *Message, cancel func()) {
	sub := &methodCallSub{path: path, iface: iface, member: member, ch: make(chan *Message, 16)}
	c.mu.Lock()
	c.methodSubs = append(c.methodSubs, sub)
	c.mu.Unlock()

	return sub.ch, func() {
		c.mu.Lock()
		for i, s := range c.methodSubs {
			if s == sub {
				c.methodSubs = append(c.methodSubs[:i], c.methodSubs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		close(sub.ch)
	}
}

// SignalStream registers a subscription for inbound signals matching
// rule. The first subscriber for a given serialized rule sends AddMatch to
// the bus daemon; the last one to cancel sends RemoveMatch. Cancel removes
// the subscription and closes the channel.
func (c *Conn) SignalStream(ctx context.Context, rule MatchRule) (ch <-chan *Message, cancel func(), err error) {
	ruleStr := rule.Serialize()

	c.mu.Lock()
	needAdd := c.matchRefs[ruleStr] == 0
	c.matchRefs[ruleStr]++
	c.mu.Unlock()

	if needAdd {
		if _, err := c.CallMethod(ctx, "org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", "AddMatch", []Value{String(ruleStr)}); err != nil {
			c.mu.Lock()
			c.matchRefs[ruleStr]--
			c.mu.Unlock()
			return nil, nil, err
		}
	}

	sub := &signalSub{rule: rule, ch: make(chan *Message, 16)}
	c.mu.Lock()
	c.signalSubs = append(c.signalSubs, sub)
	c.mu.Unlock()

	cancel = func() {
		c.mu.Lock()
		for i, s := range c.signalSubs {
			if s == sub {
				c.signalSubs = append(c.signalSubs[:i], c.signalSubs[i+1:]...)
				break
			}
		}
		c.matchRefs[ruleStr]--
		lastRef := c.matchRefs[ruleStr] == 0
		if lastRef {
			delete(c.matchRefs, ruleStr)
		}
		closed := c.closed
		c.mu.Unlock()
		close(sub.ch)

		if lastRef && !closed {
			if _, err := c.CallMethod(context.Background(), "org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", "RemoveMatch", []Value{String(ruleStr)}); err != nil {
				log.Printf("dbus: RemoveMatch for %q: %v", ruleStr, err)
			}
		}
	}
	return sub.ch, cancel, nil
}

// readLoop is the connection's single reader task: it demultiplexes the
// inbound byte stream into messages and dispatches each one by type.
func (c *Conn) readLoop() {
	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			var de decodeError
			if errors.As(err, &de) {
				log.Printf("dbus: dropping malformed message: %v", err)
				continue
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("dbus: read error, closing connection: %v", err)
			c.Close()
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg *Message) {
	switch msg.Header.Type {
	case TypeMethodReturn, TypeError:
		c.dispatchReply(msg)
	case TypeMethodCall:
		c.dispatchCall(msg)
	case TypeSignal:
		c.dispatchSignal(msg)
	default:
		log.Printf("dbus: dropping message with unknown type %d", msg.Header.Type)
	}
}

func (c *Conn) dispatchReply(msg *Message) {
	c.mu.Lock()
	ch := c.waiters[msg.Header.ReplySerial]
	delete(c.waiters, msg.Header.ReplySerial)
	c.mu.Unlock()
	if ch == nil {
		// Reply to a call that already timed out, or an unsolicited
		// reply; drop it silently.
		return
	}
	ch <- msg
}

func (c *Conn) dispatchCall(msg *Message) {
	c.mu.Lock()
	var matched *methodCallSub
	for _, s := range c.methodSubs {
		if s.matches(msg.Header) {
			matched = s
			break
		}
	}
	c.mu.Unlock()

	if matched != nil {
		select {
		case matched.ch <- msg:
		default:
			log.Printf("dbus: method call subscriber queue full, dropping call %s.%s", msg.Header.Interface, msg.Header.Member)
		}
		return
	}

	if msg.Header.WantReply() {
		if err := c.SendErrorReply(msg, "org.freedesktop.DBus.Error.UnknownMethod", fmt.Sprintf("no handler for %s.%s", msg.Header.Interface, msg.Header.Member)); err != nil {
			log.Printf("dbus: sending UnknownMethod reply: %v", err)
		}
	}
}

func (c *Conn) dispatchSignal(msg *Message) {
	c.mu.Lock()
	subs := make([]*signalSub, 0, len(c.signalSubs))
	for _, s := range c.signalSubs {
		if s.rule.IsMatch(msg.Header, msg.Body) {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			log.Printf("dbus: signal subscriber queue full, dropping signal %s.%s", msg.Header.Interface, msg.Header.Member)
		}
	}
}

func (s *methodCallSub) matches(h *Header) bool {
	if s.path != nil && !s.path.matches(string(h.Path)) {
		return false
	}
	if s.iface != nil && !s.iface.matches(h.Interface) {
		return false
	}
	if s.member != nil && !s.member.matches(h.Member) {
		return false
	}
	return true
}

