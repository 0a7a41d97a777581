package dbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/busline/dbus/wire"
)

// fakeBus is a minimal in-test stand-in for a bus daemon, driving one half
// of a net.Pipe. It handles the AUTH handshake and the Hello call that
// newConn performs automatically, then hands control back to the test for
// whatever exchange it wants to drive next.
type fakeBus struct {
	t    *testing.T
	conn net.Conn
}

func newFakeBusPair(t *testing.T) (*Conn, *fakeBus) {
	t.Helper()
	client, server := net.Pipe()

	type dialResult struct {
		c   *Conn
		err error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		c, err := newConn(context.Background(), client)
		resCh <- dialResult{c, err}
	}()

	fb := &fakeBus{t: t, conn: server}
	fb.handshake()

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("newConn: %v", res.err)
		}
		t.Cleanup(func() { res.c.Close() })
		return res.c, fb
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for newConn")
		return nil, nil
	}
}

// handshake performs the server side of the AUTH EXTERNAL exchange and
// replies to the automatic Hello call with a fixed unique name.
func (fb *fakeBus) handshake() {
	line, err := readCRLFLine(fb.conn)
	if err != nil {
		fb.t.Fatalf("reading AUTH line: %v", err)
	}
	if len(line) < len("\x00AUTH EXTERNAL ") || line[:1] != "\x00" {
		fb.t.Fatalf("unexpected AUTH line %q", line)
	}
	if _, err := fb.conn.Write([]byte("OK deadbeefcafef00dfacade0000001\r\n")); err != nil {
		fb.t.Fatalf("writing OK: %v", err)
	}
	if _, err := readCRLFLine(fb.conn); err != nil {
		fb.t.Fatalf("reading BEGIN: %v", err)
	}

	call, err := ReadMessage(fb.conn)
	if err != nil {
		fb.t.Fatalf("reading Hello call: %v", err)
	}
	if call.Header.Member != "Hello" {
		fb.t.Fatalf("first call was %q, want Hello", call.Header.Member)
	}
	fb.reply(call, []Value{String(":1.42")})
}

// reply sends a method-return reply to call with the given body.
func (fb *fakeBus) reply(call *Message, body []Value) {
	fb.t.Helper()
	h := &Header{
		Order:       wire.Native(),
		Type:        TypeMethodReturn,
		Version:     1,
		Serial:      1000,
		ReplySerial: call.Header.Serial,
		Destination: call.Header.Sender,
	}
	raw, err := WriteMessage(h, body)
	if err != nil {
		fb.t.Fatalf("marshaling reply: %v", err)
	}
	if _, err := fb.conn.Write(raw); err != nil {
		fb.t.Fatalf("writing reply: %v", err)
	}
}

// replyError sends an error reply to call.
func (fb *fakeBus) replyError(call *Message, name, detail string) {
	fb.t.Helper()
	h := &Header{
		Order:       wire.Native(),
		Type:        TypeError,
		Version:     1,
		Serial:      1001,
		ReplySerial: call.Header.Serial,
		Destination: call.Header.Sender,
		ErrorName:   name,
	}
	var body []Value
	if detail != "" {
		body = []Value{String(detail)}
	}
	raw, err := WriteMessage(h, body)
	if err != nil {
		fb.t.Fatalf("marshaling error reply: %v", err)
	}
	if _, err := fb.conn.Write(raw); err != nil {
		fb.t.Fatalf("writing error reply: %v", err)
	}
}

// recvCall reads the next incoming message, which must be a method call.
func (fb *fakeBus) recvCall() *Message {
	fb.t.Helper()
	msg, err := ReadMessage(fb.conn)
	if err != nil {
		fb.t.Fatalf("reading call: %v", err)
	}
	return msg
}

// sendSignal writes a signal message directly to the client.
func (fb *fakeBus) sendSignal(h *Header, body []Value) {
	fb.t.Helper()
	h.Order = wire.Native()
	h.Type = TypeSignal
	h.Version = 1
	h.Serial = 2000
	raw, err := WriteMessage(h, body)
	if err != nil {
		fb.t.Fatalf("marshaling signal: %v", err)
	}
	if _, err := fb.conn.Write(raw); err != nil {
		fb.t.Fatalf("writing signal: %v", err)
	}
}

func TestNewConnHandshakeAndHello(t *testing.T) {
	c, _ := newFakeBusPair(t)
	if got, want := c.LocalName(), ":1.42"; got != want {
		t.Errorf("LocalName() = %q, want %q", got, want)
	}
}

func TestCallMethodRoundTrip(t *testing.T) {
	c, fb := newFakeBusPair(t)

	type result struct {
		body []Value
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		body, err := c.CallMethod(context.Background(), "org.test.Service", "/org/test/Object", "org.test.Iface", "DoThing", []Value{Uint32(7)})
		resCh <- result{body, err}
	}()

	call := fb.recvCall()
	if call.Header.Member != "DoThing" || call.Header.Interface != "org.test.Iface" {
		t.Fatalf("unexpected call header: %+v", call.Header)
	}
	if len(call.Body) != 1 || call.Body[0].Uint32Value() != 7 {
		t.Fatalf("unexpected call body: %+v", call.Body)
	}
	fb.reply(call, []Value{String("ok")})

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("CallMethod: %v", res.err)
		}
		if len(res.body) != 1 || res.body[0].StringValue() != "ok" {
			t.Fatalf("unexpected reply body: %+v", res.body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for CallMethod")
	}
}

func TestCallMethodErrorReply(t *testing.T) {
	c, fb := newFakeBusPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallMethod(context.Background(), "org.test.Service", "/org/test/Object", "org.test.Iface", "Fail", nil)
		errCh <- err
	}()

	call := fb.recvCall()
	fb.replyError(call, "org.test.Error.Broken", "it broke")

	select {
	case err := <-errCh:
		ce, ok := err.(CallError)
		if !ok {
			t.Fatalf("error = %v (%T), want CallError", err, err)
		}
		if ce.Name != "org.test.Error.Broken" || ce.Detail != "it broke" {
			t.Errorf("CallError = %+v, want Name=org.test.Error.Broken Detail=it broke", ce)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for CallMethod")
	}
}

func TestCallMethodTimeout(t *testing.T) {
	c, _ := newFakeBusPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CallMethod(ctx, "org.test.Service", "/org/test/Object", "org.test.Iface", "NeverReplies", nil)
	ce, ok := err.(CallError)
	if !ok {
		t.Fatalf("error = %v (%T), want CallError", err, err)
	}
	if ce.Name != ErrCallTimeout {
		t.Errorf("CallError.Name = %q, want %q", ce.Name, ErrCallTimeout)
	}
}

func TestCallMethodOnClosedConnection(t *testing.T) {
	c, _ := newFakeBusPair(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := c.CallMethod(context.Background(), "org.test.Service", "/org/test/Object", "org.test.Iface", "Whatever", nil)
	ce, ok := err.(CallError)
	if !ok {
		t.Fatalf("error = %v (%T), want CallError", err, err)
	}
	if ce.Name != ErrConnectionClosed {
		t.Errorf("CallError.Name = %q, want %q", ce.Name, ErrConnectionClosed)
	}
}

func TestReadLoopDropsMalformedMessageAndKeepsReading(t *testing.T) {
	c, fb := newFakeBusPair(t)

	// SignalStream waits for the AddMatch reply, so the fake bus answers
	// it from this goroutine.
	addMatchCh := make(chan *Message, 1)
	go func() {
		call := fb.recvCall()
		fb.reply(call, nil)
		addMatchCh <- call
	}()

	rule := MatchRule{Type: "signal", Interface: "org.test.Iface", Member: "Happened"}
	ch, cancel, err := c.SignalStream(context.Background(), rule)
	if err != nil {
		t.Fatalf("SignalStream: %v", err)
	}

	select {
	case <-addMatchCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for AddMatch call")
	}

	// A signal declaring signature "s" but whose body is actually a
	// marshaled uint32: readLoop must drop this message without tearing
	// down the connection.
	bad := &Header{
		Order:     wire.Native(),
		Type:      TypeSignal,
		Version:   1,
		Serial:    3000,
		Path:      "/test/obj",
		Interface: "org.test.Iface",
		Member:    "Happened",
		Signature: "s",
	}
	w := wire.NewWriter(wire.Native(), 64)
	if err := writeHeader(w, bad); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}
	bodyStart := w.Len()
	w.WriteUint32(99)
	w.SetUint32(4, uint32(w.Len()-bodyStart))
	if _, err := fb.conn.Write(w.Bytes()); err != nil {
		t.Fatalf("writing malformed signal: %v", err)
	}

	fb.sendSignal(&Header{
		Path:      "/test/obj",
		Interface: "org.test.Iface",
		Member:    "Happened",
	}, []Value{String("still alive")})

	select {
	case msg := <-ch:
		if len(msg.Body) != 1 || msg.Body[0].StringValue() != "still alive" {
			t.Errorf("unexpected signal body: %+v", msg.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal delivery after malformed message")
	}

	removeMatchCh := make(chan *Message, 1)
	go func() { removeMatchCh <- fb.recvCall() }()
	cancel()
	select {
	case rm := <-removeMatchCh:
		if rm.Header.Member != "RemoveMatch" {
			t.Fatalf("expected RemoveMatch call, got %q", rm.Header.Member)
		}
		fb.reply(rm, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RemoveMatch call")
	}
}

func TestSignalStreamDeliversMatchingSignal(t *testing.T) {
	c, fb := newFakeBusPair(t)

	// SignalStream waits for the AddMatch reply, so the fake bus answers
	// it from this goroutine.
	addMatchCh := make(chan *Message, 1)
	go func() {
		call := fb.recvCall()
		fb.reply(call, nil)
		addMatchCh <- call
	}()

	rule := MatchRule{Type: "signal", Interface: "org.test.Iface", Member: "Happened"}
	ch, cancel, err := c.SignalStream(context.Background(), rule)
	if err != nil {
		t.Fatalf("SignalStream: %v", err)
	}

	var addMatch *Message
	select {
	case addMatch = <-addMatchCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for AddMatch call")
	}
	if addMatch.Header.Member != "AddMatch" {
		t.Fatalf("expected AddMatch call, got %q", addMatch.Header.Member)
	}

	fb.sendSignal(&Header{
		Path:      "/test/obj",
		Interface: "org.test.Iface",
		Member:    "Happened",
	}, []Value{String("payload")})

	select {
	case msg := <-ch:
		if len(msg.Body) != 1 || msg.Body[0].StringValue() != "payload" {
			t.Errorf("unexpected signal body: %+v", msg.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal delivery")
	}

	// A signal on a different interface must not be delivered.
	fb.sendSignal(&Header{
		Path:      "/test/obj",
		Interface: "org.test.Other",
		Member:    "Happened",
	}, nil)
	select {
	case msg := <-ch:
		t.Errorf("unexpected delivery of non-matching signal: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	removeMatchCh := make(chan *Message, 1)
	go func() { removeMatchCh <- fb.recvCall() }()
	cancel()
	select {
	case rm := <-removeMatchCh:
		if rm.Header.Member != "RemoveMatch" {
			t.Fatalf("expected RemoveMatch call, got %q", rm.Header.Member)
		}
		fb.reply(rm, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RemoveMatch call")
	}
}

func TestSignalStreamSecondSubscriberSkipsAddMatch(t *testing.T) {
	c, fb := newFakeBusPair(t)
	rule := MatchRule{Interface: "org.test.Iface"}

	// SignalStream waits for the AddMatch reply, so the fake bus answers
	// it from this goroutine.
	addMatchCh := make(chan *Message, 1)
	go func() {
		call := fb.recvCall()
		fb.reply(call, nil)
		addMatchCh <- call
	}()

	_, cancel1, err := c.SignalStream(context.Background(), rule)
	if err != nil {
		t.Fatalf("first SignalStream: %v", err)
	}
	<-addMatchCh

	// Second subscriber with the identical rule must not trigger another
	// AddMatch call; if it did, recvCall below would read it instead of
	// whatever the test sends next, and this goroutine would hang.
	_, cancel2, err := c.SignalStream(context.Background(), rule)
	if err != nil {
		t.Fatalf("second SignalStream: %v", err)
	}

	removeMatchCh := make(chan *Message, 1)
	go func() { removeMatchCh <- fb.recvCall() }()

	cancel1()
	cancel2()

	select {
	case rm := <-removeMatchCh:
		if rm.Header.Member != "RemoveMatch" {
			t.Fatalf("expected RemoveMatch call, got %q", rm.Header.Member)
		}
		fb.reply(rm, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RemoveMatch call")
	}
}

func TestMethodCallStreamDispatchesAndFallsBackToUnknownMethod(t *testing.T) {
	c, fb := newFakeBusPair(t)

	iface := Exact("org.test.Iface")
	member := Exact("Handled")
	ch, cancel := c.MethodCallStream(nil, &iface, &member)
	defer cancel()

	h := &Header{
		Order:     wire.Native(),
		Type:      TypeMethodCall,
		Version:   1,
		Serial:    55,
		Path:      "/test/obj",
		Interface: "org.test.Iface",
		Member:    "Handled",
		Sender:    "org.test.caller",
	}
	raw, err := WriteMessage(h, []Value{Uint32(9)})
	if err != nil {
		t.Fatalf("marshaling call: %v", err)
	}
	if _, err := fb.conn.Write(raw); err != nil {
		t.Fatalf("writing call: %v", err)
	}

	// net.Pipe has no buffering: SendReply's write completes only once the
	// fake bus reads it below, so it runs on its own goroutine.
	sendErr := make(chan error, 1)
	select {
	case msg := <-ch:
		go func() { sendErr <- c.SendReply(msg, []Value{String("handled")}) }()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatched call")
	}

	reply, err := ReadMessage(fb.conn)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if reply.Header.Type != TypeMethodReturn || reply.Header.ReplySerial != 55 {
		t.Fatalf("unexpected reply header: %+v", reply.Header)
	}

	// A call to an unregistered member falls back to UnknownMethod.
	h2 := &Header{
		Order:     wire.Native(),
		Type:      TypeMethodCall,
		Version:   1,
		Serial:    56,
		Path:      "/test/obj",
		Interface: "org.test.Iface",
		Member:    "NotHandled",
		Sender:    "org.test.caller",
	}
	raw2, err := WriteMessage(h2, nil)
	if err != nil {
		t.Fatalf("marshaling call: %v", err)
	}
	if _, err := fb.conn.Write(raw2); err != nil {
		t.Fatalf("writing call: %v", err)
	}

	errReply, err := ReadMessage(fb.conn)
	if err != nil {
		t.Fatalf("reading error reply: %v", err)
	}
	if errReply.Header.Type != TypeError || errReply.Header.ErrorName != "org.freedesktop.DBus.Error.UnknownMethod" {
		t.Fatalf("unexpected fallback reply: %+v", errReply.Header)
	}
}

func TestCloseCancelsOutstandingCall(t *testing.T) {
	c, _ := newFakeBusPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallMethod(context.Background(), "org.test.Service", "/org/test/Object", "org.test.Iface", "NeverReplies", nil)
		errCh <- err
	}()

	// Give CallMethod a moment to register its waiter before closing.
	time.Sleep(50 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		ce, ok := err.(CallError)
		if !ok {
			t.Fatalf("error = %v (%T), want CallError", err, err)
		}
		if ce.Name != ErrConnectionClosed {
			t.Errorf("CallError.Name = %q, want %q", ce.Name, ErrConnectionClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Close to cancel the call")
	}
}
