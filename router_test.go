package dbus

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRouter builds a Router directly over conn, skipping Connect's SASL
// handshake and Hello call so router_test.go can drive serial/dispatch logic
// against an in-process fake peer (net.Pipe) without a real bus daemon.
func newTestRouter(conn net.Conn, uniqueName string) *Router {
	return &Router{
		conn:       conn,
		codec:      NewDefaultCodec(),
		pending:    make(map[uint32]*pendingCall),
		matches:    newMatchTable(),
		services:   make(map[string]*Service),
		logger:     defaultLogger,
		closed:     make(chan struct{}),
		uniqueName: uniqueName,
	}
}

// TestRouterInvokeResolvesOnReply exercises spec.md §8 universal invariant 1:
// every Invoke's serial is unique and its Call resolves exactly once, driven
// by a matching MethodReturn from the peer side of a net.Pipe.
func TestRouterInvokeResolvesOnReply(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	client := newTestRouter(c1, ":1.1")
	peer := newTestRouter(c2, ":1.2")
	go client.receiveLoop()

	callCh := make(chan *Call, 1)
	go func() {
		callCh <- client.Invoke(context.Background(), "com.example.Dest", "/obj", "com.example.Iface", "Method", "s", []interface{}{"hi"})
	}()

	msg, err := peer.readMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeMethodCall, msg.Type)
	assert.Equal(t, "com.example.Iface", msg.Interface)
	assert.Equal(t, "Method", msg.Member)
	assert.Equal(t, []interface{}{"hi"}, msg.Body)

	reply := newReturn(msg)
	reply.Signature = "s"
	reply.Body = []interface{}{"ok"}
	require.NoError(t, peer.writeMessage(reply))

	call := <-callCh
	val, err := call.Value()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"ok"}, val)
}

func TestRouterInvokeResolvesOnError(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	client := newTestRouter(c1, ":1.1")
	peer := newTestRouter(c2, ":1.2")
	go client.receiveLoop()

	callCh := make(chan *Call, 1)
	go func() {
		callCh <- client.Invoke(context.Background(), "com.example.Dest", "/obj", "com.example.Iface", "Boom", "", nil)
	}()

	msg, err := peer.readMessage()
	require.NoError(t, err)

	errReply := newError(msg, "com.example.Error.Boom", "kaboom")
	require.NoError(t, peer.writeMessage(errReply))

	call := <-callCh
	_, err = call.Value()
	require.Error(t, err)
	var busErr *BusError
	require.ErrorAs(t, err, &busErr)
	assert.Equal(t, "com.example.Error.Boom", busErr.Name)
	assert.Equal(t, "kaboom", busErr.Text)
}

// TestRouterCallCancelUnblocksValue exercises the cancellation edge case: a
// reply that arrives after Cancel is discarded, and Value returns
// *CancelledError instead of blocking forever.
func TestRouterCallCancelUnblocksValue(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	client := newTestRouter(c1, ":1.1")
	peer := newTestRouter(c2, ":1.2")
	go client.receiveLoop()
	go peer.readMessage() // drains the outbound call so Invoke's write can complete

	call := client.Invoke(context.Background(), "com.example.Dest", "/obj", "com.example.Iface", "Slow", "", nil)
	call.Cancel()

	_, err := call.Value()
	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
}

// TestRouterDispatchCallRunsRegisteredMethod exercises spec.md §4.2's lookup
// order for an incoming method call against a locally registered service.
func TestRouterDispatchCallRunsRegisteredMethod(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	server := newTestRouter(c1, ":1.1")
	peer := newTestRouter(c2, ":1.2")

	svc := NewService("com.example.Svc")
	desc := NewInterfaceDescriptor("com.example.Greeter")
	desc.Methods["Hello"] = &MethodDescriptor{Name: "Hello", InSig: mustParseTestSig("s"), OutSig: mustParseTestSig("s")}
	iface := NewInterface(desc)
	iface.SetMethod("Hello", func(ctx context.Context, args []interface{}) ([]interface{}, error) {
		who, _ := args[0].(string)
		return []interface{}{"Hello, " + who + "!"}, nil
	})
	svc.Root().AddInterface(iface)
	server.services[svc.Name] = svc
	svc.router = server
	svc.exposed = true

	go server.receiveLoop()

	call := &Message{
		Type: TypeMethodCall, Serial: 7,
		Path: "/", Interface: "com.example.Greeter", Member: "Hello",
		Destination: "com.example.Svc", Sender: ":1.2",
		Signature: "s", Body: []interface{}{"World"},
	}
	require.NoError(t, peer.writeMessage(call))

	reply, err := peer.readMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeMethodReturn, reply.Type)
	assert.Equal(t, uint32(7), reply.ReplySerial)
	assert.Equal(t, []interface{}{"Hello, World!"}, reply.Body)
}

func TestRouterDispatchCallUnknownService(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	server := newTestRouter(c1, ":1.1")
	peer := newTestRouter(c2, ":1.2")
	go server.receiveLoop()

	call := &Message{
		Type: TypeMethodCall, Serial: 1,
		Path: "/", Interface: "com.example.Greeter", Member: "Hello",
		Destination: "com.example.NoSuchService", Sender: ":1.2",
	}
	require.NoError(t, peer.writeMessage(call))

	reply, err := peer.readMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, ErrNameUnknownService, reply.ErrorName)
}

// TestRouterSignalFanOut exercises §5's match-rule bucket lookup: a signal
// matching a wildcard subscription reaches its callback exactly once.
func TestRouterSignalFanOut(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	client := newTestRouter(c1, ":1.1")
	peer := newTestRouter(c2, ":1.2")
	go client.receiveLoop()

	var mu sync.Mutex
	var received *Message
	done := make(chan struct{})
	sub := &MatchSubscription{
		rule: &MatchRule{Type: TypeSignal, Interface: "com.example.Foo", Member: "Changed"},
		cb: func(m *Message) {
			mu.Lock()
			received = m
			mu.Unlock()
			close(done)
		},
	}
	sub.key = sub.rule.key()
	client.matches.add(sub)

	sig := newSignal("/obj", "com.example.Foo", "Changed")
	sig.Serial = 1
	sig.Sender = ":1.2"
	require.NoError(t, peer.writeMessage(sig))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received)
	assert.Equal(t, "Changed", received.Member)
}

// TestRouterListNamesUnwrapsNativeReply exercises the daemon-call wrapper
// convention (spec.md §6): the reply body carries a plain []string, not a
// ValueBridge-translated form, since these calls target the bus daemon
// itself rather than a locally registered service.
func TestRouterListNamesUnwrapsNativeReply(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	client := newTestRouter(c1, ":1.1")
	peer := newTestRouter(c2, ":1.2")
	go client.receiveLoop()

	resultCh := make(chan []string, 1)
	errCh := make(chan error, 1)
	go func() {
		names, err := client.ListNames(context.Background())
		resultCh <- names
		errCh <- err
	}()

	msg, err := peer.readMessage()
	require.NoError(t, err)
	assert.Equal(t, busDaemonIface, msg.Interface)
	assert.Equal(t, "ListNames", msg.Member)

	reply := newReturn(msg)
	reply.Signature = "as"
	reply.Body = []interface{}{[]string{"org.freedesktop.DBus", ":1.1"}}
	require.NoError(t, peer.writeMessage(reply))

	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"org.freedesktop.DBus", ":1.1"}, <-resultCh)
}

func TestRouterGetNameOwnerUnwrapsNativeReply(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	client := newTestRouter(c1, ":1.1")
	peer := newTestRouter(c2, ":1.2")
	go client.receiveLoop()

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		owner, err := client.GetNameOwner(context.Background(), "com.example.Svc")
		resultCh <- owner
		errCh <- err
	}()

	msg, err := peer.readMessage()
	require.NoError(t, err)
	assert.Equal(t, "GetNameOwner", msg.Member)
	assert.Equal(t, []interface{}{"com.example.Svc"}, msg.Body)

	reply := newReturn(msg)
	reply.Signature = "s"
	reply.Body = []interface{}{":1.42"}
	require.NoError(t, peer.writeMessage(reply))

	require.NoError(t, <-errCh)
	assert.Equal(t, ":1.42", <-resultCh)
}

// TestRouterPeerCredentialsUnavailableOverFakeTransport confirms
// PeerCredentials errors rather than panicking when the Router wasn't
// constructed through Connect's unix-transport path (net.Pipe is not a
// unix socket, so no peerCredentialSource ever populates r.peerCreds).
func TestRouterPeerCredentialsUnavailableOverFakeTransport(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	client := newTestRouter(c1, ":1.1")

	_, err := client.PeerCredentials(":1.2")
	require.Error(t, err)
}

func mustParseTestSig(s string) []*SignatureTree {
	trees, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return trees
}
