package dbus

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Well-known bus-daemon coordinates every Router talks to for Hello,
// RequestName, and match-rule bookkeeping (teacher's BUS_DAEMON_* consts).
const (
	busDaemonName  = "org.freedesktop.DBus"
	busDaemonPath  = ObjectPath("/org/freedesktop/DBus")
	busDaemonIface = "org.freedesktop.DBus"
)

// pendingCall is the bookkeeping behind one in-flight method call, resolved
// exactly once by either a matching reply/error frame or a cancellation.
type pendingCall struct {
	done  chan struct{}
	once  sync.Once
	reply []interface{}
	err   error
}

func (p *pendingCall) complete(reply []interface{}, err error) {
	p.once.Do(func() {
		p.reply = reply
		p.err = err
		close(p.done)
	})
}

// Call is the caller-visible future returned by Router.Invoke (spec.md §4.1
// "a call either resolves with a reply or is cancelled"), grounded on the
// teacher's SendWithReply/replyChan pattern but made non-blocking to
// construct.
type Call struct {
	serial uint32
	router *Router
	p      *pendingCall
}

// Done returns a channel closed once the call resolves.
func (c *Call) Done() <-chan struct{} { return c.p.done }

// Value blocks until the call resolves and returns the reply body, or an
// error (a *BusError for a daemon/peer Error reply, *CancelledError if
// Cancel was called first).
func (c *Call) Value() ([]interface{}, error) {
	<-c.p.done
	return c.p.reply, c.p.err
}

// Err blocks until the call resolves and returns only its error, if any.
func (c *Call) Err() error {
	<-c.p.done
	return c.p.err
}

// Cancel abandons the call: if a reply has not yet arrived, pending callers
// of Value/Err unblock with a *CancelledError and any later-arriving reply
// is discarded (spec.md §4.1 cancellation edge case).
func (c *Call) Cancel() {
	c.router.mu.Lock()
	_, ok := c.router.pending[c.serial]
	delete(c.router.pending, c.serial)
	c.router.mu.Unlock()
	if ok {
		c.p.complete(nil, &CancelledError{})
	}
}

// Router is the single-owner message multiplexer spec.md §4.1 describes: one
// serial sequence, one pending-call table, one match-rule table, and a
// registry of locally published services it dispatches inbound calls to.
// Grounded on the teacher's Connection, restructured around Call futures
// rather than blocking SendWithReply/channel-per-path handlers.
type Router struct {
	conn       io.ReadWriteCloser
	codec      Codec
	writeMu    sync.Mutex
	lastSerial uint32 // atomic

	mu       sync.Mutex
	pending  map[uint32]*pendingCall
	matches  *matchTable
	services map[string]*Service // keyed by published well-known name

	uniqueName string
	machineID  string
	logger     Logger
	peerCreds  *PeerCredentials

	closed    chan struct{}
	closeOnce sync.Once
}

// Connect dials address, performs the SASL handshake and the Hello call,
// and starts the router's receive loop. The returned Router's UniqueName is
// populated once Hello resolves.
func Connect(ctx context.Context, address string) (*Router, error) {
	trans, err := NewTransport(address)
	if err != nil {
		return nil, err
	}
	conn, err := trans.Dial(ctx)
	if err != nil {
		return nil, wrapf(err, "dbus: dialing %s", address)
	}
	if err := authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	r := &Router{
		conn:      conn,
		codec:     NewDefaultCodec(),
		pending:   make(map[uint32]*pendingCall),
		matches:   newMatchTable(),
		services:  make(map[string]*Service),
		logger:    defaultLogger,
		closed:    make(chan struct{}),
		machineID: uuid.NewString(),
	}
	if pc, ok := trans.(peerCredentialSource); ok {
		r.peerCreds, _ = pc.PeerCredentials()
	}
	go r.receiveLoop()

	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "Hello", "", nil)
	reply, err := call.Value()
	if err != nil {
		r.Close()
		return nil, wrapf(err, "dbus: Hello")
	}
	name, _ := reply[0].(string)
	r.uniqueName = name
	return r, nil
}

// UniqueName is the connection-scoped name assigned by Hello.
func (r *Router) UniqueName() string { return r.uniqueName }

// Close shuts down the underlying transport and resolves every pending call
// with io.ErrClosedPipe.
func (r *Router) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.conn.Close()
		r.failAllPending(io.ErrClosedPipe)
	})
	return err
}

func (r *Router) failAllPending(cause error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint32]*pendingCall)
	r.mu.Unlock()
	for _, p := range pending {
		p.complete(nil, cause)
	}
}

func (r *Router) nextSerial() uint32 {
	return atomic.AddUint32(&r.lastSerial, 1)
}

// Invoke sends a method call and returns a Call future resolved by the
// matching reply. ctx cancellation cancels the Call the same way an
// explicit Call.Cancel does.
func (r *Router) Invoke(ctx context.Context, destination string, path ObjectPath, iface, member, sig string, args []interface{}) *Call {
	serial := r.nextSerial()
	msg := &Message{
		Type: TypeMethodCall, Serial: serial,
		Path: path, Interface: iface, Member: member,
		Destination: destination, Sender: r.uniqueName,
		Signature: sig, Body: args,
	}
	p := &pendingCall{done: make(chan struct{})}
	r.mu.Lock()
	r.pending[serial] = p
	r.mu.Unlock()
	call := &Call{serial: serial, router: r, p: p}

	if err := r.writeMessage(msg); err != nil {
		r.mu.Lock()
		delete(r.pending, serial)
		r.mu.Unlock()
		p.complete(nil, err)
		return call
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				call.Cancel()
			case <-p.done:
			}
		}()
	}
	return call
}

// SendSignal emits a signal with no reply correlation (spec.md §4.4/§4.6).
func (r *Router) SendSignal(path ObjectPath, iface, member, sig string, body []interface{}) error {
	msg := &Message{
		Type: TypeSignal, Serial: r.nextSerial(),
		Path: path, Interface: iface, Member: member,
		Sender: r.uniqueName, Signature: sig, Body: body,
	}
	return r.writeMessage(msg)
}

func (r *Router) sendReply(call *Message, outSig string, body []interface{}) error {
	reply := newReturn(call)
	reply.Serial = r.nextSerial()
	reply.Sender = r.uniqueName
	reply.Signature = outSig
	reply.Body = body
	return r.writeMessage(reply)
}

func (r *Router) sendError(call *Message, name, text string) error {
	reply := newError(call, name, text)
	reply.Serial = r.nextSerial()
	reply.Sender = r.uniqueName
	return r.writeMessage(reply)
}

// requestName takes its flags explicitly; RegisterService always passes
// DefaultRequestNameFlags, and no exported method takes other flags.
func (r *Router) requestName(ctx context.Context, name string, flags RequestNameFlags) (RequestNameReply, error) {
	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "RequestName", "su", []interface{}{name, uint32(flags)})
	reply, err := call.Value()
	if err != nil {
		return 0, err
	}
	code, _ := reply[0].(uint32)
	return RequestNameReply(code), nil
}

func (r *Router) releaseName(ctx context.Context, name string) error {
	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "ReleaseName", "s", []interface{}{name})
	_, err := call.Value()
	return err
}

// ListNames returns every bus name currently registered with the daemon
// (spec.md §6).
func (r *Router) ListNames(ctx context.Context) ([]string, error) {
	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "ListNames", "", nil)
	reply, err := call.Value()
	if err != nil {
		return nil, err
	}
	names, _ := reply[0].([]string)
	return names, nil
}

// GetNameOwner returns the unique connection name currently owning name.
func (r *Router) GetNameOwner(ctx context.Context, name string) (string, error) {
	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "GetNameOwner", "s", []interface{}{name})
	reply, err := call.Value()
	if err != nil {
		return "", err
	}
	owner, _ := reply[0].(string)
	return owner, nil
}

// GetConnectionUnixUser returns the uid of the process that owns busName.
func (r *Router) GetConnectionUnixUser(ctx context.Context, busName string) (uint32, error) {
	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "GetConnectionUnixUser", "s", []interface{}{busName})
	reply, err := call.Value()
	if err != nil {
		return 0, err
	}
	uid, _ := reply[0].(uint32)
	return uid, nil
}

// GetConnectionUnixProcessID returns the pid of the process that owns
// busName.
func (r *Router) GetConnectionUnixProcessID(ctx context.Context, busName string) (uint32, error) {
	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "GetConnectionUnixProcessID", "s", []interface{}{busName})
	reply, err := call.Value()
	if err != nil {
		return 0, err
	}
	pid, _ := reply[0].(uint32)
	return pid, nil
}

// GetId returns the daemon's machine-unique bus id.
func (r *Router) GetId(ctx context.Context) (string, error) {
	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "GetId", "", nil)
	reply, err := call.Value()
	if err != nil {
		return "", err
	}
	id, _ := reply[0].(string)
	return id, nil
}

// UpdateActivationEnvironment sets environment variables the daemon passes
// to services it activates on demand.
func (r *Router) UpdateActivationEnvironment(ctx context.Context, env map[string]string) error {
	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "UpdateActivationEnvironment", "a{ss}", []interface{}{env})
	_, err := call.Value()
	return err
}

// PeerCredentials returns the unix uid/pid of the process at the other end
// of this connection's transport, retrieved via SO_PEERCRED when the
// underlying transport is a unix socket (spec.md §4.9). sender is accepted
// for symmetry with GetConnectionUnixUser/GetConnectionUnixProcessID, which
// are the right calls for an arbitrary D-Bus peer's credentials: a single
// daemon-multiplexed connection only ever exposes its own socket peer (the
// daemon itself) at the transport layer, regardless of which sender a
// message names.
func (r *Router) PeerCredentials(sender string) (*PeerCredentials, error) {
	if r.peerCreds == nil {
		return nil, &ProtocolError{Reason: "peer credentials not available on this transport"}
	}
	return r.peerCreds, nil
}

// RegisterService requests ownership of svc.Name with spec.md §6's default
// flags (REPLACE_EXISTING|DO_NOT_QUEUE), then publishes the tree: every
// interface already attached is marked exposed, firing any OnExposedOnBus
// callbacks (spec.md §4.6).
func (r *Router) RegisterService(ctx context.Context, svc *Service) error {
	if err := ValidateBusName(svc.Name); err != nil {
		return err
	}
	reply, err := r.requestName(ctx, svc.Name, DefaultRequestNameFlags)
	if err != nil {
		return err
	}
	if reply != NameReplyPrimaryOwner && reply != NameReplyAlreadyOwner {
		return &RequestNameError{Name: svc.Name, Result: reply}
	}

	r.mu.Lock()
	r.services[svc.Name] = svc
	r.mu.Unlock()

	svc.mu.Lock()
	svc.router = r
	svc.exposed = true
	svc.mu.Unlock()

	markSubtreeExposed(svc.root, svc)
	return nil
}

func markSubtreeExposed(node *ObjectNode, svc *Service) {
	node.mu.Lock()
	ifaces := make([]*Interface, 0, len(node.interfaces))
	for _, iface := range node.interfaces {
		ifaces = append(ifaces, iface)
	}
	children := node.sortedChildrenLocked()
	node.mu.Unlock()
	for _, iface := range ifaces {
		iface.markExposed(svc)
	}
	for _, c := range children {
		markSubtreeExposed(c, svc)
	}
}

// UnregisterService releases svc's well-known name and stops routing calls
// to it; the in-memory object tree is left intact for the caller to reuse.
func (r *Router) UnregisterService(ctx context.Context, svc *Service) error {
	r.mu.Lock()
	delete(r.services, svc.Name)
	r.mu.Unlock()
	svc.mu.Lock()
	svc.exposed = false
	svc.mu.Unlock()
	return r.releaseName(ctx, svc.Name)
}

// AddMatch subscribes cb to signals matching rule, issuing the daemon-side
// AddMatch call only the first time this exact rule string is requested
// (spec.md §5 refcounting).
func (r *Router) AddMatch(ctx context.Context, rule *MatchRule, cb SignalCallback) (*MatchSubscription, error) {
	sub := &MatchSubscription{rule: rule, cb: cb, key: rule.key()}
	r.mu.Lock()
	needsDaemon := r.matches.add(sub)
	r.mu.Unlock()
	if needsDaemon {
		call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "AddMatch", "s", []interface{}{rule.String()})
		if _, err := call.Value(); err != nil {
			r.mu.Lock()
			r.matches.remove(sub)
			r.mu.Unlock()
			return nil, err
		}
	}
	return sub, nil
}

// RemoveMatch cancels sub, issuing the daemon-side RemoveMatch only once
// the last subscriber sharing its rule string has gone.
func (r *Router) RemoveMatch(ctx context.Context, sub *MatchSubscription) error {
	r.mu.Lock()
	noLongerNeeded := r.matches.remove(sub)
	r.mu.Unlock()
	if !noLongerNeeded {
		return nil
	}
	call := r.Invoke(ctx, busDaemonName, busDaemonPath, busDaemonIface, "RemoveMatch", "s", []interface{}{sub.rule.String()})
	_, err := call.Value()
	return err
}

func (r *Router) receiveLoop() {
	for {
		msg, err := r.readMessage()
		if err != nil {
			if err != io.EOF {
				r.logger.Errorf("dbus: read loop terminating: %v", err)
			}
			r.failAllPending(err)
			return
		}
		r.dispatch(msg)
	}
}

func (r *Router) dispatch(msg *Message) {
	switch msg.Type {
	case TypeMethodReturn, TypeError:
		r.mu.Lock()
		p, ok := r.pending[msg.ReplySerial]
		if ok {
			delete(r.pending, msg.ReplySerial)
		}
		r.mu.Unlock()
		if !ok {
			r.logger.Debugf("dbus: dropping reply to unknown serial %d from %s", msg.ReplySerial, msg.Sender)
			return
		}
		if msg.Type == TypeError {
			p.complete(nil, msg.AsError())
		} else {
			p.complete(msg.Body, nil)
		}
	case TypeSignal:
		r.mu.Lock()
		subs := r.matches.findMatches(msg)
		r.mu.Unlock()
		for _, s := range subs {
			s.cb(msg)
		}
	case TypeMethodCall:
		r.dispatchCall(msg)
	default:
		r.logger.Warnf("dbus: dropping message of unknown type from %s", msg.Sender)
	}
}

// dispatchCall resolves msg against a locally registered service's object
// tree and replies, implementing spec.md §4.2's lookup order: unknown
// service, then unknown object, then the four standard interfaces, then
// the node's own interfaces, falling back to UnknownInterface/UnknownMethod.
func (r *Router) dispatchCall(msg *Message) {
	r.mu.Lock()
	svc, ok := r.services[msg.Destination]
	r.mu.Unlock()
	if !ok {
		r.sendError(msg, ErrNameUnknownService, "no such service: "+msg.Destination)
		return
	}
	node, err := svc.resolvePath(msg.Path)
	if err != nil {
		r.sendError(msg, ErrNameUnknownObject, err.Error())
		return
	}

	handled, outSig, body, err := dispatchStandardInterface(node, msg.Interface, msg.Member, msg.Body)
	if handled {
		r.replyOrError(msg, outSig, body, err)
		return
	}

	iface, err := node.Interface(msg.Interface)
	if err != nil {
		r.sendError(msg, ErrNameUnknownInterface, err.Error())
		return
	}
	impl, ok := iface.method(msg.Member)
	if !ok {
		r.sendError(msg, ErrNameUnknownMethod, "no such method: "+msg.Interface+"."+msg.Member)
		return
	}
	highArgs, err := marshalMethodArgs(iface, msg.Member, msg.Body)
	if err != nil {
		r.replyOrError(msg, "", nil, err)
		return
	}
	results, err := impl(context.Background(), highArgs)
	if err != nil {
		r.replyOrError(msg, "", nil, err)
		return
	}
	outSig, wireBody, err := marshalMethodResults(iface, msg.Member, results)
	r.replyOrError(msg, outSig, wireBody, err)
}

func (r *Router) replyOrError(call *Message, outSig string, body []interface{}, err error) {
	if err == nil {
		if sendErr := r.sendReply(call, outSig, body); sendErr != nil {
			r.logger.Errorf("dbus: sending reply to %s: %v", call, sendErr)
		}
		return
	}
	name, text := errorToDBusName(err)
	if sendErr := r.sendError(call, name, text); sendErr != nil {
		r.logger.Errorf("dbus: sending error reply to %s: %v", call, sendErr)
	}
}

// errorToDBusName maps an error returned by a MethodImpl (or by
// dispatchStandardInterface) onto a D-Bus error name/text pair.
func errorToDBusName(err error) (name, text string) {
	switch e := err.(type) {
	case *BusError:
		return e.Name, e.Text
	case *PropertyAccessError:
		return e.DBusName, e.Error()
	case *UserError:
		return e.dbusName(), e.Error()
	default:
		return "org.freedesktop.DBus.Error.Failed", err.Error()
	}
}

func marshalMethodArgs(iface *Interface, member string, body []interface{}) ([]interface{}, error) {
	desc, ok := iface.descriptor.Methods[member]
	if !ok {
		return nil, errorfMissingMethodDescriptor(iface.descriptor.Name, member)
	}
	if len(body) != len(desc.InSig) {
		return nil, &ProtocolError{Reason: "method " + iface.descriptor.Name + "." + member + ": wrong arg count"}
	}
	high := make([]interface{}, len(body))
	for i, v := range body {
		hv, err := MarshalToHigh(v, desc.InSig[i])
		if err != nil {
			return nil, err
		}
		high[i] = hv
	}
	return high, nil
}

func marshalMethodResults(iface *Interface, member string, results []interface{}) (string, []interface{}, error) {
	desc, ok := iface.descriptor.Methods[member]
	if !ok {
		return "", nil, errorfMissingMethodDescriptor(iface.descriptor.Name, member)
	}
	if len(results) != len(desc.OutSig) {
		return "", nil, &ProtocolError{Reason: "method " + iface.descriptor.Name + "." + member + ": returned wrong arg count"}
	}
	body := make([]interface{}, len(results))
	for i, v := range results {
		mv, err := HighToMarshal(v, desc.OutSig[i])
		if err != nil {
			return "", nil, err
		}
		body[i] = mv
	}
	return JoinSignatures(desc.OutSig), body, nil
}

func errorfMissingMethodDescriptor(ifaceName, member string) error {
	return &ProtocolError{Reason: "no MethodDescriptor for " + ifaceName + "." + member}
}

// wireHeader mirrors Message with Body stripped out, gob-encoded
// separately from the body so the body can go through Codec instead
// (spec.md explicit Non-goal: exact wire byte layout). Grounded on the
// teacher's fixed binary header followed by a body blob.
type wireHeader struct {
	Type        MessageType
	Flags       MessageFlag
	Serial      uint32
	ReplySerial uint32
	Path        ObjectPath
	Interface   string
	Member      string
	Destination string
	Sender      string
	ErrorName   string
	Signature   string
}

func (r *Router) writeMessage(msg *Message) error {
	h := wireHeader{
		Type: msg.Type, Flags: msg.Flags, Serial: msg.Serial, ReplySerial: msg.ReplySerial,
		Path: msg.Path, Interface: msg.Interface, Member: msg.Member,
		Destination: msg.Destination, Sender: msg.Sender, ErrorName: msg.ErrorName,
		Signature: msg.Signature,
	}
	var headerBuf bytes.Buffer
	if err := gob.NewEncoder(&headerBuf).Encode(&h); err != nil {
		return wrapf(err, "dbus: encoding message header")
	}
	bodyBytes, err := r.codec.Marshal(msg.Signature, msg.Body)
	if err != nil {
		return wrapf(err, "dbus: encoding message body")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := writeFrame(r.conn, headerBuf.Bytes()); err != nil {
		return wrapf(err, "dbus: writing message header frame")
	}
	if err := writeFrame(r.conn, bodyBytes); err != nil {
		return wrapf(err, "dbus: writing message body frame")
	}
	return nil
}

func (r *Router) readMessage() (*Message, error) {
	headerBytes, err := readFrame(r.conn)
	if err != nil {
		return nil, err
	}
	var h wireHeader
	if err := gob.NewDecoder(bytes.NewReader(headerBytes)).Decode(&h); err != nil {
		return nil, wrapf(err, "dbus: decoding message header")
	}
	bodyBytes, err := readFrame(r.conn)
	if err != nil {
		return nil, wrapf(err, "dbus: reading message body frame")
	}
	body, err := r.codec.Unmarshal(h.Signature, bodyBytes)
	if err != nil {
		return nil, wrapf(err, "dbus: decoding message body")
	}
	return &Message{
		Type: h.Type, Flags: h.Flags, Serial: h.Serial, ReplySerial: h.ReplySerial,
		Path: h.Path, Interface: h.Interface, Member: h.Member,
		Destination: h.Destination, Sender: h.Sender, ErrorName: h.ErrorName,
		Signature: h.Signature, Body: body,
	}, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
