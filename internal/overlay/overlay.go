// Package overlay implements the per-rank sockets of the broker tree:
// a parent (DEALER-like) connection, a child (ROUTER-like) listener, a
// right-sibling connection for rank forwarding, and an event fan-out that
// mirrors the parent/child graph (tree broadcast, see DESIGN.md Open
// Question 1).
//
// Grounded on internal/broker/service.go (accept loop, per-connection
// goroutine, dynamic listener port capture) and internal/client/broker.go
// (persistent dial with a receive-loop goroutine) of the teacher repo.
package overlay

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/fluxsched/flux/internal/message"
	"github.com/rs/zerolog"
)

// ChildHandler is invoked for every message received from a child or from
// the event subscriber set; identity is the child's routing identity.
type ChildHandler func(identity string, m *message.Message)

// Overlay owns a rank's parent, child, right, and event endpoints.
type Overlay struct {
	log  zerolog.Logger
	rank int

	parents *parentList

	childMu       sync.RWMutex
	childListener net.Listener
	childConns    map[string]*conn // identity -> connection
	childURI      string

	right    *conn
	rightURI string

	leftMu       sync.RWMutex
	leftListener net.Listener
	left         *conn
	leftURI      string

	eventMu        sync.RWMutex
	eventListener  net.Listener   // root / intermediate: children's event dials land here
	eventSubs      map[string]*conn
	eventUpstream  *conn // non-root: connection to parent's event endpoint
	eventURI       string

	onParent ChildHandler // messages arriving from the active parent
	onChild  ChildHandler // messages arriving from a child
	onRight  ChildHandler // replies arriving back on the outbound ring connection
	onLeft   ChildHandler // rank-forward requests arriving from the ring predecessor
	onEvent  ChildHandler // events arriving from upstream, to relay + deliver locally
}

// New constructs an Overlay for rank, wiring the supplied handlers for each
// endpoint's inbound traffic. Handlers must not block.
func New(log zerolog.Logger, rank int, onParent, onChild, onRight, onLeft, onEvent ChildHandler) *Overlay {
	return &Overlay{
		log:        log.With().Int("rank", rank).Logger(),
		rank:       rank,
		parents:    newParentList(),
		childConns: make(map[string]*conn),
		eventSubs:  make(map[string]*conn),
		onParent:   onParent,
		onChild:    onChild,
		onRight:    onRight,
		onLeft:     onLeft,
		onEvent:    onEvent,
	}
}

func normalizeURI(uri string) (network, addr string, wildcard bool) {
	addr = strings.TrimPrefix(uri, "tcp://")
	if strings.Contains(addr, "*") {
		addr = strings.ReplaceAll(addr, "*", "0")
		wildcard = true
	}
	return "tcp", addr, wildcard
}

// ConnectParent dials uri and installs it as the new active parent. See
// reparent.go for the full reparenting sequence; this is used for the
// initial connection at startup.
func (o *Overlay) ConnectParent(uri string) error {
	return o.Reparent(uri)
}

// BindChild listens for child connections on uri (ROUTER role: many
// incoming connections, identified by a handshake's first frame). Returns
// the bound URI (with the OS-assigned port filled in, if uri was a wildcard).
func (o *Overlay) BindChild(uri string) (string, error) {
	network, addr, _ := normalizeURI(uri)
	l, err := net.Listen(network, addr)
	if err != nil {
		return "", fmt.Errorf("overlay: bind child %s: %w", uri, err)
	}
	o.childMu.Lock()
	o.childListener = l
	o.childURI = listenerAddr(l)
	o.childMu.Unlock()

	go o.acceptChildren(l)
	return o.childURI, nil
}

func (o *Overlay) acceptChildren(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			o.log.Debug().Err(err).Msg("overlay: child listener closed")
			return
		}
		go o.handleChildConn(nc)
	}
}

// handleChildConn reads the identity handshake frame (a request whose first
// and only identity is the child's own id) then enters the receive loop,
// tagging every subsequent message with that identity.
func (o *Overlay) handleChildConn(nc net.Conn) {
	c := newConn(fmt.Sprintf("child-%p", nc), nc)
	defer c.close()

	var identity string
	err := c.recvLoop(func(m *message.Message) {
		if identity == "" {
			id, ok := m.PeekIdentity()
			if ok {
				identity = id
				o.childMu.Lock()
				o.childConns[identity] = c
				o.childMu.Unlock()
			}
		}
		o.onChild(identity, m)
	})
	if identity != "" {
		o.childMu.Lock()
		delete(o.childConns, identity)
		o.childMu.Unlock()
	}
	if err != nil {
		o.log.Debug().Err(err).Str("identity", identity).Msg("overlay: child connection ended")
	}
}

// SendToChild routes m to the child connection registered under identity.
func (o *Overlay) SendToChild(identity string, m *message.Message) error {
	o.childMu.RLock()
	c, ok := o.childConns[identity]
	o.childMu.RUnlock()
	if !ok {
		return fmt.Errorf("overlay: no child connection for identity %q", identity)
	}
	return c.send(m)
}

// ConnectRight dials the right sibling for rank forwarding.
func (o *Overlay) ConnectRight(uri string) error {
	network, addr, _ := normalizeURI(uri)
	nc, err := net.Dial(network, addr)
	if err != nil {
		return fmt.Errorf("overlay: connect right %s: %w", uri, err)
	}
	c := newConn("right", nc)
	o.right = c
	o.rightURI = uri
	go func() {
		if err := c.recvLoop(func(m *message.Message) { o.onRight("right", m) }); err != nil {
			o.log.Debug().Err(err).Msg("overlay: right connection ended")
		}
	}()
	return nil
}

// SendRight forwards m to the right sibling. Returns TransportError-shaped
// failure via a plain error if no right sibling is configured.
func (o *Overlay) SendRight(m *message.Message) error {
	if o.right == nil {
		return fmt.Errorf("overlay: no right sibling connected")
	}
	return o.right.send(m)
}

// BindLeft accepts the single incoming connection from this rank's ring
// predecessor (the rank that calls ConnectRight with our URI). Rank-forward
// requests arrive here; replies for requests this rank forwarded onward are
// sent back out over this same connection via SendLeft.
func (o *Overlay) BindLeft(uri string) (string, error) {
	network, addr, _ := normalizeURI(uri)
	l, err := net.Listen(network, addr)
	if err != nil {
		return "", fmt.Errorf("overlay: bind left %s: %w", uri, err)
	}
	o.leftMu.Lock()
	o.leftListener = l
	o.leftURI = listenerAddr(l)
	o.leftMu.Unlock()

	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		c := newConn("left", nc)
		o.leftMu.Lock()
		o.left = c
		o.leftMu.Unlock()
		if err := c.recvLoop(func(m *message.Message) { o.onLeft("left", m) }); err != nil {
			o.log.Debug().Err(err).Msg("overlay: left connection ended")
		}
	}()
	return o.leftURI, nil
}

// SendLeft sends m back over the ring-predecessor connection accepted by
// BindLeft.
func (o *Overlay) SendLeft(m *message.Message) error {
	o.leftMu.RLock()
	c := o.left
	o.leftMu.RUnlock()
	if c == nil {
		return fmt.Errorf("overlay: no left ring connection accepted yet")
	}
	return c.send(m)
}

// LeftURI returns the bound left endpoint URI (after wildcard resolution).
func (o *Overlay) LeftURI() string {
	o.leftMu.RLock()
	defer o.leftMu.RUnlock()
	return o.leftURI
}

// BindEvent opens this rank's event endpoint: a PUB role where its
// children (or direct subscribers) connect to receive published and
// relayed events. Every rank binds one, not only the tree root.
func (o *Overlay) BindEvent(uri string) (string, error) {
	network, addr, _ := normalizeURI(uri)
	l, err := net.Listen(network, addr)
	if err != nil {
		return "", fmt.Errorf("overlay: bind event %s: %w", uri, err)
	}
	o.eventMu.Lock()
	o.eventListener = l
	o.eventURI = listenerAddr(l)
	o.eventMu.Unlock()

	go o.acceptEventSubs(l)
	return o.eventURI, nil
}

func (o *Overlay) acceptEventSubs(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		id := fmt.Sprintf("sub-%p", nc)
		c := newConn(id, nc)
		o.eventMu.Lock()
		o.eventSubs[id] = c
		o.eventMu.Unlock()
		go func() {
			c.recvLoop(func(m *message.Message) {}) // event subscribers don't send
			o.eventMu.Lock()
			delete(o.eventSubs, id)
			o.eventMu.Unlock()
		}()
	}
}

// ConnectEvent dials the parent's event endpoint (non-root ranks): every
// event arriving upstream is relayed to onEvent, which the router uses to
// both deliver locally and re-broadcast to this rank's own event listener
// (tree fan-out, see DESIGN.md Open Question 1).
func (o *Overlay) ConnectEvent(uri string) error {
	network, addr, _ := normalizeURI(uri)
	nc, err := net.Dial(network, addr)
	if err != nil {
		return fmt.Errorf("overlay: connect event %s: %w", uri, err)
	}
	c := newConn("event-upstream", nc)
	o.eventMu.Lock()
	o.eventUpstream = c
	o.eventMu.Unlock()
	go func() {
		if err := c.recvLoop(func(m *message.Message) { o.onEvent("event-upstream", m) }); err != nil {
			o.log.Debug().Err(err).Msg("overlay: event upstream connection ended")
		}
	}()
	return nil
}

// PublishEvent fans m out to every connected event subscriber (this rank's
// children and any direct local subscribers registered as event subs).
func (o *Overlay) PublishEvent(m *message.Message) {
	o.eventMu.RLock()
	subs := make([]*conn, 0, len(o.eventSubs))
	for _, c := range o.eventSubs {
		subs = append(subs, c)
	}
	o.eventMu.RUnlock()

	for _, c := range subs {
		if err := c.send(m); err != nil {
			o.log.Debug().Err(err).Msg("overlay: event publish to subscriber failed")
		}
	}
}

// ChildURI returns the bound child endpoint URI (after wildcard resolution).
func (o *Overlay) ChildURI() string {
	o.childMu.RLock()
	defer o.childMu.RUnlock()
	return o.childURI
}

// EventURI returns the bound event endpoint URI (after wildcard resolution).
func (o *Overlay) EventURI() string {
	o.eventMu.RLock()
	defer o.eventMu.RUnlock()
	return o.eventURI
}

// Close tears down all endpoints owned by this overlay.
func (o *Overlay) Close() {
	o.parents.closeAll()

	o.childMu.Lock()
	if o.childListener != nil {
		o.childListener.Close()
	}
	for _, c := range o.childConns {
		c.close()
	}
	o.childMu.Unlock()

	if o.right != nil {
		o.right.close()
	}

	o.leftMu.Lock()
	if o.leftListener != nil {
		o.leftListener.Close()
	}
	if o.left != nil {
		o.left.close()
	}
	o.leftMu.Unlock()

	o.eventMu.Lock()
	if o.eventListener != nil {
		o.eventListener.Close()
	}
	for _, c := range o.eventSubs {
		c.close()
	}
	if o.eventUpstream != nil {
		o.eventUpstream.close()
	}
	o.eventMu.Unlock()
}
