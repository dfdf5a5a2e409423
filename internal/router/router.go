// Package router implements the per-rank request/response/event dispatch
// described in spec.md §4.3: service classification, rank forwarding, peer
// idle tracking, snoop tap, and the single-event-loop-per-rank scheduling
// model of §5.
//
// Grounded on the teacher's handleRequest dispatch switch in
// internal/broker/service.go, generalized from a flat JSON-RPC method
// switch into the service/topic classification tree this spec calls for.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxsched/flux/internal/message"
	"github.com/fluxsched/flux/internal/overlay"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventListener receives every adopted event, on the router's own event
// loop goroutine. It exists for lightweight global observers (metrics,
// audit logging) that only read; a module that needs to act on events —
// internal/kvs reacting to event.kvs.setroot.*, for instance — must instead
// use ServiceHandle.SubscribeEvents, which hands matching events to the
// module on its own task so state stays single-owner (spec.md §5).
type EventListener func(m *message.Message)

// ModuleLoader lets broker.load and broker.unload dispatch into
// internal/modhost without the router importing it (modhost already
// imports router for ServiceHandle). LoadByType takes no request:
// broker.load acks as soon as it returns. Unload's req is answered later,
// once the module's task has fully drained (spec.md §4.4).
type ModuleLoader interface {
	LoadByType(ctx context.Context, name, moduleType, path string, args map[string]any) error
	Unload(name string, req *message.Message) error
}

// Config carries the fixed identity of a rank, supplied at startup by
// internal/config.
type Config struct {
	Rank      int
	Size      int
	KAry      int
	SessionID string
}

type registeredService struct {
	name     string
	identity string
	inbound  chan *message.Message
}

type inboundMsg struct {
	source string // "parent", "child", "right", "left", "event", "module", "local"
	from   string // child identity or module name, when applicable
	msg    *message.Message
}

// inflightEntry records a broker-originated request awaiting an upstream
// reply with no identity frames of its own (Open Question 2).
type inflightEntry struct {
	// original carries the routing stack (and, if any, originating
	// identity) the eventual reply must be sent back along.
	original *message.Message
}

// Router owns one rank's service dispatch table, peer bookkeeping, and
// snoop tap. It runs a single goroutine that serializes all access to this
// state, per spec.md §5 ("no shared mutable state between the router and
// modules").
type Router struct {
	log zerolog.Logger
	cfg Config

	ov *overlay.Overlay

	inbound chan inboundMsg

	// servicesMu guards services and moduleByIdentity: RegisterService and
	// UnregisterService are called from outside the event-loop goroutine
	// (internal/modhost.awaitShutdown unregisters from its own goroutine;
	// cmd/flux-broker's metrics poller registers a probe service while Run
	// is already executing), while handleRequest and
	// deliverResponseByIdentity read both maps on the event loop itself.
	// Mirrors peerTable's plain sync.Mutex, the teacher's own
	// RWMutex-guards-shared-maps idiom in internal/broker/service.go.
	servicesMu       sync.Mutex
	services         map[string]*registeredService // service name -> module
	moduleByIdentity map[string]*registeredService

	peers *peerTable
	snoop *snoopTap

	eventSubs   map[string][]chan *message.Message // topic prefix -> subscriber channels
	eventHook   EventListener

	inflight map[string]*inflightEntry

	// lastUpstreamEpoch is the heartbeat epoch at which this rank last sent
	// anything to its parent; onHeartbeat pings upstream when it has fallen
	// behind, keeping the parent's idle counter for this rank small.
	lastUpstreamEpoch int64

	heartbeat *time.Ticker

	done chan struct{}

	loader ModuleLoader
	runCtx context.Context
}

// New constructs a Router for cfg, wired to ov for transport. Call Run to
// start the event loop.
func New(log zerolog.Logger, cfg Config, ov *overlay.Overlay) *Router {
	return &Router{
		log:              log.With().Int("rank", cfg.Rank).Logger(),
		cfg:              cfg,
		ov:               ov,
		inbound:          make(chan inboundMsg, 256),
		services:         make(map[string]*registeredService),
		moduleByIdentity: make(map[string]*registeredService),
		peers:            newPeerTable(),
		snoop:            newSnoopTap(),
		eventSubs:        make(map[string][]chan *message.Message),
		inflight:         make(map[string]*inflightEntry),
		done:             make(chan struct{}),
	}
}

// IsRoot reports whether this rank is the tree root.
func (r *Router) IsRoot() bool { return r.cfg.Rank == 0 }

// Rank returns this router's fixed rank.
func (r *Router) Rank() int { return r.cfg.Rank }

// rightIdentity is this rank's own identity as seen on the right ring
// ("rank-N"). Rank-forward loop detection does not use it: handleRankForward
// checks the payload's visited-rank list instead.
func (r *Router) rightIdentity() string {
	return fmt.Sprintf("rank-%d", r.cfg.Rank)
}

// SetEventHook installs the callback invoked for every event this rank
// adopts (root-origin or relayed from the parent), on the event loop
// goroutine. The KVS engine does not use it; it hears event.kvs.setroot.*
// through ServiceHandle.SubscribeEvents.
func (r *Router) SetEventHook(h EventListener) {
	r.eventHook = h
}

// SetModuleLoader installs the handler for broker.load and broker.unload.
func (r *Router) SetModuleLoader(loader ModuleLoader) {
	r.loader = loader
}

// SubscribeEvents registers a channel to receive adopted events whose topic
// begins with prefix (local module delivery; see spec.md §4.3 event fan-out
// step 2 and §9 "dynamic dispatch by topic").
func (r *Router) SubscribeEvents(prefix string, buffer int) <-chan *message.Message {
	ch := make(chan *message.Message, buffer)
	r.eventSubs[prefix] = append(r.eventSubs[prefix], ch)
	return ch
}

// SnoopSubscribe registers a debug tap receiving a copy of every message
// the router handles.
func (r *Router) SnoopSubscribe(buffer int) <-chan *message.Message {
	return r.snoop.Subscribe(buffer)
}

// PeerCount exposes the number of tracked peers, for metrics.
func (r *Router) PeerCount() int { return r.peers.count() }

// TouchPeer records identity as a live peer immediately. internal/modhost
// calls this at load time so a module's idle counter starts at zero rather
// than waiting for its first message (spec.md §4.4, "load ... adds the
// module as a peer"). Safe to call from outside the event loop: peerTable
// guards its own state with a mutex.
func (r *Router) TouchPeer(identity string, isModule bool) {
	r.peers.touch(identity, isModule)
}

// ServiceHandle is the module side of a registered service: Inbound
// delivers requests/events addressed to it, Send submits outbound
// requests/responses/events back through this router's event loop.
type ServiceHandle struct {
	Inbound  <-chan *message.Message
	router   *Router
	name     string
	identity string
}

// Identity returns the stable routing identity this handle was registered
// under. A module pushes this onto a Request's routing stack before
// sending it to its own service name to trigger the router's loop guard
// and have the request forwarded upstream instead of delivered locally
// (see internal/kvs, which addresses itself this way for every rank-to-rank
// operation).
func (h *ServiceHandle) Identity() string { return h.identity }

// SubscribeEvents passes through to the router so a module can react to
// adopted events on its own task instead of the router's event loop.
func (h *ServiceHandle) SubscribeEvents(prefix string, buffer int) <-chan *message.Message {
	return h.router.SubscribeEvents(prefix, buffer)
}

// IsRoot reports whether the router this handle belongs to is the tree
// root, for modules (internal/kvs) whose behavior differs at the root.
func (h *ServiceHandle) IsRoot() bool { return h.router.IsRoot() }

// Rank returns the rank of the router this handle belongs to.
func (h *ServiceHandle) Rank() int { return h.router.Rank() }

// Send submits m as originating from this module. The module's own
// identity must already be the top frame of m.Identities for any Request it
// originates upstream (the self-addressing convention that lets KVS reuse
// the router's loop guard, see DESIGN.md).
func (h *ServiceHandle) Send(m *message.Message) {
	h.router.inbound <- inboundMsg{source: "module", from: h.name, msg: m}
}

// RegisterService adds a module named name with stable identity (its UUID,
// or any caller-chosen stable string) to the dispatch table. bufSize sizes
// the inbound delivery channel.
func (r *Router) RegisterService(name, identity string, bufSize int) *ServiceHandle {
	rs := &registeredService{name: name, identity: identity, inbound: make(chan *message.Message, bufSize)}
	r.servicesMu.Lock()
	r.services[name] = rs
	r.moduleByIdentity[identity] = rs
	r.servicesMu.Unlock()
	return &ServiceHandle{Inbound: rs.inbound, router: r, name: name, identity: identity}
}

// UnregisterService removes name from the dispatch table (module host calls
// this once the module's cooperative task has drained and exited).
func (r *Router) UnregisterService(name string) {
	r.servicesMu.Lock()
	rs, ok := r.services[name]
	if ok {
		delete(r.services, name)
		delete(r.moduleByIdentity, rs.identity)
	}
	r.servicesMu.Unlock()
	if !ok {
		return
	}
	close(rs.inbound)
}

// Run starts the single cooperative event loop for this rank. It returns
// when ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	r.runCtx = ctx
	r.heartbeat = time.NewTicker(2 * time.Second)
	defer r.heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			close(r.done)
			return
		case in := <-r.inbound:
			r.handle(in)
		case <-r.heartbeat.C:
			r.onHeartbeat()
		}
	}
}

// deliverFromOverlay is the entry point wired to the overlay's handlers; it
// tags the message with its arrival source and hands it to the event loop.
func (r *Router) deliverFromOverlay(source, from string, m *message.Message) {
	r.inbound <- inboundMsg{source: source, from: from, msg: m}
}

// OnParent returns the handler to pass to overlay.New for parent traffic.
func (r *Router) OnParent() overlay.ChildHandler {
	return func(from string, m *message.Message) { r.deliverFromOverlay("parent", from, m) }
}

// OnChild returns the handler to pass to overlay.New for child traffic. It
// pushes the child's identity onto the routing stack, mirroring a ROUTER
// socket's automatic identity-frame prefix.
func (r *Router) OnChild() overlay.ChildHandler {
	return func(from string, m *message.Message) {
		m.PushIdentity(from)
		r.deliverFromOverlay("child", from, m)
	}
}

// OnRight returns the handler to pass to overlay.New for traffic arriving
// back on this rank's outbound ring connection (replies to rank-forwarded
// requests this rank sent onward).
func (r *Router) OnRight() overlay.ChildHandler {
	return func(from string, m *message.Message) { r.deliverFromOverlay("right", from, m) }
}

// OnLeft returns the handler to pass to overlay.New for rank-forward
// requests arriving from this rank's ring predecessor.
func (r *Router) OnLeft() overlay.ChildHandler {
	return func(from string, m *message.Message) { r.deliverFromOverlay("left", from, m) }
}

// OnEvent returns the handler to pass to overlay.New for events relayed
// down from the parent.
func (r *Router) OnEvent() overlay.ChildHandler {
	return func(from string, m *message.Message) { r.deliverFromOverlay("event", from, m) }
}

func (r *Router) handle(in inboundMsg) {
	r.snoop.push(in.source, in.msg)

	if in.source == "child" || in.source == "parent" || in.source == "right" {
		r.peers.touch(in.from, false)
	}

	switch in.msg.Kind {
	case message.Request:
		r.handleRequest(in)
	case message.Response:
		r.handleResponse(in)
	case message.Event:
		r.handleEvent(in.msg)
	}
}

func (r *Router) handleRequest(in inboundMsg) {
	m := in.msg
	service := m.Service()

	if service == "broker" {
		r.handleBrokerRequest(in)
		return
	}

	r.servicesMu.Lock()
	rs, ok := r.services[service]
	r.servicesMu.Unlock()
	if ok {
		top, hasTop := m.PeekIdentity()
		if !hasTop || top != rs.identity {
			rs.inbound <- m
			return
		}
		// top == this module's own identity: it is the loop guard firing
		// (the module addressed its own service name to go upstream), fall
		// through to the forward-to-parent path below.
	}

	if !r.IsRoot() {
		if err := r.sendToParent(m); err != nil {
			r.replyError(m, message.KindTransportError, err.Error())
		}
		return
	}

	r.replyError(m, message.KindServiceUnavailable, fmt.Sprintf("no handler for service %q", service))
}

func (r *Router) handleResponse(in inboundMsg) {
	m := in.msg

	_, hasTop := m.PeekIdentity()
	if !hasTop {
		r.resolveInflight(m)
		return
	}
	r.deliverResponseByIdentity(m)
}

// deliverResponseByIdentity pops the top routing-stack frame and delivers m
// either to the local module it names or, failing that, to the child
// connection it names (spec.md §4.3 "Response classification").
func (r *Router) deliverResponseByIdentity(m *message.Message) {
	top, _ := m.PeekIdentity()
	r.servicesMu.Lock()
	rs, ok := r.moduleByIdentity[top]
	r.servicesMu.Unlock()
	if ok {
		m.PopIdentity()
		rs.inbound <- m
		return
	}
	m.PopIdentity()
	if err := r.ov.SendToChild(top, m); err != nil {
		r.log.Debug().Err(err).Str("identity", top).Msg("router: response forward failed")
	}
}

func (r *Router) handleEvent(m *message.Message) {
	if r.eventHook != nil {
		r.eventHook(m)
	}
	for prefix, subs := range r.eventSubs {
		if _, ok := message.MatchPrefix(m, prefix); ok {
			for _, ch := range subs {
				select {
				case ch <- m.Clone():
				default:
				}
			}
		}
	}
	// Relay downstream to this rank's own children (tree broadcast, see
	// DESIGN.md Open Question 1), including events this rank originated.
	// A router built without an overlay has no children to relay to.
	if r.ov != nil {
		r.ov.PublishEvent(m)
	}
}

func (r *Router) replyError(m *message.Message, kind message.ErrorKind, msg string) {
	resp, err := m.Reply(&message.FluxError{Kind: kind, Message: msg})
	if err != nil {
		r.log.Error().Err(err).Msg("router: failed to build error reply")
		return
	}
	r.routeResponse(resp)
}

// routeResponse sends resp back toward its originator by popping identity
// frames the same way handleResponse does, without re-entering the inbound
// channel (used for locally synthesized error replies).
func (r *Router) routeResponse(m *message.Message) {
	r.handleResponse(inboundMsg{source: "local", msg: m})
}

func (r *Router) onHeartbeat() {
	epoch := r.peers.advance()
	if !r.IsRoot() && epoch-r.lastUpstreamEpoch > 0 {
		ping, _ := message.Encode(message.Request, "broker.ping", nil)
		ping.ID = uuid.NewString()
		r.inflight[ping.ID] = &inflightEntry{original: &message.Message{Kind: message.Request, Topic: ping.Topic}}
		if err := r.sendToParent(ping); err != nil {
			r.log.Debug().Err(err).Msg("router: heartbeat ping failed")
		}
	}
	r.log.Debug().Int64("epoch", epoch).Msg("router: heartbeat")
}

// sendToParent forwards m upstream and records that this rank has spoken to
// its parent as of the current heartbeat epoch, for onHeartbeat's idle
// check.
func (r *Router) sendToParent(m *message.Message) error {
	r.lastUpstreamEpoch = r.peers.currentEpoch()
	return r.ov.SendToParent(m)
}

// resolveInflight matches an upstream or ring reply with no identity frames
// against the table of requests this router itself forwarded on someone
// else's behalf (Open Question 2), then relays the result back toward
// whoever is actually waiting: a tree child/module (if the original request
// carried a routing stack), the left ring connection (if the original
// request was itself awaiting a ring reply), or nobody (if this router
// originated the request itself, e.g. a heartbeat ping).
func (r *Router) resolveInflight(m *message.Message) {
	entry, ok := r.inflight[m.ID]
	if !ok {
		r.log.Debug().Str("id", m.ID).Msg("router: discarding unmatched broker-internal response")
		return
	}
	delete(r.inflight, m.ID)

	reply := m.Clone()
	reply.ID = entry.original.ID
	reply.Identities = append([]string(nil), entry.original.Identities...)

	switch {
	case len(reply.Identities) > 0:
		r.deliverResponseByIdentity(reply)
	case reply.ID != "":
		if err := r.ov.SendLeft(reply); err != nil {
			r.log.Debug().Err(err).Msg("router: failed to relay reply down the ring")
		}
	default:
		// this router originated the original request; nothing to relay.
	}
}
