// Package kvs implements the distributed content-addressed key-value store:
// a globally consistent namespace maintained by the treeroot rank plus
// writeback caches at every other rank, immutable hash-addressed blobs,
// named commits, and stall-and-resume loads (spec.md §4.5).
//
// Grounded directly on original_source/zmq-broker/kvssrv.c: Engine is
// ctx_t, cacheEntry is hobj_t, writebackOp is op_t, commitEntry is
// commit_t. The stall/resume waiter-queue idiom (a map from ref to a slice
// of parked requests rather than C's continuation-holding zmsg_t list) is
// grounded on internal/storage/client.go's pending-request correlation map.
package kvs

import (
	"context"
	"errors"
	"fmt"

	"github.com/fluxsched/flux/internal/message"
	"github.com/fluxsched/flux/internal/router"
	"github.com/rs/zerolog"
)

// Engine is one rank's KVS state: the blob cache, the non-root writeback
// queue, and (at the treeroot) the pending-name set and commit history. It
// is owned exclusively by the goroutine running Run (spec.md §5
// "Shared-resource policy"); nothing else may touch it.
type Engine struct {
	log      zerolog.Logger
	isRoot   bool
	handle   *router.ServiceHandle
	identity string

	cache map[Ref]*cacheEntry

	writeback      []writebackOp
	wbState        wbState
	pendingFlushes []*message.Message

	pendingNames []nameOp
	commits      map[string]*commitEntry

	rootRef RootRef
}

// newEngine constructs an Engine bound to handle. It does not perform the
// root-fetch handshake; call init after construction.
func newEngine(log zerolog.Logger, handle *router.ServiceHandle) *Engine {
	return &Engine{
		log:      log.With().Str("module", "kvs").Logger(),
		isRoot:   handle.IsRoot(),
		handle:   handle,
		identity: handle.Identity(),
		cache:    make(map[Ref]*cacheEntry),
		commits:  make(map[string]*commitEntry),
	}
}

// NewModule returns a modhost.Func bound to log, for
// Host.RegisterFactory("kvs", kvs.NewModule(log)). args is accepted for
// symmetry with other module types but unused: the engine's behavior is
// fixed by the router's rank, not by per-instance configuration.
func NewModule(log zerolog.Logger) func(ctx context.Context, handle *router.ServiceHandle, args map[string]any) {
	return func(ctx context.Context, handle *router.ServiceHandle, args map[string]any) {
		e := newEngine(log, handle)
		e.init()
		e.run(ctx)
	}
}

// init seeds the engine's root state. The treeroot creates an empty root
// directory and sets its own sequence to 0. A non-root rank synchronously
// fetches the current root from its parent before serving any request,
// mirroring kvssrv.c's kvs_init blocking plugin_request (spec.md §4.5).
func (e *Engine) init() {
	if e.isRoot {
		empty := map[string]any{}
		ref, _, err := hashBlob(empty)
		if err != nil {
			e.log.Error().Err(err).Msg("kvs: failed to hash empty root directory")
			return
		}
		e.store(ref, empty, false)
		e.rootRef = RootRef{Seq: 0, Ref: ref}
		return
	}

	e.sendUpstream("kvs.getroot", nil)
	for m := range e.handle.Inbound {
		if m.Kind != message.Response || m.Topic != "kvs.getroot" {
			if m.Kind == message.Request {
				e.replyError(m, message.KindServiceUnavailable, "kvs: not yet initialized")
			}
			continue
		}
		var rootref string
		if err := m.UnmarshalPayload(&rootref); err != nil {
			e.log.Error().Err(err).Msg("kvs: malformed getroot reply")
			return
		}
		root, err := ParseRootRef(rootref)
		if err != nil {
			e.log.Error().Err(err).Msg("kvs: malformed rootref in getroot reply")
			return
		}
		e.setRoot(root)
		return
	}
}

// run is the engine's single cooperative event loop: requests/events
// arrive on handle.Inbound, and adopted event.kvs.setroot.* events arrive
// on a dedicated subscription so state mutation stays confined to this one
// goroutine (spec.md §5).
func (e *Engine) run(ctx context.Context) {
	var setroots <-chan *message.Message
	if !e.isRoot {
		setroots = e.handle.SubscribeEvents("event.kvs.setroot.", 32)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-e.handle.Inbound:
			if !ok {
				return
			}
			e.dispatch(m)
		case m := <-setroots:
			e.handleSetrootEvent(m)
		}
	}
}

// dispatch classifies an inbound message by topic and kind, mirroring
// kvssrv.c's kvs_recv switch.
func (e *Engine) dispatch(m *message.Message) {
	switch m.Topic {
	case "kvs.get":
		e.handleGet(m)
	case "kvs.put":
		e.handlePut(m)
	case "kvs.flush":
		if m.Kind == message.Request {
			e.handleFlush(m)
		} else {
			e.handleFlushResponse(m)
		}
	case "kvs.commit":
		if m.Kind == message.Request {
			e.handleCommit(m)
		} else {
			e.handleCommitResponse(m)
		}
	case "kvs.getroot":
		e.handleGetroot(m)
	case "kvs.dropcache":
		e.handleDropcache(m)
	case "kvs.load":
		if m.Kind == message.Request {
			e.handleLoad(m)
		} else {
			e.handleLoadResponse(m)
		}
	case "kvs.store":
		if m.Kind == message.Request {
			e.handleStore(m)
		} else {
			e.handleStoreResponse(m)
		}
	case "kvs.name":
		if m.Kind == message.Request {
			e.handleName(m)
		} else {
			e.handleNameResponse(m)
		}
	case "kvs.stats":
		e.handleStats(m)
	default:
		e.replyError(m, message.KindServiceUnavailable, fmt.Sprintf("unknown kvs method %q", m.Topic))
	}
}

// handleSetrootEvent adopts a broadcast root reference if it is newer than
// the locally held one (spec.md §4.5 "Root propagation").
func (e *Engine) handleSetrootEvent(m *message.Message) {
	tail, ok := message.MatchPrefix(m, "event.kvs.setroot.")
	if !ok || tail == "" {
		return
	}
	root, err := ParseRootRef(tail)
	if err != nil {
		e.log.Error().Err(err).Str("tail", tail).Msg("kvs: malformed setroot event")
		return
	}
	e.setRoot(root)
}

// sendUpstream originates a fresh self-addressed Request for topic/payload.
// Pushing the engine's own identity onto the routing stack triggers the
// router's loop guard (service "kvs" addressed to itself) and forwards it
// to the parent instead of delivering it back here (see
// router.ServiceHandle.Send and DESIGN.md).
func (e *Engine) sendUpstream(topic string, payload any) {
	m, err := message.Encode(message.Request, topic, payload)
	if err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("kvs: failed to build upstream request")
		return
	}
	m.PushIdentity(e.identity)
	e.handle.Send(m)
}

// reply answers m with payload, retracing its routing stack.
func (e *Engine) reply(m *message.Message, payload any) {
	resp, err := m.Reply(payload)
	if err != nil {
		e.log.Error().Err(err).Msg("kvs: failed to build reply")
		return
	}
	e.handle.Send(resp)
}

// replyError answers m with a FluxError of the given kind.
func (e *Engine) replyError(m *message.Message, kind message.ErrorKind, msg string) {
	e.reply(m, &message.FluxError{Kind: kind, Message: msg})
}

// replyErr answers m with err's FluxError kind, or InvalidArgument if err
// doesn't carry one.
func (e *Engine) replyErr(m *message.Message, err error) {
	var fe *message.FluxError
	if errors.As(err, &fe) {
		e.reply(m, fe)
		return
	}
	e.replyError(m, message.KindInvalidArgument, err.Error())
}
