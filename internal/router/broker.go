package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fluxsched/flux/internal/message"
	"github.com/google/uuid"
)

// handleBrokerRequest dispatches the "broker" service's built-in methods:
// getattr, ping, publish, and rank_forward (spec.md §4.3, §6).
func (r *Router) handleBrokerRequest(in inboundMsg) {
	m := in.msg
	switch m.Topic {
	case "broker.getattr":
		r.handleGetattr(m)
	case "broker.ping":
		reply, _ := m.Reply(map[string]int{"rank": r.cfg.Rank})
		r.routeResponse(reply)
	case "broker.publish":
		r.handlePublish(m)
	case "broker.rank_forward":
		r.handleRankForward(m)
	case "broker.load":
		r.handleLoad(m)
	case "broker.unload":
		r.handleUnload(m)
	default:
		r.replyError(m, message.KindServiceUnavailable, fmt.Sprintf("unknown broker method %q", m.Topic))
	}
}

type getattrParams struct {
	Attr string `json:"attr"`
}

// snoopURI is a synthetic identifier for the dynamically bound debug tap;
// the core exposes only the local channel-based snoop (see snoop.go), so
// this names it without implying a real network listener.
func (r *Router) snoopURI() string {
	return fmt.Sprintf("inproc://snoop/rank-%d", r.cfg.Rank)
}

func (r *Router) handleGetattr(m *message.Message) {
	var p getattrParams
	if err := m.UnmarshalPayload(&p); err != nil {
		r.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}

	var value any
	switch p.Attr {
	case "broker.snoop-uri":
		value = r.snoopURI()
	case "broker.rank":
		value = r.cfg.Rank
	case "broker.size":
		value = r.cfg.Size
	case "broker.session-id":
		value = r.cfg.SessionID
	default:
		r.replyError(m, message.KindNotFound, fmt.Sprintf("no such attribute %q", p.Attr))
		return
	}

	reply, _ := m.Reply(map[string]any{"value": value})
	r.routeResponse(reply)
}

type publishParams struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handlePublish implements spec.md §4.3 event fan-out. At the root: publish
// globally, copy to local snoop/event delivery, invoke the hook, and ack
// the caller. At non-root: forward upstream as a Request and ack only once
// the root's response arrives (tracked via the in-flight table, Open
// Question 2, since the forwarded request carries no identity frames of its
// own).
func (r *Router) handlePublish(m *message.Message) {
	var p publishParams
	if err := m.UnmarshalPayload(&p); err != nil {
		r.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}

	if r.IsRoot() {
		event := &message.Message{Kind: message.Event, Topic: p.Topic, Payload: p.Payload}
		r.handleEvent(event)
		reply, _ := m.Reply(map[string]bool{"ok": true})
		r.routeResponse(reply)
		return
	}

	fwd := &message.Message{Kind: message.Request, Topic: "broker.publish", Payload: m.Payload, ID: uuid.NewString()}
	r.inflight[fwd.ID] = &inflightEntry{original: m}
	if err := r.sendToParent(fwd); err != nil {
		delete(r.inflight, fwd.ID)
		r.replyError(m, message.KindTransportError, err.Error())
	}
}

type rankForwardParams struct {
	TargetRank   int             `json:"target_rank"`
	InnerTopic   string          `json:"inner_topic"`
	InnerPayload json.RawMessage `json:"inner_payload,omitempty"`
	Visited      []int           `json:"visited,omitempty"`
}

// handleRankForward implements spec.md §4.3 rank forwarding. When this rank
// is the target, it unwraps the inner request and redispatches it locally,
// tagging it with a fresh correlation ID so the inner handler's eventual
// response (however it arrives — immediately, or after a KVS stall) reaches
// resolveInflight and is relayed back along the forwarding chain. When it
// is not the target, it walks the ring one hop further right, recording
// itself in the visited list for loop detection.
func (r *Router) handleRankForward(m *message.Message) {
	var p rankForwardParams
	if err := m.UnmarshalPayload(&p); err != nil {
		r.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}

	id := uuid.NewString()
	r.inflight[id] = &inflightEntry{original: m}

	if p.TargetRank == r.cfg.Rank {
		inner := &message.Message{Kind: message.Request, Topic: p.InnerTopic, Payload: p.InnerPayload, ID: id}
		r.handleRequest(inboundMsg{source: "local", msg: inner})
		return
	}

	for _, rank := range p.Visited {
		if rank == r.cfg.Rank {
			delete(r.inflight, id)
			r.replyError(m, message.KindHostUnreachable, fmt.Sprintf("rank_forward loop detected at rank %d", r.cfg.Rank))
			return
		}
	}

	nextPayload, err := json.Marshal(rankForwardParams{
		TargetRank:   p.TargetRank,
		InnerTopic:   p.InnerTopic,
		InnerPayload: p.InnerPayload,
		Visited:      append(append([]int(nil), p.Visited...), r.cfg.Rank),
	})
	if err != nil {
		delete(r.inflight, id)
		r.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}

	fwd := &message.Message{Kind: message.Request, Topic: "broker.rank_forward", Payload: nextPayload, ID: id}
	if err := r.ov.SendRight(fwd); err != nil {
		delete(r.inflight, id)
		r.replyError(m, message.KindTransportError, err.Error())
	}
}

type loadParams struct {
	Name string         `json:"name"`
	Type string         `json:"type"`
	Path string         `json:"path,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// handleLoad starts a module via the installed ModuleLoader and acks
// immediately; the module itself is reachable thereafter under Name as an
// ordinary registered service (spec.md §4.4).
func (r *Router) handleLoad(m *message.Message) {
	if r.loader == nil {
		r.replyError(m, message.KindServiceUnavailable, "no module loader configured")
		return
	}
	var p loadParams
	if err := m.UnmarshalPayload(&p); err != nil {
		r.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}
	if err := r.loader.LoadByType(r.runCtx, p.Name, p.Type, p.Path, p.Args); err != nil {
		r.replyError(m, errorKind(err), err.Error())
		return
	}
	reply, _ := m.Reply(map[string]bool{"ok": true})
	r.routeResponse(reply)
}

type unloadParams struct {
	Name string `json:"name"`
}

// handleUnload signals the named module to stop. The reply is deferred:
// the ModuleLoader answers m directly, once the module's task has fully
// drained (spec.md §4.4, "reply ... deferred until the task signals
// end-of-stream"), possibly alongside other unload requests queued for the
// same module.
func (r *Router) handleUnload(m *message.Message) {
	if r.loader == nil {
		r.replyError(m, message.KindServiceUnavailable, "no module loader configured")
		return
	}
	var p unloadParams
	if err := m.UnmarshalPayload(&p); err != nil {
		r.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}
	if err := r.loader.Unload(p.Name, m); err != nil {
		r.replyError(m, errorKind(err), err.Error())
	}
}

// errorKind extracts the FluxError kind from err, defaulting to
// InvalidArgument for errors the loader didn't tag (it always should).
func errorKind(err error) message.ErrorKind {
	var fe *message.FluxError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return message.KindInvalidArgument
}
