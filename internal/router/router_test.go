package router

import (
	"context"
	"testing"
	"time"

	"github.com/fluxsched/flux/internal/message"
	"github.com/fluxsched/flux/internal/overlay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(string, *message.Message) {}

func newTestRouter(t *testing.T, rank int, ov *overlay.Overlay) *Router {
	t.Helper()
	return New(zerolog.Nop(), Config{Rank: rank, Size: 2, KAry: 2, SessionID: "test-session"}, ov)
}

func TestHandleRequestDeliversToRegisteredService(t *testing.T) {
	r := newTestRouter(t, 0, nil)
	handle := r.RegisterService("foo", "mod-1", 4)

	m, err := message.Encode(message.Request, "foo.bar", map[string]int{"x": 1})
	require.NoError(t, err)

	r.handle(inboundMsg{source: "child", from: "rank-1", msg: m})

	select {
	case got := <-handle.Inbound:
		assert.Equal(t, "foo.bar", got.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for service delivery")
	}
}

func TestHandleRequestLoopGuardForwardsToParent(t *testing.T) {
	received := make(chan *message.Message, 1)
	onChild := func(identity string, m *message.Message) { received <- m }

	parentOv := overlay.New(zerolog.Nop(), 0, noopHandler, onChild, noopHandler, noopHandler, noopHandler)
	defer parentOv.Close()
	parentURI, err := parentOv.BindChild("127.0.0.1:0")
	require.NoError(t, err)

	childOv := overlay.New(zerolog.Nop(), 1, noopHandler, noopHandler, noopHandler, noopHandler, noopHandler)
	defer childOv.Close()
	require.NoError(t, childOv.ConnectParent(parentURI))

	r := newTestRouter(t, 1, childOv)
	r.RegisterService("foo", "mod-1", 4)

	m, err := message.Encode(message.Request, "foo.bar", nil)
	require.NoError(t, err)
	m.PushIdentity("mod-1") // module addressing its own service name: loop guard fires

	r.handle(inboundMsg{source: "module", from: "foo", msg: m})

	select {
	case got := <-received:
		assert.Equal(t, "foo.bar", got.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded request at parent")
	}
	assert.Equal(t, r.peers.currentEpoch(), r.lastUpstreamEpoch)
}

func TestHandleRequestServiceUnavailableAtRootRepliesToChild(t *testing.T) {
	var r *Router
	onChild := func(identity string, m *message.Message) { r.OnChild()(identity, m) }

	rootOv := overlay.New(zerolog.Nop(), 0, noopHandler, onChild, noopHandler, noopHandler, noopHandler)
	defer rootOv.Close()
	rootURI, err := rootOv.BindChild("127.0.0.1:0")
	require.NoError(t, err)
	r = newTestRouter(t, 0, rootOv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	response := make(chan *message.Message, 1)
	onParent := func(_ string, m *message.Message) { response <- m }
	childOv := overlay.New(zerolog.Nop(), 1, onParent, noopHandler, noopHandler, noopHandler, noopHandler)
	defer childOv.Close()
	require.NoError(t, childOv.ConnectParent(rootURI))

	m, err := message.Encode(message.Request, "nosuchservice.op", nil)
	require.NoError(t, err)
	m.PushIdentity("rank-1") // self-identify to the listener, as a real child connection would
	require.NoError(t, childOv.SendToParent(m))

	select {
	case got := <-response:
		require.Equal(t, message.Response, got.Kind)
		var fe message.FluxError
		require.NoError(t, got.UnmarshalPayload(&fe))
		assert.Equal(t, message.KindServiceUnavailable, fe.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error response")
	}
}

func TestHandleResponseDeliversToModuleByIdentity(t *testing.T) {
	r := newTestRouter(t, 0, nil)
	handle := r.RegisterService("foo", "mod-1", 4)

	resp, err := message.Encode(message.Response, "foo.bar", nil)
	require.NoError(t, err)
	resp.PushIdentity("mod-1")

	r.handle(inboundMsg{source: "child", from: "rank-2", msg: resp})

	select {
	case got := <-handle.Inbound:
		_, hasTop := got.PeekIdentity()
		assert.False(t, hasTop)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response delivery to module")
	}
}

func TestHandleResponseForwardsToChildByIdentity(t *testing.T) {
	var r *Router
	onChild := func(identity string, m *message.Message) { r.OnChild()(identity, m) }

	rootOv := overlay.New(zerolog.Nop(), 0, noopHandler, onChild, noopHandler, noopHandler, noopHandler)
	defer rootOv.Close()
	rootURI, err := rootOv.BindChild("127.0.0.1:0")
	require.NoError(t, err)
	r = newTestRouter(t, 0, rootOv)
	handle := r.RegisterService("foo", "mod-1", 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	delivered := make(chan *message.Message, 1)
	onParent := func(_ string, m *message.Message) { delivered <- m }
	childOv := overlay.New(zerolog.Nop(), 1, onParent, noopHandler, noopHandler, noopHandler, noopHandler)
	defer childOv.Close()
	require.NoError(t, childOv.ConnectParent(rootURI))

	req, err := message.Encode(message.Request, "foo.bar", nil)
	require.NoError(t, err)
	req.PushIdentity("rank-1")
	require.NoError(t, childOv.SendToParent(req))

	var gotReq *message.Message
	select {
	case gotReq = <-handle.Inbound:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request at module")
	}

	resp, err := gotReq.Reply(map[string]bool{"ok": true})
	require.NoError(t, err)
	r.handle(inboundMsg{source: "module", from: "foo", msg: resp})

	select {
	case got := <-delivered:
		assert.Equal(t, message.Response, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response delivered to child")
	}
}

func TestHandleEventInvokesHookAndMatchesSubscribers(t *testing.T) {
	r := newTestRouter(t, 0, overlay.New(zerolog.Nop(), 0, noopHandler, noopHandler, noopHandler, noopHandler, noopHandler))

	var hookCalls int
	r.SetEventHook(func(m *message.Message) { hookCalls++ })

	sub := r.SubscribeEvents("event.kvs", 4)

	ev, err := message.Encode(message.Event, "event.kvs.setroot.1", map[string]int{"root": 1})
	require.NoError(t, err)

	r.handle(inboundMsg{source: "event", msg: ev})

	assert.Equal(t, 1, hookCalls)
	select {
	case got := <-sub:
		assert.Equal(t, "event.kvs.setroot.1", got.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}
}

func TestHandleEventDoesNotMatchUnrelatedPrefix(t *testing.T) {
	r := newTestRouter(t, 0, overlay.New(zerolog.Nop(), 0, noopHandler, noopHandler, noopHandler, noopHandler, noopHandler))
	sub := r.SubscribeEvents("event.other", 4)

	ev, err := message.Encode(message.Event, "event.kvs.setroot.1", nil)
	require.NoError(t, err)
	r.handle(inboundMsg{source: "event", msg: ev})

	select {
	case <-sub:
		t.Fatal("subscriber should not have received an unrelated event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBrokerGetattrKnownAttribute(t *testing.T) {
	r := newTestRouter(t, 3, nil)
	r.cfg.Size = 8
	r.cfg.SessionID = "sess-abc"

	handle := r.RegisterService("probe", "mod-probe", 4)

	req, err := message.Encode(message.Request, "broker.getattr", map[string]string{"attr": "broker.rank"})
	require.NoError(t, err)
	req.PushIdentity("mod-probe")

	r.handle(inboundMsg{source: "child", from: "child-x", msg: req})

	select {
	case got := <-handle.Inbound:
		var body struct {
			Value int `json:"value"`
		}
		require.NoError(t, got.UnmarshalPayload(&body))
		assert.Equal(t, 3, body.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for getattr response")
	}
}

func TestBrokerGetattrUnknownAttributeRepliesNotFound(t *testing.T) {
	r := newTestRouter(t, 0, nil)
	handle := r.RegisterService("probe", "mod-probe", 4)

	req, err := message.Encode(message.Request, "broker.getattr", map[string]string{"attr": "broker.nonsense"})
	require.NoError(t, err)
	req.PushIdentity("mod-probe")

	r.handle(inboundMsg{source: "child", from: "child-x", msg: req})

	select {
	case got := <-handle.Inbound:
		var fe message.FluxError
		require.NoError(t, got.UnmarshalPayload(&fe))
		assert.Equal(t, message.KindNotFound, fe.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for getattr error response")
	}
}

func TestBrokerPingRepliesImmediately(t *testing.T) {
	r := newTestRouter(t, 0, nil)
	handle := r.RegisterService("probe", "mod-probe", 4)

	req, err := message.Encode(message.Request, "broker.ping", nil)
	require.NoError(t, err)
	req.PushIdentity("mod-probe")

	r.handle(inboundMsg{source: "child", from: "child-x", msg: req})

	select {
	case got := <-handle.Inbound:
		assert.Equal(t, message.Response, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ping response")
	}
}

func TestRankForwardDeliversInnerRequestAtTargetRank(t *testing.T) {
	r := newTestRouter(t, 5, nil)
	handle := r.RegisterService("foo", "mod-1", 4)

	innerPayload, err := message.Encode(message.Request, "foo.bar", map[string]int{"v": 7})
	require.NoError(t, err)

	params := rankForwardParams{TargetRank: 5, InnerTopic: innerPayload.Topic, InnerPayload: innerPayload.Payload}
	req, err := message.Encode(message.Request, "broker.rank_forward", params)
	require.NoError(t, err)

	r.handle(inboundMsg{source: "left", msg: req})

	select {
	case got := <-handle.Inbound:
		assert.Equal(t, "foo.bar", got.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redispatched inner request")
	}
}

func TestRankForwardDetectsLoop(t *testing.T) {
	// no right sibling configured; loop detection must fire before any
	// send is attempted, so a nil overlay is safe here.
	r := newTestRouter(t, 2, nil)
	handle := r.RegisterService("probe", "mod-probe", 4)

	params := rankForwardParams{TargetRank: 9, InnerTopic: "foo.bar", Visited: []int{0, 2}}
	req, err := message.Encode(message.Request, "broker.rank_forward", params)
	require.NoError(t, err)
	req.PushIdentity("mod-probe")

	r.handle(inboundMsg{source: "left", msg: req})

	select {
	case got := <-handle.Inbound:
		var fe message.FluxError
		require.NoError(t, got.UnmarshalPayload(&fe))
		assert.Equal(t, message.KindHostUnreachable, fe.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for loop-detected error response")
	}
}

func TestResolveInflightRelaysDownRingWhenOriginalHadID(t *testing.T) {
	ov := overlay.New(zerolog.Nop(), 2, noopHandler, noopHandler, noopHandler, noopHandler, noopHandler)
	defer ov.Close()
	r := newTestRouter(t, 2, ov)

	original := &message.Message{Kind: message.Request, Topic: "broker.rank_forward", ID: "chain-id"}
	r.inflight["hop-id"] = &inflightEntry{original: original}

	reply, err := message.Encode(message.Response, "broker.rank_forward", map[string]bool{"ok": true})
	require.NoError(t, err)
	reply.ID = "hop-id"

	// no left connection accepted: SendLeft will fail, which is the
	// observable signal that resolveInflight took the ring-relay branch
	// rather than the module-delivery or no-op branch.
	r.resolveInflight(reply)

	_, stillPresent := r.inflight["hop-id"]
	assert.False(t, stillPresent)
}

func TestSnoopTapReceivesCopyOfHandledMessage(t *testing.T) {
	r := newTestRouter(t, 0, nil)
	r.RegisterService("foo", "mod-1", 4)
	tap := r.SnoopSubscribe(4)

	m, err := message.Encode(message.Request, "foo.bar", nil)
	require.NoError(t, err)
	r.handle(inboundMsg{source: "child", from: "rank-1", msg: m})

	select {
	case got := <-tap:
		assert.Equal(t, "foo.bar", got.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snoop tap delivery")
	}
}

type fakeLoader struct {
	loadCalls   []string
	unloadCalls []string
	loadErr     error
	unloadErr   error
	pendingReq  *message.Message
}

func (f *fakeLoader) LoadByType(ctx context.Context, name, moduleType, path string, args map[string]any) error {
	f.loadCalls = append(f.loadCalls, name)
	return f.loadErr
}

func (f *fakeLoader) Unload(name string, req *message.Message) error {
	f.unloadCalls = append(f.unloadCalls, name)
	f.pendingReq = req
	return f.unloadErr
}

func TestBrokerLoadDispatchesToModuleLoader(t *testing.T) {
	r := newTestRouter(t, 0, nil)
	handle := r.RegisterService("probe", "mod-probe", 4)
	loader := &fakeLoader{}
	r.SetModuleLoader(loader)

	req, err := message.Encode(message.Request, "broker.load", loadParams{Name: "kvs", Type: "kvs"})
	require.NoError(t, err)
	req.PushIdentity("mod-probe")

	r.handle(inboundMsg{source: "child", from: "child-x", msg: req})

	select {
	case got := <-handle.Inbound:
		assert.Equal(t, message.Response, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for load ack")
	}
	assert.Equal(t, []string{"kvs"}, loader.loadCalls)
}

func TestBrokerLoadPropagatesLoaderErrorKind(t *testing.T) {
	r := newTestRouter(t, 0, nil)
	handle := r.RegisterService("probe", "mod-probe", 4)
	loader := &fakeLoader{loadErr: message.NewError(message.KindAlreadyExists, "already loaded")}
	r.SetModuleLoader(loader)

	req, err := message.Encode(message.Request, "broker.load", loadParams{Name: "kvs", Type: "kvs"})
	require.NoError(t, err)
	req.PushIdentity("mod-probe")

	r.handle(inboundMsg{source: "child", from: "child-x", msg: req})

	select {
	case got := <-handle.Inbound:
		var fe message.FluxError
		require.NoError(t, got.UnmarshalPayload(&fe))
		assert.Equal(t, message.KindAlreadyExists, fe.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for load error response")
	}
}

func TestBrokerUnloadDoesNotReplyImmediately(t *testing.T) {
	r := newTestRouter(t, 0, nil)
	handle := r.RegisterService("probe", "mod-probe", 4)
	loader := &fakeLoader{}
	r.SetModuleLoader(loader)

	req, err := message.Encode(message.Request, "broker.unload", unloadParams{Name: "kvs"})
	require.NoError(t, err)
	req.PushIdentity("mod-probe")

	r.handle(inboundMsg{source: "child", from: "child-x", msg: req})

	select {
	case <-handle.Inbound:
		t.Fatal("unload reply must be deferred to the ModuleLoader, not sent immediately")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, []string{"kvs"}, loader.unloadCalls)
	assert.Same(t, req, loader.pendingReq)
}

func TestPeerTableTracksIdleAcrossHeartbeatEpochs(t *testing.T) {
	r := newTestRouter(t, 0, nil)
	r.RegisterService("foo", "mod-1", 4)

	m, err := message.Encode(message.Request, "foo.bar", nil)
	require.NoError(t, err)
	r.handle(inboundMsg{source: "child", from: "rank-1", msg: m})

	assert.Equal(t, int64(0), r.peers.idle("rank-1"))
	r.peers.advance()
	assert.Equal(t, int64(1), r.peers.idle("rank-1"))
	assert.Equal(t, 1, r.PeerCount())
}
