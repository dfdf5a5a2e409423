package modhost

import (
	"context"
	"testing"
	"time"

	"github.com/fluxsched/flux/internal/message"
	"github.com/fluxsched/flux/internal/router"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(rank int) *router.Router {
	return router.New(zerolog.Nop(), router.Config{Rank: rank, Size: 1, KAry: 2, SessionID: "test-session"}, nil)
}

func echoModule(ctx context.Context, handle *router.ServiceHandle, args map[string]any) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-handle.Inbound:
			if !ok {
				return
			}
			reply, err := m.Reply(map[string]bool{"ok": true})
			if err != nil {
				continue
			}
			handle.Send(reply)
		}
	}
}

func TestLoadRegistersServiceAndDeliversRequests(t *testing.T) {
	r := newTestRouter(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	h := New(zerolog.Nop(), r)
	require.NoError(t, h.Load(ctx, "echo", "", nil, echoModule))
	assert.True(t, h.Loaded("echo"))
	assert.Equal(t, 1, r.PeerCount())

	probe := r.RegisterService("probe", "probe-id", 4)

	req, err := message.Encode(message.Request, "echo.ping", nil)
	require.NoError(t, err)
	r.OnChild()("probe-id", req) // simulates a peer whose return identity is "probe-id"

	select {
	case got := <-probe.Inbound:
		assert.Equal(t, message.Response, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo reply")
	}
}

func TestLoadRejectsDuplicateName(t *testing.T) {
	r := newTestRouter(0)
	h := New(zerolog.Nop(), r)

	require.NoError(t, h.Load(context.Background(), "echo", "", nil, echoModule))
	err := h.Load(context.Background(), "echo", "", nil, echoModule)
	require.Error(t, err)

	var fe *message.FluxError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, message.KindAlreadyExists, fe.Kind)
}

func TestUnloadStopsTaskAndRepliesToWaiters(t *testing.T) {
	r := newTestRouter(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	h := New(zerolog.Nop(), r)
	admin := r.RegisterService("admin", "admin", 4)

	require.NoError(t, h.Load(context.Background(), "echo", "", nil, echoModule))

	unloadReq, err := message.Encode(message.Request, "broker.unload", map[string]string{"name": "echo"})
	require.NoError(t, err)
	unloadReq.PushIdentity("admin")

	require.NoError(t, h.Unload("echo", unloadReq))

	require.Eventually(t, func() bool { return !h.Loaded("echo") }, 2*time.Second, 10*time.Millisecond)

	select {
	case got := <-admin.Inbound:
		assert.Equal(t, message.Response, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the unload reply")
	}
}

func TestUnloadQueuesMultipleWaiters(t *testing.T) {
	r := newTestRouter(0)
	h := New(zerolog.Nop(), r)
	require.NoError(t, h.Load(context.Background(), "echo", "", nil, echoModule))

	reqA, err := message.Encode(message.Request, "broker.unload", nil)
	require.NoError(t, err)
	reqB, err := message.Encode(message.Request, "broker.unload", nil)
	require.NoError(t, err)

	require.NoError(t, h.Unload("echo", reqA))
	require.NoError(t, h.Unload("echo", reqB))

	require.Eventually(t, func() bool { return !h.Loaded("echo") }, 2*time.Second, 10*time.Millisecond)
}

func TestUnloadUnknownModuleReturnsNotFound(t *testing.T) {
	r := newTestRouter(0)
	h := New(zerolog.Nop(), r)

	err := h.Unload("missing", nil)
	require.Error(t, err)
	var fe *message.FluxError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, message.KindNotFound, fe.Kind)
}

func TestShutdownDrainsAllModules(t *testing.T) {
	r := newTestRouter(0)
	h := New(zerolog.Nop(), r)

	require.NoError(t, h.Load(context.Background(), "echo-a", "", nil, echoModule))
	require.NoError(t, h.Load(context.Background(), "echo-b", "", nil, echoModule))

	h.Shutdown()

	assert.False(t, h.Loaded("echo-a"))
	assert.False(t, h.Loaded("echo-b"))
	assert.Empty(t, h.Names())
}
