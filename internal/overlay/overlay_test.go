package overlay

import (
	"testing"
	"time"

	"github.com/fluxsched/flux/internal/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(string, *message.Message) {}

func TestBindChildCapturesWildcardPort(t *testing.T) {
	o := New(zerolog.Nop(), 0, noopHandler, noopHandler, noopHandler, noopHandler, noopHandler)
	defer o.Close()

	uri, err := o.BindChild("127.0.0.1:0")
	require.NoError(t, err)
	assert.NotContains(t, uri, ":0")
}

func TestChildConnectAndMessageDelivery(t *testing.T) {
	received := make(chan *message.Message, 1)
	onChild := func(identity string, m *message.Message) {
		received <- m
	}

	parent := New(zerolog.Nop(), 0, noopHandler, onChild, noopHandler, noopHandler, noopHandler)
	defer parent.Close()

	childURI, err := parent.BindChild("127.0.0.1:0")
	require.NoError(t, err)

	child := New(zerolog.Nop(), 1, noopHandler, noopHandler, noopHandler, noopHandler, noopHandler)
	defer child.Close()
	require.NoError(t, child.ConnectParent(childURI))

	m, err := message.Encode(message.Request, "kvs.get", map[string]any{"a": nil})
	require.NoError(t, err)
	m.PushIdentity("rank-1")

	require.NoError(t, child.SendToParent(m))

	select {
	case got := <-received:
		assert.Equal(t, "kvs.get", got.Topic)
		id, ok := got.PeekIdentity()
		require.True(t, ok)
		assert.Equal(t, "rank-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for child message")
	}
}

func TestReparentMoveToHeadDoesNotReconnect(t *testing.T) {
	received := make(chan struct{}, 4)
	onChild := func(identity string, m *message.Message) { received <- struct{}{} }

	parentA := New(zerolog.Nop(), 0, noopHandler, onChild, noopHandler, noopHandler, noopHandler)
	defer parentA.Close()
	uriA, err := parentA.BindChild("127.0.0.1:0")
	require.NoError(t, err)

	parentB := New(zerolog.Nop(), 0, noopHandler, onChild, noopHandler, noopHandler, noopHandler)
	defer parentB.Close()
	uriB, err := parentB.BindChild("127.0.0.1:0")
	require.NoError(t, err)

	child := New(zerolog.Nop(), 2, noopHandler, noopHandler, noopHandler, noopHandler, noopHandler)
	defer child.Close()

	require.NoError(t, child.ConnectParent(uriA))
	require.NoError(t, child.Reparent(uriB))
	// uriA is still present (not closed) in the list, just not active.
	require.NoError(t, child.Reparent(uriA))

	active := child.parents.active()
	require.NotNil(t, active)
	assert.Equal(t, uriA, active.uri)
	assert.Len(t, child.parents.entries, 2, "moving uriA back to head must not add a second connection to it")
}

func TestRetireActiveParentFails(t *testing.T) {
	parent := New(zerolog.Nop(), 0, noopHandler, noopHandler, noopHandler, noopHandler, noopHandler)
	defer parent.Close()
	uri, err := parent.BindChild("127.0.0.1:0")
	require.NoError(t, err)

	child := New(zerolog.Nop(), 1, noopHandler, noopHandler, noopHandler, noopHandler, noopHandler)
	defer child.Close()
	require.NoError(t, child.ConnectParent(uri))

	err = child.RetireParent(uri)
	assert.Error(t, err)
}
