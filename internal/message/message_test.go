package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		A string `json:"a"`
	}

	m, err := Encode(Request, "kvs.get", payload{A: "1"})
	require.NoError(t, err)

	topic, raw := Decode(m)
	assert.Equal(t, "kvs.get", topic)

	var got payload
	require.NoError(t, m.UnmarshalPayload(&got))
	assert.Equal(t, "1", got.A)
	_ = raw
}

func TestEncodeRejectsEmptyTopic(t *testing.T) {
	_, err := Encode(Request, "", nil)
	require.Error(t, err)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestEncodeRejectsMissingServicePrefix(t *testing.T) {
	_, err := Encode(Request, "noprefix", nil)
	require.Error(t, err)
}

func TestMatchExact(t *testing.T) {
	m, err := Encode(Event, "event.kvs.setroot.1.abc", nil)
	require.NoError(t, err)
	assert.True(t, Match(m, "event.kvs.setroot.1.abc"))
	assert.False(t, Match(m, "event.kvs.setroot.1.abd"))
}

func TestMatchPrefix(t *testing.T) {
	m, err := Encode(Event, "event.kvs.setroot.1.abc", nil)
	require.NoError(t, err)

	tail, ok := MatchPrefix(m, "event.kvs.setroot.")
	require.True(t, ok)
	assert.Equal(t, "1.abc", tail)

	_, ok = MatchPrefix(m, "event.other.")
	assert.False(t, ok)
}

func TestRoutingStackPushPopPeek(t *testing.T) {
	m, err := Encode(Request, "kvs.get", nil)
	require.NoError(t, err)

	m.PushIdentity("rank-2")
	m.PushIdentity("rank-1")

	id, ok := m.PeekIdentity()
	require.True(t, ok)
	assert.Equal(t, "rank-1", id)

	id, ok = m.PopIdentity()
	require.True(t, ok)
	assert.Equal(t, "rank-1", id)

	id, ok = m.PopIdentity()
	require.True(t, ok)
	assert.Equal(t, "rank-2", id)

	_, ok = m.PopIdentity()
	assert.False(t, ok)
}

func TestReplyPreservesRoutingStack(t *testing.T) {
	m, err := Encode(Request, "kvs.get", nil)
	require.NoError(t, err)
	m.PushIdentity("rank-0")
	m.PushIdentity("module-xyz")

	resp, err := m.Reply(map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.Equal(t, Response, resp.Kind)
	assert.Equal(t, m.Identities, resp.Identities)

	// mutating the reply's stack must not affect the original
	resp.PopIdentity()
	assert.Len(t, m.Identities, 2)
}

func TestCloneIsDeep(t *testing.T) {
	m, err := Encode(Request, "kvs.get", map[string]string{"a": "1"})
	require.NoError(t, err)
	m.PushIdentity("rank-0")

	c := m.Clone()
	c.PushIdentity("rank-1")
	c.Payload[0] = 'X'

	assert.Len(t, m.Identities, 1)
	assert.NotEqual(t, byte('X'), m.Payload[0])
}

func TestFluxErrorIsMatchesOnKind(t *testing.T) {
	err := NewError(KindNotFound, "ref %s missing", "abc123")

	var target error = &FluxError{Kind: KindNotFound}
	assert.ErrorIs(t, err, target)

	var other error = &FluxError{Kind: KindBusy}
	assert.False(t, errorIsFluxError(err, other))
}

func errorIsFluxError(err, target error) bool {
	fe, ok := err.(*FluxError)
	if !ok {
		return false
	}
	return fe.Is(target)
}
