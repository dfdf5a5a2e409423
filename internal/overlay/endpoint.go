package overlay

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/fluxsched/flux/internal/message"
)

// wireMessage is the JSON-over-TCP encoding of a message.Message, grounded
// on the teacher's BrokerRequest/BrokerResponse envelope shape.
type wireMessage struct {
	Kind       string          `json:"kind"`
	Identities []string        `json:"identities,omitempty"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ID         string          `json:"id,omitempty"`
}

func toWire(m *message.Message) wireMessage {
	kind := "event"
	switch m.Kind {
	case message.Request:
		kind = "request"
	case message.Response:
		kind = "response"
	}
	return wireMessage{Kind: kind, Identities: m.Identities, Topic: m.Topic, Payload: m.Payload, ID: m.ID}
}

func fromWire(w wireMessage) *message.Message {
	k := message.Event
	switch w.Kind {
	case "request":
		k = message.Request
	case "response":
		k = message.Response
	}
	return &message.Message{Kind: k, Identities: w.Identities, Topic: w.Topic, Payload: w.Payload, ID: w.ID}
}

// conn wraps a net.Conn with a JSON encoder/decoder, mirroring the teacher's
// Connection type in internal/broker/service.go.
type conn struct {
	id      string
	netConn net.Conn
	enc     *json.Encoder
	dec     *json.Decoder

	mu     sync.Mutex
	closed bool
}

func newConn(id string, nc net.Conn) *conn {
	return &conn{
		id:      id,
		netConn: nc,
		enc:     json.NewEncoder(nc),
		dec:     json.NewDecoder(nc),
	}
}

func (c *conn) send(m *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("overlay: send on closed connection %s", c.id)
	}
	return c.enc.Encode(toWire(m))
}

// recvLoop decodes messages until the connection closes or ctx-like stop
// fires, invoking handler for each. It returns when the peer disconnects.
func (c *conn) recvLoop(handler func(*message.Message)) error {
	for {
		var w wireMessage
		if err := c.dec.Decode(&w); err != nil {
			return err
		}
		handler(fromWire(w))
	}
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.netConn.Close()
}

// listenerAddr resolves the actual bound address of l, used to capture the
// OS-assigned port when a bind URI requested one ("host:0" or "host:*").
func listenerAddr(l net.Listener) string {
	return l.Addr().String()
}
