// Package message defines the wire envelope Flux routers and modules pass
// between each other: a routing stack of identities, a dot-delimited topic,
// and an optional structured payload.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind distinguishes the three envelope shapes the router classifies on.
type Kind int

const (
	// Request carries a routing stack recording the return path.
	Request Kind = iota
	// Response retraces a Request's routing stack backward.
	Response
	// Event has no return path; it fans out to subscribers.
	Event
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "request"
	case Response:
		return "response"
	case Event:
		return "event"
	default:
		return "unknown"
	}
}

// Message is a frame-structured envelope: zero or more routing identities,
// a topic, and an optional payload.
//
// Identities accumulate at the tail as a Request crosses routers (push) and
// are removed from the tail as a Response retraces them (pop); Identities[0]
// is the oldest hop, Identities[len-1] is the most recent.
type Message struct {
	Kind       Kind
	Identities []string
	Topic      string
	Payload    json.RawMessage

	// ID correlates a broker-internal request with its response when the
	// routing stack is empty (spec.md §9 Open Question 2): the router
	// generates one when it originates a request with no identity frames
	// (e.g. forwarding a non-root broker.publish upstream) and matches the
	// reply against an in-flight table keyed by it.
	ID string
}

// Encode builds a Request or Event message for topic with payload marshaled
// to JSON. topic must be non-empty and carry a service prefix ("service.method").
func Encode(kind Kind, topic string, payload any) (*Message, error) {
	if topic == "" {
		return nil, &ProtocolError{Reason: "empty topic"}
	}
	if !strings.Contains(topic, ".") {
		return nil, &ProtocolError{Reason: fmt.Sprintf("topic %q has no service prefix", topic)}
	}
	for _, r := range topic {
		if r < 0x20 || r == 0x7f {
			return nil, &ProtocolError{Reason: fmt.Sprintf("topic %q contains non-printable byte", topic)}
		}
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	return &Message{Kind: kind, Topic: topic, Payload: raw}, nil
}

// Decode returns the topic and payload of m. The returned payload is nil if
// m carries none.
func Decode(m *Message) (topic string, payload json.RawMessage) {
	return m.Topic, m.Payload
}

// Service returns the portion of the topic before the first '.'.
func (m *Message) Service() string {
	i := strings.IndexByte(m.Topic, '.')
	if i < 0 {
		return m.Topic
	}
	return m.Topic[:i]
}

// Match reports whether m's topic is exactly topic.
func Match(m *Message, topic string) bool {
	return m.Topic == topic
}

// MatchPrefix reports whether m's topic begins with prefix and, if so,
// returns the remainder after prefix (which may be empty) and ok=true.
// A prefix "a.b" matches topic "a.b.c" with tail ".c", and matches "a.b"
// itself with an empty tail.
func MatchPrefix(m *Message, prefix string) (tail string, ok bool) {
	if !strings.HasPrefix(m.Topic, prefix) {
		return "", false
	}
	return m.Topic[len(prefix):], true
}

// PushIdentity appends id to the tail of the routing stack. Routers call
// this on a Request as it crosses them, recording the hop to retrace on the
// Response.
func (m *Message) PushIdentity(id string) {
	m.Identities = append(m.Identities, id)
}

// PopIdentity removes and returns the identity at the tail of the routing
// stack. ok is false if the stack is empty.
func (m *Message) PopIdentity() (id string, ok bool) {
	n := len(m.Identities)
	if n == 0 {
		return "", false
	}
	id = m.Identities[n-1]
	m.Identities = m.Identities[:n-1]
	return id, true
}

// PeekIdentity returns the identity at the tail of the routing stack without
// removing it. ok is false if the stack is empty.
func (m *Message) PeekIdentity() (id string, ok bool) {
	n := len(m.Identities)
	if n == 0 {
		return "", false
	}
	return m.Identities[n-1], true
}

// UnmarshalPayload decodes m's payload into v.
func (m *Message) UnmarshalPayload(v any) error {
	if m.Payload == nil {
		return fmt.Errorf("message %q carries no payload", m.Topic)
	}
	return json.Unmarshal(m.Payload, v)
}

// Reply builds a Response with the same routing stack and topic, carrying
// a new payload, ready to be walked back toward the originator.
func (m *Message) Reply(payload any) (*Message, error) {
	resp, err := Encode(Response, m.Topic, payload)
	if err != nil {
		return nil, err
	}
	resp.Identities = append([]string(nil), m.Identities...)
	resp.ID = m.ID
	return resp, nil
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Identities != nil {
		c.Identities = append([]string(nil), m.Identities...)
	}
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &c
}
