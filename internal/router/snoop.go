package router

import "github.com/fluxsched/flux/internal/message"

// snoopTap fans a copy of every message that passes through the router out
// to registered debug taps, grounded on the teacher's Topic subscriber
// broadcast in internal/broker/service.go. Pushes never block: a full or
// absent subscriber is simply skipped, per spec.md §4.3 ("failures to push
// to snoop are ignored").
type snoopTap struct {
	subs []chan *message.Message
}

func newSnoopTap() *snoopTap {
	return &snoopTap{}
}

// Subscribe registers a new snoop listener and returns the channel it
// should read copies from.
func (s *snoopTap) Subscribe(buffer int) <-chan *message.Message {
	ch := make(chan *message.Message, buffer)
	s.subs = append(s.subs, ch)
	return ch
}

func (s *snoopTap) push(source string, m *message.Message) {
	cp := m.Clone()
	for _, ch := range s.subs {
		select {
		case ch <- cp:
		default:
			// subscriber is slow or gone; drop rather than block the router loop.
		}
	}
}
