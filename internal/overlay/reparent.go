package overlay

import (
	"fmt"
	"net"
	"sync"

	"github.com/fluxsched/flux/internal/message"
)

// parentEntry is one upstream connection kept on the ordered parent list.
type parentEntry struct {
	uri  string
	conn *conn
}

// parentList is the ordered list of upstream connections described in
// spec.md §4.2: the head is the active parent. Reparenting to an
// already-known URI moves it to the head instead of reconnecting; old
// parents are retained (never closed on reparent) so in-flight responses
// still drain through their receive loops, and are reclaimed only when
// explicitly retired.
type parentList struct {
	mu      sync.Mutex
	entries []*parentEntry // entries[0] is the active parent
}

func newParentList() *parentList {
	return &parentList{}
}

func (p *parentList) find(uri string) *parentEntry {
	for _, e := range p.entries {
		if e.uri == uri {
			return e
		}
	}
	return nil
}

// moveToHead reorders an already-connected entry to the front of the list.
func (p *parentList) moveToHead(uri string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.uri == uri {
			if i == 0 {
				return true
			}
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			p.entries = append([]*parentEntry{e}, p.entries...)
			return true
		}
	}
	return false
}

func (p *parentList) prepend(e *parentEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append([]*parentEntry{e}, p.entries...)
}

func (p *parentList) active() *parentEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return nil
	}
	return p.entries[0]
}

// retire removes a non-head entry from the list and closes its connection.
// Retiring the active (head) parent is refused: it must be reparented away
// from first.
func (p *parentList) retire(uri string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.uri != uri {
			continue
		}
		if i == 0 {
			return fmt.Errorf("overlay: cannot retire active parent %q", uri)
		}
		p.entries = append(p.entries[:i], p.entries[i+1:]...)
		e.conn.close()
		return nil
	}
	return fmt.Errorf("overlay: no such parent %q", uri)
}

func (p *parentList) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		e.conn.close()
	}
	p.entries = nil
}

// Reparent makes uri the active parent per spec.md §4.2: if uri is already
// on the list, move it to head; otherwise connect and prepend. Connect
// failure leaves the current parent list untouched and surfaces the error.
func (o *Overlay) Reparent(uri string) error {
	if o.parents.moveToHead(uri) {
		return nil
	}

	network, addr, _ := normalizeURI(uri)
	nc, err := net.Dial(network, addr)
	if err != nil {
		return fmt.Errorf("overlay: reparent to %s: %w", uri, err)
	}

	c := newConn("parent:"+uri, nc)
	entry := &parentEntry{uri: uri, conn: c}
	o.parents.prepend(entry)

	go func() {
		if err := c.recvLoop(func(m *message.Message) { o.onParent(uri, m) }); err != nil {
			o.log.Debug().Err(err).Str("parent", uri).Msg("overlay: parent connection ended")
		}
	}()
	return nil
}

// SendToParent sends m on the currently active parent connection.
func (o *Overlay) SendToParent(m *message.Message) error {
	e := o.parents.active()
	if e == nil {
		return fmt.Errorf("overlay: no parent connected")
	}
	return e.conn.send(m)
}

// RetireParent closes and forgets a no-longer-needed, non-active parent
// connection immediately. It does not check whether responses are still
// in flight on that connection.
func (o *Overlay) RetireParent(uri string) error {
	return o.parents.retire(uri)
}
