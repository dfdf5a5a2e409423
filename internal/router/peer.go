package router

import "sync"

// peer tracks liveness bookkeeping for a rank or module, per spec.md §4.3
// ("Peer idle tracking"). Peers are created on first contact and kept until
// shutdown; idle(peer) is the current epoch minus lastSeen.
type peer struct {
	id       string
	isModule bool
	lastSeen int64
}

// peerTable owns the idle-tracking state. Every method takes mu, because
// it is touched from outside the router's event loop as well
// (Router.TouchPeer from internal/modhost, PeerCount from the metrics
// poller).
type peerTable struct {
	mu    sync.Mutex
	peers map[string]*peer
	epoch int64
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*peer)}
}

func (t *peerTable) touch(id string, isModule bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &peer{id: id, isModule: isModule}
		t.peers[id] = p
	}
	p.lastSeen = t.epoch
}

func (t *peerTable) idle(id string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return -1
	}
	return t.epoch - p.lastSeen
}

// advance moves the epoch forward on each heartbeat tick and returns the
// new epoch.
func (t *peerTable) advance() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	return t.epoch
}

func (t *peerTable) currentEpoch() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// count returns the number of tracked peers, for the peer-count gauge.
func (t *peerTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
