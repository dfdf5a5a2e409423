package kvs

import "github.com/fluxsched/flux/internal/message"

// opKind distinguishes the three writeback operations a non-root rank can
// have outstanding against its parent.
type opKind int

const (
	opStore opKind = iota
	opName
	opFlush
)

// writebackOp is one outstanding write propagating toward the root. STORE
// and NAME ops are matched against the parent's ack by ref/key respectively
// (spec.md §4.5 "Put / writeback"); a FLUSH op holds the request that must
// be answered once every op ahead of it in the queue has drained.
type writebackOp struct {
	kind opKind
	key  string
	ref  Ref
	held *message.Message
}

// wbState is the non-root writeback state machine: Clean (nothing
// outstanding), Dirty (at least one STORE/NAME queued or in flight), and
// Flushing (at least one flush has been forwarded upstream and is awaited).
type wbState int

const (
	wbClean wbState = iota
	wbDirty
	wbFlushing
)

// writebackAdd appends op to the queue and marks the rank Dirty, unless it
// is already Flushing: a put arriving mid-flush still has to wait behind
// the outstanding flush, so it must not downgrade Flushing back to Dirty.
// Treeroot never calls this (it has no parent to write back to).
func (e *Engine) writebackAdd(kind opKind, key string, ref Ref) {
	e.writeback = append(e.writeback, writebackOp{kind: kind, key: key, ref: ref})
	if e.wbState == wbClean {
		e.wbState = wbDirty
	}
}

// writebackAddFlush enqueues a flush request to be forwarded once it
// reaches the head of the queue.
func (e *Engine) writebackAddFlush(req *message.Message) {
	e.writeback = append(e.writeback, writebackOp{kind: opFlush, held: req})
}

// writebackDel removes the first queued op matching kind/key/ref (the
// parent's ack for that op). If a FLUSH op is now at the head, it is
// forwarded upstream and the state becomes Flushing (spec.md §4.5 "If the
// head is now a queued FLUSH, send that flush upstream").
func (e *Engine) writebackDel(kind opKind, key string, ref Ref) {
	idx := -1
	for i, op := range e.writeback {
		if op.kind != kind {
			continue
		}
		if kind == opStore && op.ref == ref {
			idx = i
			break
		}
		if kind == opName && op.key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	e.writeback = append(e.writeback[:idx], e.writeback[idx+1:]...)

	for len(e.writeback) > 0 && e.writeback[0].kind == opFlush {
		held := e.writeback[0].held
		e.writeback = e.writeback[1:]
		e.forwardFlush(held)
	}
}

// forwardFlush sends a fresh self-addressed kvs.flush request upstream and
// queues held to be answered, in order, once the matching responses come
// back (spec.md's ordering guarantee: FIFO per connection, so a plain queue
// correctly matches overlapping flushes without a correlation id).
func (e *Engine) forwardFlush(held *message.Message) {
	e.wbState = wbFlushing
	e.pendingFlushes = append(e.pendingFlushes, held)
	e.sendUpstream("kvs.flush", nil)
}

// handleFlush implements kvs.flush (spec.md §4.5): the treeroot, or a clean
// rank, acks immediately. An empty-but-dirty queue forwards the flush
// itself upstream and marks Flushing. Otherwise the request is held until
// it reaches the head of the writeback queue.
func (e *Engine) handleFlush(m *message.Message) {
	if e.isRoot || e.wbState == wbClean {
		e.reply(m, map[string]bool{"ok": true})
		return
	}
	if len(e.writeback) == 0 {
		e.forwardFlush(m)
		return
	}
	e.writebackAddFlush(m)
}

// handleFlushResponse answers the oldest outstanding forwarded flush and,
// once none remain, returns the rank to Clean, or to Dirty if puts queued
// more ops while the flush was outstanding.
func (e *Engine) handleFlushResponse(m *message.Message) {
	if len(e.pendingFlushes) == 0 {
		e.log.Warn().Msg("kvs: unmatched flush response")
		return
	}
	held := e.pendingFlushes[0]
	e.pendingFlushes = e.pendingFlushes[1:]
	e.reply(held, map[string]bool{"ok": true})
	if len(e.pendingFlushes) == 0 && e.wbState == wbFlushing {
		if len(e.writeback) > 0 {
			e.wbState = wbDirty
		} else {
			e.wbState = wbClean
		}
	}
}
