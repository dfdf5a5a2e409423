package kvs

import (
	"fmt"

	"github.com/fluxsched/flux/internal/message"
)

// nameOp is one pending directory mutation awaiting the next treeroot
// commit: set key to ref, or (ref == "") unlink key.
type nameOp struct {
	key string
	ref Ref
}

// commitEntry tracks one named commit's progress. At the treeroot it is
// always done the instant it's created (commit() runs synchronously); at a
// non-root rank it starts pending and is completed once the parent's
// kvs.commit response arrives, at which point every queued waiter is
// answered (spec.md §4.5 "Commit (non-root)").
type commitEntry struct {
	done    bool
	root    RootRef
	waiters []*message.Message
}

// setRoot adopts (seq, ref) as the current root if it is newer, or if seq
// is the bootstrap value 0 (spec.md §4.5 "Root propagation"; mirrors
// kvssrv.c's "seq == 0 || seq > ctx->rootseq").
func (e *Engine) setRoot(root RootRef) {
	if root.Seq == 0 || root.Seq > e.rootRef.Seq {
		e.rootRef = root
	}
}

// name records a key/ref mutation. At the treeroot it is appended directly
// to the pending commit set; elsewhere it is queued for writeback and
// forwarded upstream immediately (spec.md §4.5 "name").
func (e *Engine) name(key string, ref Ref, writeback bool) {
	if writeback {
		e.writebackAdd(opName, key, "")
		var val any
		if ref != "" {
			val = string(ref)
		}
		e.sendUpstream("kvs.name", map[string]any{key: val})
		return
	}
	e.pendingNames = append(e.pendingNames, nameOp{key: key, ref: ref})
}

// commitMaterialize applies every pending NAME op to a copy of the current
// root directory, in arrival order (last write per key wins), adds a
// snapshot dirent pointing at the prior root, stores the new directory,
// and advances the root sequence. Treeroot-only.
func (e *Engine) commitMaterialize() RootRef {
	dirVal, _, err := e.load(e.rootRef.Ref, nil)
	if err != nil {
		e.log.Error().Err(err).Msg("kvs: root directory missing at commit")
		return e.rootRef
	}

	next := copyDirectory(dirVal)
	for _, op := range e.pendingNames {
		if op.ref == "" {
			delete(next, op.key)
		} else {
			next[op.key] = any(string(op.ref))
		}
	}
	e.pendingNames = nil

	next[fmt.Sprintf("snapshot.%04d", e.rootRef.Seq)] = string(e.rootRef.Ref)

	ref, _, err := hashBlob(next)
	if err != nil {
		e.log.Error().Err(err).Msg("kvs: failed to hash new root directory")
		return e.rootRef
	}
	e.store(ref, next, false)
	e.rootRef = RootRef{Seq: e.rootRef.Seq + 1, Ref: ref}
	return e.rootRef
}

// publishSetroot broadcasts the current root reference as
// event.kvs.setroot.<seq>.<hash> (spec.md §4.5 "Commit (treeroot)").
func (e *Engine) publishSetroot() {
	ev, err := message.Encode(message.Event, "event.kvs.setroot."+e.rootRef.String(), nil)
	if err != nil {
		e.log.Error().Err(err).Msg("kvs: failed to build setroot event")
		return
	}
	e.handle.Send(ev)
}

type commitParams struct {
	Name string `json:"name"`
}

type commitResult struct {
	Name    string `json:"name"`
	RootRef string `json:"rootref"`
}

// handleCommit implements kvs.commit. At the treeroot, a name seen for the
// first time triggers commitMaterialize and a setroot broadcast; a repeat
// name is idempotent and returns the already-recorded root (spec.md §4.5
// "Named commits are idempotent by name"). At a non-root rank, the first
// request for a name forwards kvs.commit upstream; until that reply
// arrives every request for the same name queues on the same waiter list.
func (e *Engine) handleCommit(m *message.Message) {
	var p commitParams
	if err := m.UnmarshalPayload(&p); err != nil {
		e.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}

	cp, exists := e.commits[p.Name]
	if e.isRoot {
		if !exists {
			root := e.commitMaterialize()
			cp = &commitEntry{done: true, root: root}
			e.commits[p.Name] = cp
			e.publishSetroot()
		}
		e.reply(m, commitResult{Name: p.Name, RootRef: cp.root.String()})
		return
	}

	if !exists {
		cp = &commitEntry{}
		e.commits[p.Name] = cp
		e.sendUpstream("kvs.commit", commitParams{Name: p.Name})
	}
	if !cp.done {
		cp.waiters = append(cp.waiters, m)
		return
	}
	e.reply(m, commitResult{Name: p.Name, RootRef: cp.root.String()})
}

// handleCommitResponse completes a commit this rank forwarded upstream:
// adopts the returned root (setRoot is idempotent if the tree-broadcast
// event already delivered it first), marks the named commit done, and
// answers every request that queued on it meanwhile.
func (e *Engine) handleCommitResponse(m *message.Message) {
	var res commitResult
	if err := m.UnmarshalPayload(&res); err != nil {
		e.log.Error().Err(err).Msg("kvs: malformed commit response")
		return
	}
	root, err := ParseRootRef(res.RootRef)
	if err != nil {
		e.log.Error().Err(err).Msg("kvs: malformed rootref in commit response")
		return
	}
	e.setRoot(root)

	cp, ok := e.commits[res.Name]
	if !ok {
		e.log.Warn().Str("name", res.Name).Msg("kvs: commit response for unknown name")
		return
	}
	cp.done = true
	cp.root = root
	waiters := cp.waiters
	cp.waiters = nil
	for _, w := range waiters {
		e.reply(w, commitResult{Name: res.Name, RootRef: root.String()})
	}
}

// copyDirectory returns a mutable map[string]any copy of a directory blob's
// decoded value (a JSON object of key -> hex ref string). Directories are
// always stored and materialized as map[string]any, whether they arrived
// fresh from json.Unmarshal (a parent's kvs.load response) or were built
// locally by commitMaterialize, so a single type assertion here is enough.
func copyDirectory(v any) map[string]any {
	out := make(map[string]any)
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = val
	}
	return out
}
