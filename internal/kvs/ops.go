package kvs

import "github.com/fluxsched/flux/internal/message"

// dirGet resolves key against a decoded directory value, returning ok=false
// if the directory has no such key (kvs_get's "util_json_object_get_string
// fails, continue" behavior: a missing key is simply absent from the
// reply, not an error).
func dirGet(dirVal any, key string) (Ref, bool) {
	dir, ok := dirVal.(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := dir[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	return Ref(s), true
}

// handleGet implements kvs.get: resolve the current root directory, then
// each requested key against it, merging present values into the reply.
// May stall on either the root directory or any individual value
// (spec.md §4.5 "get").
func (e *Engine) handleGet(m *message.Message) {
	var keys map[string]any
	if err := m.UnmarshalPayload(&keys); err != nil {
		e.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}

	dirVal, stalled, err := e.load(e.rootRef.Ref, m)
	if err != nil {
		e.replyErr(m, err)
		return
	}
	if stalled {
		return
	}

	result := make(map[string]any, len(keys))
	for key := range keys {
		ref, ok := dirGet(dirVal, key)
		if !ok {
			continue
		}
		val, stalled, err := e.load(ref, m)
		if err != nil {
			e.replyErr(m, err)
			return
		}
		if stalled {
			return
		}
		result[key] = val
	}
	e.reply(m, result)
}

// handlePut implements kvs.put: for each non-null entry, store the value
// and name the key to its ref; for each null entry, unlink the key. Puts
// never stall — they only write (spec.md §4.5 "put").
func (e *Engine) handlePut(m *message.Message) {
	var entries map[string]any
	if err := m.UnmarshalPayload(&entries); err != nil {
		e.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}

	writeback := !e.isRoot
	for key, val := range entries {
		if val == nil {
			e.name(key, "", writeback)
			continue
		}
		ref, _, err := hashBlob(val)
		if err != nil {
			e.replyError(m, message.KindInvalidArgument, err.Error())
			return
		}
		e.store(ref, val, writeback)
		e.name(key, ref, writeback)
	}
	e.reply(m, map[string]bool{"ok": true})
}

// handleGetroot implements kvs.getroot.
func (e *Engine) handleGetroot(m *message.Message) {
	e.reply(m, e.rootRef.String())
}

// handleDropcache implements kvs.dropcache: fails Busy at a non-root rank
// with a non-empty writeback queue; otherwise evicts unreferenced cache
// entries (spec.md §4.5 "dropcache").
func (e *Engine) handleDropcache(m *message.Message) {
	if !e.isRoot {
		if len(e.writeback) > 0 {
			e.replyError(m, message.KindBusy, "writeback queue not empty")
			return
		}
		e.dropCache()
	}
	e.reply(m, map[string]bool{"ok": true})
}

// handleLoad implements kvs.load, the rank-to-rank counterpart of get:
// resolve each requested ref directly (no directory indirection) and
// reply with the ref -> blob map once every one is present (spec.md §4.5
// "Blob load with stalls").
func (e *Engine) handleLoad(m *message.Message) {
	var refs map[Ref]any
	if err := m.UnmarshalPayload(&refs); err != nil {
		e.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}

	result := make(map[Ref]any, len(refs))
	for ref := range refs {
		val, stalled, err := e.load(ref, m)
		if err != nil {
			e.replyErr(m, err)
			return
		}
		if stalled {
			return
		}
		result[ref] = val
	}
	e.reply(m, result)
}

// handleLoadResponse accepts blobs returned by the parent for refs this
// rank requested, populating the cache and resuming any stalled waiters
// (spec.md §4.5). writeback is always false here: these blobs are already
// known upstream, nothing to write back.
func (e *Engine) handleLoadResponse(m *message.Message) {
	var blobs map[Ref]any
	if err := m.UnmarshalPayload(&blobs); err != nil {
		e.log.Error().Err(err).Msg("kvs: malformed load response")
		return
	}
	for ref, val := range blobs {
		computed, _, err := hashBlob(val)
		if err != nil {
			e.log.Error().Err(err).Str("ref", string(ref)).Msg("kvs: failed to hash loaded blob")
			continue
		}
		if computed != ref {
			e.log.Error().Str("ref", string(ref)).Str("computed", string(computed)).
				Msg("kvs: hash mismatch on loaded blob, ignoring")
			continue
		}
		e.store(ref, val, false)
	}
}

// handleStore implements kvs.store, the rank-to-rank accept-blobs request:
// insert every blob into the cache, forwarding further upstream unless
// this rank is the treeroot, and ack immediately (spec.md §4.5 "store").
// The forward is decoupled from this ack: it is tracked by this rank's own
// writeback queue and acked independently when the grandparent responds.
func (e *Engine) handleStore(m *message.Message) {
	var blobs map[Ref]any
	if err := m.UnmarshalPayload(&blobs); err != nil {
		e.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}
	writeback := !e.isRoot
	ack := make(map[Ref]any, len(blobs))
	for ref, val := range blobs {
		computed, _, err := hashBlob(val)
		if err != nil || computed != ref {
			e.log.Error().Str("ref", string(ref)).Msg("kvs: hash mismatch on stored blob, ignoring")
			continue
		}
		e.store(ref, val, writeback)
		ack[ref] = nil
	}
	e.reply(m, ack)
}

// handleStoreResponse pops the matching STORE op(s) from this rank's own
// writeback queue once the parent acks them (spec.md §4.5 "On upstream's
// store response for ref").
func (e *Engine) handleStoreResponse(m *message.Message) {
	var acked map[Ref]any
	if err := m.UnmarshalPayload(&acked); err != nil {
		e.log.Error().Err(err).Msg("kvs: malformed store response")
		return
	}
	for ref := range acked {
		e.writebackDel(opStore, "", ref)
	}
}

// handleName implements kvs.name, the rank-to-rank accept-names request:
// apply each key/ref (or key/null to unlink) mutation and ack immediately
// (spec.md §4.5 "name").
func (e *Engine) handleName(m *message.Message) {
	var entries map[string]*string
	if err := m.UnmarshalPayload(&entries); err != nil {
		e.replyError(m, message.KindInvalidArgument, err.Error())
		return
	}
	writeback := !e.isRoot
	ack := make(map[string]any, len(entries))
	for key, ref := range entries {
		if ref == nil {
			e.name(key, "", writeback)
		} else {
			e.name(key, Ref(*ref), writeback)
		}
		ack[key] = nil
	}
	e.reply(m, ack)
}

// handleNameResponse pops the matching NAME op(s) from this rank's own
// writeback queue once the parent acks them.
func (e *Engine) handleNameResponse(m *message.Message) {
	var acked map[string]any
	if err := m.UnmarshalPayload(&acked); err != nil {
		e.log.Error().Err(err).Msg("kvs: malformed name response")
		return
	}
	for key := range acked {
		e.writebackDel(opName, key, "")
	}
}

// statsResult is the supplemented kvs.stats introspection op (SPEC_FULL.md
// "Supplemented features"; grounded on kvssrv.c's event_kvs_debug_stats).
type statsResult struct {
	WritebackSize  int    `json:"writeback_size"`
	CacheSize      int    `json:"cache_size"`
	RootRef        string `json:"rootref"`
	CommitsDone    int    `json:"commits_done"`
	CommitsPending int    `json:"commits_pending"`
}

func (e *Engine) handleStats(m *message.Message) {
	done := 0
	for _, cp := range e.commits {
		if cp.done {
			done++
		}
	}
	e.reply(m, statsResult{
		WritebackSize:  len(e.writeback),
		CacheSize:      len(e.cache),
		RootRef:        e.rootRef.String(),
		CommitsDone:    done,
		CommitsPending: len(e.commits) - done,
	})
}
