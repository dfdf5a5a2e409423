package kvs

import "github.com/fluxsched/flux/internal/message"

// cacheEntry is a single content-addressed slot: either populated (value
// set) or a placeholder for a blob requested from the parent but not yet
// arrived, with a queue of requests stalled on it (spec.md §4.5 "Blob load
// with stalls").
type cacheEntry struct {
	value   any
	present bool
	waiters []*message.Message
}

// load resolves ref against the cache. If the blob is present it returns it
// immediately. If absent, it creates a placeholder (issuing exactly one
// kvs.load to the parent per ref, invariant (a)), appends orig to the
// waiter queue, and returns stalled=true; the caller must stop processing
// orig and return to the event loop without replying.
//
// At the treeroot a missing ref can never be filled in by anyone upstream,
// so its absence is reported as corruption rather than stalled (spec.md
// §4.5 invariant (c)).
func (e *Engine) load(ref Ref, orig *message.Message) (value any, stalled bool, err error) {
	entry, ok := e.cache[ref]
	if e.isRoot {
		if !ok || !entry.present {
			return nil, false, message.NewError(message.KindCorruption, "dangling ref %s", ref)
		}
		return entry.value, false, nil
	}

	if !ok {
		entry = &cacheEntry{}
		e.cache[ref] = entry
		e.sendUpstream("kvs.load", map[Ref]any{ref: nil})
	}
	if !entry.present {
		entry.waiters = append(entry.waiters, orig)
		return nil, true, nil
	}
	return entry.value, false, nil
}

// store inserts a blob already known to hash to ref. If the blob is new,
// and writeback is set, it is queued for propagation upstream (non-root
// only). If a placeholder was waiting on ref, every stalled request is
// replayed through its original handler now that the value is available.
func (e *Engine) store(ref Ref, value any, writeback bool) {
	entry, ok := e.cache[ref]
	if ok {
		if entry.present {
			return // already have it, discard the duplicate
		}
		entry.value = value
		entry.present = true
		waiters := entry.waiters
		entry.waiters = nil
		for _, orig := range waiters {
			e.replay(orig)
		}
		return
	}

	e.cache[ref] = &cacheEntry{value: value, present: true}
	if writeback {
		e.writebackAdd(opStore, "", ref)
		e.sendUpstream("kvs.store", map[Ref]any{ref: value})
	}
}

// replay re-invokes the handler for orig's topic, exactly as if it had just
// arrived (spec.md §5 "Resumption re-invokes the handler with the original
// request"). A request may re-stall on a different ref; it will be
// requeued on that ref's waiters by load and replayed again later.
func (e *Engine) replay(orig *message.Message) {
	switch orig.Topic {
	case "kvs.load":
		e.handleLoad(orig)
	case "kvs.get":
		e.handleGet(orig)
	default:
		e.log.Warn().Str("topic", orig.Topic).Msg("kvs: no replay handler for stalled topic")
	}
}

// dropCache evicts every cache entry with no waiters. Entries with a
// waiter queue are kept, since evicting a placeholder an in-flight request
// is stalled on would orphan it permanently (DESIGN.md Open Question 3).
func (e *Engine) dropCache() {
	kept := make(map[Ref]*cacheEntry, len(e.cache))
	for ref, entry := range e.cache {
		if len(entry.waiters) > 0 {
			kept[ref] = entry
		}
	}
	e.log.Warn().Int("dropped", len(e.cache)-len(kept)).Msg("kvs: dropped cache entries")
	e.cache = kept
}
