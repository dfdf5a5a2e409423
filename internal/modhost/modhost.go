// Package modhost manages in-process service modules: each runs on its own
// cooperative task (a goroutine under a cancellable context) with exactly
// one bidirectional channel to the router, per spec.md §4.4.
//
// Grounded on public/agent/framework.go's lifecycle (initialize, run a
// message-processing goroutine, shut down on context cancellation or
// signal) generalized from a single long-lived agent process into a
// load/unload-managed registry of many concurrent module tasks sharing one
// router.
package modhost

import (
	"context"
	"sync"

	"github.com/fluxsched/flux/internal/message"
	"github.com/fluxsched/flux/internal/router"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Func is a module's business logic entry point. It must return when ctx is
// cancelled (the host's "shutdown sentinel", posted on unload); handle is
// the module's sole channel to the router, and args is the argument map
// from its load configuration entry.
type Func func(ctx context.Context, handle *router.ServiceHandle, args map[string]any)

type moduleEntry struct {
	name     string
	identity string
	args     map[string]any
	handle   *router.ServiceHandle
	cancel   context.CancelFunc
	done     chan struct{}

	stopping      bool
	unloadWaiters []*message.Message
}

// Host owns the registry of loaded modules for one rank.
type Host struct {
	log zerolog.Logger
	r   *router.Router

	mu        sync.Mutex
	modules   map[string]*moduleEntry
	factories map[string]Func
}

// New constructs a Host dispatching through r.
func New(log zerolog.Logger, r *router.Router) *Host {
	return &Host{log: log, r: r, modules: make(map[string]*moduleEntry)}
}

// Load starts fn as name's cooperative task. path is carried only as
// bookkeeping (dynamic plugin loading from a path is out of scope); args is
// the module's configuration argument map. Returns AlreadyExists if name is
// already loaded.
func (h *Host) Load(ctx context.Context, name, path string, args map[string]any, fn Func) error {
	h.mu.Lock()
	if _, exists := h.modules[name]; exists {
		h.mu.Unlock()
		return message.NewError(message.KindAlreadyExists, "module %q already loaded", name)
	}

	identity := uuid.NewString()
	handle := h.r.RegisterService(name, identity, 64)
	taskCtx, cancel := context.WithCancel(ctx)
	entry := &moduleEntry{
		name:     name,
		identity: identity,
		args:     args,
		handle:   handle,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	h.modules[name] = entry
	h.mu.Unlock()

	h.r.TouchPeer(identity, true)

	go func() {
		defer close(entry.done)
		fn(taskCtx, handle, args)
	}()

	h.log.Info().Str("module", name).Str("identity", identity).Str("path", path).Msg("modhost: loaded")
	return nil
}

// RegisterFactory makes moduleType available to LoadByType under that name.
// Configuration entries (and broker.load requests routed through a
// router.ModuleLoader) name a module only by type string, never a path to
// dynamically loaded code (out of scope per spec.md §1).
func (h *Host) RegisterFactory(moduleType string, fn Func) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.factories == nil {
		h.factories = make(map[string]Func)
	}
	h.factories[moduleType] = fn
}

// LoadByType starts name running the Func registered under moduleType. It
// satisfies router.ModuleLoader, letting broker.load dispatch here without
// the router importing modhost.
func (h *Host) LoadByType(ctx context.Context, name, moduleType, path string, args map[string]any) error {
	h.mu.Lock()
	fn, ok := h.factories[moduleType]
	h.mu.Unlock()
	if !ok {
		return message.NewError(message.KindNotFound, "no such module type %q", moduleType)
	}
	return h.Load(ctx, name, path, args, fn)
}

// Unload signals name's task to stop by cancelling its context. If req is
// non-nil, it is queued and answered once the task has fully drained;
// multiple unload requests for the same module all receive the same
// eventual reply (spec.md §4.4). Returns NotFound if name isn't loaded.
func (h *Host) Unload(name string, req *message.Message) error {
	h.mu.Lock()
	entry, ok := h.modules[name]
	if !ok {
		h.mu.Unlock()
		return message.NewError(message.KindNotFound, "no such module %q", name)
	}
	if req != nil {
		entry.unloadWaiters = append(entry.unloadWaiters, req)
	}
	alreadyStopping := entry.stopping
	entry.stopping = true
	h.mu.Unlock()

	if !alreadyStopping {
		entry.cancel()
		go h.awaitShutdown(entry)
	}
	return nil
}

// awaitShutdown waits for entry's task to exit, unregisters it from the
// router, and replies to every queued unload request.
func (h *Host) awaitShutdown(entry *moduleEntry) {
	<-entry.done
	h.r.UnregisterService(entry.name)

	h.mu.Lock()
	waiters := entry.unloadWaiters
	delete(h.modules, entry.name)
	h.mu.Unlock()

	for _, orig := range waiters {
		reply, err := orig.Reply(map[string]bool{"ok": true})
		if err != nil {
			h.log.Error().Err(err).Str("module", entry.name).Msg("modhost: failed to build unload reply")
			continue
		}
		entry.handle.Send(reply)
	}
	h.log.Info().Str("module", entry.name).Msg("modhost: unloaded")
}

// Shutdown unloads every loaded module and blocks until all their tasks
// have drained, for broker-wide graceful shutdown.
func (h *Host) Shutdown() {
	h.mu.Lock()
	dones := make([]chan struct{}, 0, len(h.modules))
	for _, entry := range h.modules {
		if !entry.stopping {
			entry.stopping = true
			entry.cancel()
		}
		dones = append(dones, entry.done)
	}
	h.mu.Unlock()

	for _, done := range dones {
		<-done
	}
}

// Loaded reports whether name currently has a running task.
func (h *Host) Loaded(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// Names returns the currently loaded module names.
func (h *Host) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.modules))
	for name := range h.modules {
		names = append(names, name)
	}
	return names
}
