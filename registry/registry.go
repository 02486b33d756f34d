// Package registry maintains the authoritative table of plugins known to the
// bridge together with the capability index used for discovery.
//
// All mutations are serialized through a single owner goroutine fed by an
// internal command queue, so the plugin table and the capability index always
// change together. Reads never touch the owner: they are served from an
// immutable snapshot republished after every mutation.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/lumo-launcher/bridge/message"
)

// Common error variables for registry operations
var (
	// ErrDuplicateRegistration indicates an attempt to register a plugin id that is already in use
	ErrDuplicateRegistration = errors.New("plugin already registered")

	// ErrUnknownPlugin indicates that the referenced plugin id is not registered
	ErrUnknownPlugin = errors.New("plugin not registered")

	// ErrInvalidPluginID indicates an empty or reserved plugin id
	ErrInvalidPluginID = errors.New("invalid plugin id")

	// ErrRegistryClosed indicates the registry no longer accepts mutations
	// Returned once shutdown has begun
	ErrRegistryClosed = errors.New("registry closed")

	// ErrRegistryOverloaded indicates the owner command queue is exhausted.
	// This is treated as a fatal bridge condition, not a retryable error.
	ErrRegistryOverloaded = errors.New("registry command queue exhausted")
)

// PluginInfo describes one registered plugin. Instances handed out by the
// registry are copies; mutating them has no effect on registry state.
type PluginInfo struct {
	ID            string
	Capabilities  []message.Capability
	Status        PluginStatus
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// Hooks are invoked synchronously from the owner goroutine after a mutation
// commits. The bridge uses them to keep mailbox lifetimes identical to
// registry lifetimes and to emit lifecycle notifications.
type Hooks struct {
	OnRegistered    func(info PluginInfo)
	OnUnregistered  func(info PluginInfo)
	OnStatusChanged func(info PluginInfo, from, to PluginStatus)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the owner loop.
func WithLogger(logger log.Logger) Option {
	return func(r *Registry) { r.helper = log.NewHelper(logger) }
}

// WithHooks sets the mutation hooks.
func WithHooks(h Hooks) Option {
	return func(r *Registry) { r.hooks = h }
}

// WithCommandQueueSize overrides the owner command queue capacity.
func WithCommandQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithFatalHandler sets the callback invoked when the command queue is
// exhausted. The bridge uses it to trigger a full shutdown instead of
// continuing with possibly inconsistent state.
func WithFatalHandler(fn func(error)) Option {
	return func(r *Registry) { r.onFatal = fn }
}

// snapshot is the immutable read view republished after every mutation.
type snapshot struct {
	plugins      map[string]PluginInfo
	byCapability map[string][]string // capability name -> sorted plugin ids
}

var emptySnapshot = &snapshot{
	plugins:      map[string]PluginInfo{},
	byCapability: map[string][]string{},
}

type command struct {
	apply func() error
	reply chan error
}

// Registry is the single-writer owner of the plugin table and capability
// index. It is safe for concurrent use; all exported reads are lock-free.
type Registry struct {
	cmds      chan command
	queueSize int

	// owner-goroutine state; never touched outside run()
	plugins map[string]*PluginInfo
	byCap   map[string]map[string]struct{}

	snap atomic.Pointer[snapshot]

	hooks   Hooks
	helper  *log.Helper
	onFatal func(error)

	frozen atomic.Bool
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a registry and starts its owner goroutine.
func New(opts ...Option) *Registry {
	r := &Registry{
		queueSize: 1024,
		plugins:   make(map[string]*PluginInfo),
		byCap:     make(map[string]map[string]struct{}),
		helper:    log.NewHelper(log.GetLogger()),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cmds = make(chan command, r.queueSize)
	r.snap.Store(emptySnapshot)
	r.wg.Add(1)
	go r.run()
	return r
}

// run is the owner loop. It applies one command at a time, which gives a
// total order for all registrations, removals, and status transitions.
func (r *Registry) run() {
	defer r.wg.Done()
	for {
		select {
		case cmd := <-r.cmds:
			cmd.reply <- cmd.apply()
		case <-r.done:
			// drain commands already queued so callers are not left hanging
			for {
				select {
				case cmd := <-r.cmds:
					cmd.reply <- ErrRegistryClosed
				default:
					return
				}
			}
		}
	}
}

// submit queues a mutation for the owner loop and waits for its result.
func (r *Registry) submit(apply func() error) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	cmd := command{apply: apply, reply: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
	default:
		// Queue exhaustion means mutations are arriving faster than the
		// owner can ever apply them. Escalate instead of corrupting state.
		if r.onFatal != nil {
			r.onFatal(ErrRegistryOverloaded)
		}
		return ErrRegistryOverloaded
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		return ErrRegistryClosed
	}
}

// Register inserts a new plugin with the given capabilities. The plugin
// enters StatusRegistering and is promoted to StatusActive before the call
// returns, with the capability index updated in the same transaction.
func (r *Registry) Register(id string, capabilities []message.Capability) error {
	if id == "" || id == message.Broadcast {
		return fmt.Errorf("%w: %q", ErrInvalidPluginID, id)
	}
	if r.frozen.Load() {
		return ErrRegistryClosed
	}
	return r.submit(func() error {
		if _, exists := r.plugins[id]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateRegistration, id)
		}
		now := time.Now()
		info := &PluginInfo{
			ID:            id,
			Capabilities:  append([]message.Capability(nil), capabilities...),
			Status:        StatusRegistering,
			RegisteredAt:  now,
			LastHeartbeat: now,
		}
		r.plugins[id] = info
		for _, capability := range info.Capabilities {
			set, ok := r.byCap[capability.Name]
			if !ok {
				set = make(map[string]struct{})
				r.byCap[capability.Name] = set
			}
			set[id] = struct{}{}
		}
		info.Status = StatusActive
		r.publish()
		if r.hooks.OnRegistered != nil {
			r.hooks.OnRegistered(*info)
		}
		r.helper.Infof("plugin registered: id=%s capabilities=%d", id, len(info.Capabilities))
		return nil
	})
}

// Unregister removes a plugin and every capability index entry that
// references it.
func (r *Registry) Unregister(id string) error {
	return r.submit(func() error {
		info, exists := r.plugins[id]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
		}
		delete(r.plugins, id)
		for _, capability := range info.Capabilities {
			if set, ok := r.byCap[capability.Name]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(r.byCap, capability.Name)
				}
			}
		}
		removed := *info
		removed.Status = StatusUnregistered
		r.publish()
		if r.hooks.OnUnregistered != nil {
			r.hooks.OnUnregistered(removed)
		}
		r.helper.Infof("plugin unregistered: id=%s", id)
		return nil
	})
}

// Heartbeat records a liveness signal for the plugin.
func (r *Registry) Heartbeat(id string) error {
	return r.submit(func() error {
		info, exists := r.plugins[id]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
		}
		info.LastHeartbeat = time.Now()
		r.publish()
		return nil
	})
}

// SetStatus transitions a plugin to the given status. The status-changed
// hook fires only when the status actually changes.
func (r *Registry) SetStatus(id string, status PluginStatus) error {
	return r.submit(func() error {
		info, exists := r.plugins[id]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
		}
		from := info.Status
		if from == status {
			return nil
		}
		info.Status = status
		r.publish()
		if r.hooks.OnStatusChanged != nil {
			r.hooks.OnStatusChanged(*info, from, status)
		}
		r.helper.Infof("plugin status changed: id=%s from=%s to=%s", id, from, status)
		return nil
	})
}

// publish rebuilds the immutable read snapshot. Called by the owner loop
// after every committed mutation.
func (r *Registry) publish() {
	plugins := make(map[string]PluginInfo, len(r.plugins))
	for id, info := range r.plugins {
		plugins[id] = *info
	}
	byCap := make(map[string][]string, len(r.byCap))
	for name, set := range r.byCap {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		byCap[name] = ids
	}
	r.snap.Store(&snapshot{plugins: plugins, byCapability: byCap})
}

// Info returns a copy of the plugin record.
func (r *Registry) Info(id string) (PluginInfo, bool) {
	info, ok := r.snap.Load().plugins[id]
	return info, ok
}

// Status returns the plugin status, or false if the id is unknown.
func (r *Registry) Status(id string) (PluginStatus, bool) {
	info, ok := r.snap.Load().plugins[id]
	if !ok {
		return StatusUnregistered, false
	}
	return info.Status, true
}

// PluginsByCapability returns the ids of plugins advertising the capability
// that are currently routable (active or degraded). The result is sorted.
func (r *Registry) PluginsByCapability(name string) []string {
	snap := r.snap.Load()
	ids := snap.byCapability[name]
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if info, ok := snap.plugins[id]; ok && info.Status.Routable() {
			out = append(out, id)
		}
	}
	return out
}

// Routable returns the ids of every plugin eligible for delivery, sorted.
// Broadcast fan-out uses this as its target set.
func (r *Registry) Routable() []string {
	snap := r.snap.Load()
	out := make([]string, 0, len(snap.plugins))
	for id, info := range snap.plugins {
		if info.Status.Routable() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// All returns a copy of every plugin record, keyed by id.
func (r *Registry) All() map[string]PluginInfo {
	snap := r.snap.Load()
	out := make(map[string]PluginInfo, len(snap.plugins))
	for id, info := range snap.plugins {
		out[id] = info
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.snap.Load().plugins)
}

// StatusCounts returns the number of plugins per status.
func (r *Registry) StatusCounts() map[PluginStatus]int {
	out := make(map[PluginStatus]int, 4)
	for _, info := range r.snap.Load().plugins {
		out[info.Status]++
	}
	return out
}

// Freeze stops the registry from accepting new registrations. Existing
// plugins remain routable; used during graceful shutdown.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Close stops the owner goroutine. Pending commands fail with
// ErrRegistryClosed. Safe to call more than once.
func (r *Registry) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.done)
		r.wg.Wait()
	}
}
