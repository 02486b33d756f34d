// Package bridge implements the in-process service bridge: the broker every
// launcher capability registers with to discover peers and exchange
// prioritized, optionally correlated messages.
//
// The bridge is organized around five collaborating components:
//
//   - registry.Registry: authoritative plugin table plus capability index,
//     mutated only through a single owner goroutine
//   - channel.Manager: one bounded, priority-partitioned mailbox per plugin
//   - correlation.Tracker: outstanding request table with deadline sweep
//   - router.Router: send/request/broadcast entry points and one delivery
//     worker goroutine per plugin
//   - lifecycle.Monitor: heartbeat-driven health state machine with cleanup
//
// This file wires them together behind the caller-facing API.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lumo-launcher/bridge/channel"
	"github.com/lumo-launcher/bridge/conf"
	"github.com/lumo-launcher/bridge/correlation"
	"github.com/lumo-launcher/bridge/internal/metrics"
	"github.com/lumo-launcher/bridge/lifecycle"
	"github.com/lumo-launcher/bridge/message"
	"github.com/lumo-launcher/bridge/registry"
	"github.com/lumo-launcher/bridge/router"
)

// Re-exported error variables so callers can match outcomes without
// importing every subpackage.
var (
	ErrDuplicateRegistration = registry.ErrDuplicateRegistration
	ErrUnknownPlugin         = registry.ErrUnknownPlugin
	ErrUnknownTarget         = router.ErrUnknownTarget
	ErrChannelFull           = channel.ErrChannelFull
	ErrTimeout               = correlation.ErrTimeout
	ErrCancelled             = correlation.ErrCancelled
	ErrTTLExpired            = correlation.ErrTTLExpired
	ErrAlreadyPending        = correlation.ErrAlreadyPending

	// ErrBridgeClosed indicates the bridge has been shut down
	ErrBridgeClosed = errors.New("bridge closed")
)

// Handler is the per-plugin message callback. See router.Handler.
type Handler = router.Handler

// Stats is an aggregate snapshot of bridge state.
type Stats struct {
	Plugins        int
	StatusCounts   map[registry.PluginStatus]int
	Mailboxes      channel.Stats
	PendingCount   int
	Resolved       uint64
	Expired        uint64
	Discarded      uint64
	EventsEmitted  uint64
	StreamsDropped uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger shared by all bridge components.
func WithLogger(logger log.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithMetrics registers the bridge collectors with the given prometheus
// registerer. Without this option the bridge runs unmetered.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(b *Bridge) { b.promReg = reg }
}

// Bridge is the broker facade. All methods are safe for concurrent use.
type Bridge struct {
	config  conf.Config
	logger  log.Logger
	helper  *log.Helper
	promReg prometheus.Registerer
	metrics *metrics.Metrics

	reg      *registry.Registry
	channels *channel.Manager
	tracker  *correlation.Tracker
	rt       *router.Router
	bus      *lifecycle.Bus
	monitor  *lifecycle.Monitor

	closed    chan struct{}
	closeOnce sync.Once
	fatalOnce sync.Once
}

// New creates and starts a bridge with the given configuration.
func New(cfg conf.Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bridge{
		config: cfg,
		logger: log.GetLogger(),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.helper = log.NewHelper(b.logger)

	b.bus = lifecycle.NewBus(cfg.Events, b.logger)
	b.tracker = correlation.NewTracker(
		correlation.WithLogger(b.logger),
		correlation.WithSweepInterval(cfg.Correlation.SweepInterval),
		correlation.WithFatalHandler(b.fatal),
	)
	b.channels = channel.NewManager(cfg.Channel, b.onDrop, b.logger)
	b.reg = registry.New(
		registry.WithLogger(b.logger),
		registry.WithFatalHandler(b.fatal),
		registry.WithHooks(registry.Hooks{
			OnRegistered:    b.onRegistered,
			OnUnregistered:  b.onUnregistered,
			OnStatusChanged: b.onStatusChanged,
		}),
	)
	b.monitor = lifecycle.NewMonitor(cfg.Lifecycle, b.reg, b.bus, b.cleanupUnhealthy, b.logger)
	if b.promReg != nil {
		b.metrics = metrics.New(b.promReg,
			func() int { return b.channels.Totals().Depth },
			b.tracker.Pending,
			b.reg.Len,
		)
	}
	b.rt = router.New(cfg.Router, b.reg, b.channels, b.tracker, b.monitor, b.metrics, b.logger)
	b.monitor.Start()
	b.helper.Info("service bridge started")
	return b, nil
}

// registry hooks; these run on the registry owner goroutine and must not
// block on it.

func (b *Bridge) onRegistered(info registry.PluginInfo) {
	b.channels.Create(info.ID)
	ev := lifecycle.NewEvent(lifecycle.EventRegistered, info.ID)
	ev.ToStatus = info.Status.String()
	ev.Metadata = map[string]any{"capabilities": len(info.Capabilities)}
	b.bus.Publish(ev)
}

func (b *Bridge) onUnregistered(info registry.PluginInfo) {
	// destroying the mailbox stops the delivery worker; queued messages are
	// dropped and their correlations cancelled through the drop callback
	b.channels.Destroy(info.ID)
	ev := lifecycle.NewEvent(lifecycle.EventUnregistered, info.ID)
	ev.FromStatus = info.Status.String()
	ev.ToStatus = registry.StatusUnregistered.String()
	b.bus.Publish(ev)
}

func (b *Bridge) onStatusChanged(info registry.PluginInfo, from, to registry.PluginStatus) {
	ev := lifecycle.NewEvent(lifecycle.EventStatusChanged, info.ID)
	ev.FromStatus = from.String()
	ev.ToStatus = to.String()
	b.bus.Publish(ev)
}

// onDrop observes every message discarded by a mailbox and fails any
// correlation waiting on it so callers get a synthetic failure rather than
// hanging until their deadline.
func (b *Bridge) onDrop(msg message.Message, reason channel.DropReason) {
	b.metrics.IncDropped(reason.String())
	if msg.CorrelationID == "" {
		return
	}
	switch reason {
	case channel.DropExpired:
		b.tracker.Fail(msg.CorrelationID, correlation.ErrTTLExpired)
	default:
		b.tracker.Fail(msg.CorrelationID, correlation.ErrCancelled)
	}
}

// cleanupUnhealthy removes a plugin the monitor declared unhealthy.
func (b *Bridge) cleanupUnhealthy(pluginID string) {
	if err := b.reg.Unregister(pluginID); err != nil {
		b.helper.Warnf("cleanup of unhealthy plugin failed: id=%s err=%v", pluginID, err)
	}
}

// fatal handles unrecoverable owner-queue exhaustion: it emits a bridge
// fatal event and shuts the whole bridge down rather than continuing with
// possibly inconsistent state.
func (b *Bridge) fatal(cause error) {
	b.fatalOnce.Do(func() {
		b.helper.Errorf("fatal bridge condition, shutting down: %v", cause)
		ev := lifecycle.NewEvent(lifecycle.EventBridgeFatal, "")
		ev.Err = cause
		b.bus.Publish(ev)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.config.Shutdown.DrainTimeout)
			defer cancel()
			_ = b.Shutdown(ctx)
		}()
	})
}

// Register admits a plugin with its advertised capabilities and starts its
// delivery worker. The handler receives every message routed to the plugin.
func (b *Bridge) Register(pluginID string, capabilities []message.Capability, handler Handler) (*Handle, error) {
	if b.isClosed() {
		return nil, ErrBridgeClosed
	}
	if handler == nil {
		return nil, fmt.Errorf("plugin %s: handler must not be nil", pluginID)
	}
	if err := b.reg.Register(pluginID, capabilities); err != nil {
		return nil, newBridgeError(pluginID, "register", err)
	}
	ch, ok := b.channels.Get(pluginID)
	if !ok {
		// hook creates the mailbox before Register returns; missing means a
		// concurrent teardown won
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
	}
	if err := b.rt.StartWorker(pluginID, ch, handler); err != nil {
		_ = b.reg.Unregister(pluginID)
		return nil, err
	}
	b.bus.Publish(lifecycle.NewEvent(lifecycle.EventStarted, pluginID))
	return &Handle{bridge: b, pluginID: pluginID}, nil
}

// Unregister removes a plugin, tears down its mailbox, and stops its
// delivery worker.
func (b *Bridge) Unregister(pluginID string) error {
	if err := b.reg.Unregister(pluginID); err != nil {
		return newBridgeError(pluginID, "unregister", err)
	}
	return nil
}

// Heartbeat records a liveness signal for the plugin.
func (b *Bridge) Heartbeat(pluginID string) error {
	if err := b.monitor.Heartbeat(pluginID); err != nil {
		return newBridgeError(pluginID, "heartbeat", err)
	}
	return nil
}

// Send routes a message to its target plugin. Routing and capacity failures
// are returned synchronously; nothing is silently dropped.
func (b *Bridge) Send(msg message.Message) error {
	if b.isClosed() {
		return ErrBridgeClosed
	}
	return b.rt.Send(msg)
}

// WaitOption adjusts a SendAndWait call.
type WaitOption func(*waitOptions)

type waitOptions struct {
	expectedKind string
}

// WithExpectedKind restricts the response to a specific message kind;
// responses of other kinds are discarded and the request stays pending.
func WithExpectedKind(kind string) WaitOption {
	return func(o *waitOptions) { o.expectedKind = kind }
}

// SendAndWait sends a correlated request and blocks until the matching
// response, the timeout, or ctx cancellation, whichever comes first.
func (b *Bridge) SendAndWait(ctx context.Context, msg message.Message, timeout time.Duration, opts ...WaitOption) (message.Message, error) {
	if b.isClosed() {
		return message.Message{}, ErrBridgeClosed
	}
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	return b.rt.SendAndWait(ctx, msg, timeout, o.expectedKind)
}

// Broadcast fans the message out to every routable plugin except the
// sender. A structurally invalid message is rejected; per-target delivery
// failures are reported, never raised.
func (b *Bridge) Broadcast(msg message.Message) (router.BroadcastReport, error) {
	if b.isClosed() {
		return router.BroadcastReport{}, ErrBridgeClosed
	}
	return b.rt.Broadcast(msg)
}

// QueryCapability returns the ids of routable plugins advertising the
// capability.
func (b *Bridge) QueryCapability(name string) []string {
	return b.reg.PluginsByCapability(name)
}

// Status returns the plugin's current health status.
func (b *Bridge) Status(pluginID string) (registry.PluginStatus, bool) {
	return b.reg.Status(pluginID)
}

// SubscribeLifecycle returns a buffered stream of lifecycle events plus a
// cancel function. Slow consumers lose events rather than stalling the
// bridge.
func (b *Bridge) SubscribeLifecycle() (<-chan lifecycle.Event, context.CancelFunc) {
	return b.bus.Stream()
}

// SubscribeLifecycleFunc registers a callback for lifecycle events.
func (b *Bridge) SubscribeLifecycleFunc(handler func(lifecycle.Event)) context.CancelFunc {
	return b.bus.Subscribe(handler)
}

// EventHistory returns the recent lifecycle events ring, or nil when history
// is disabled.
func (b *Bridge) EventHistory() *lifecycle.History {
	return b.bus.History()
}

// ChannelStats returns mailbox accounting for one plugin.
func (b *Bridge) ChannelStats(pluginID string) (channel.Stats, bool) {
	return b.channels.Stats(pluginID)
}

// Stats returns an aggregate snapshot of bridge state.
func (b *Bridge) Stats() Stats {
	resolved, expired, discarded := b.tracker.Stats()
	published, dropped := b.bus.Stats()
	return Stats{
		Plugins:        b.reg.Len(),
		StatusCounts:   b.reg.StatusCounts(),
		Mailboxes:      b.channels.Totals(),
		PendingCount:   b.tracker.Pending(),
		Resolved:       resolved,
		Expired:        expired,
		Discarded:      discarded,
		EventsEmitted:  published,
		StreamsDropped: dropped,
	}
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Shutdown stops the bridge gracefully: new registrations are refused,
// in-flight deliveries drain up to the ctx deadline (bounded by the
// configured drain timeout), then remaining mailboxes are force-destroyed
// and still-pending correlations resolve as cancelled. Safe to call more
// than once.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		b.reg.Freeze()
		b.monitor.Stop()

		drainCtx, cancel := context.WithTimeout(ctx, b.config.Shutdown.DrainTimeout)
		defer cancel()
		err = b.drain(drainCtx)

		b.rt.Close()
		b.channels.DestroyAll()
		b.tracker.Close()
		b.reg.Close()
		_ = b.bus.Close()
		b.helper.Info("service bridge stopped")
	})
	return err
}

// drain waits for every mailbox to empty, polling until the deadline.
func (b *Bridge) drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.channels.Totals().Depth == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("drain incomplete at shutdown: %d messages dropped", b.channels.Totals().Depth)
		}
	}
}

// Handle is the per-plugin view returned by Register.
type Handle struct {
	bridge   *Bridge
	pluginID string
}

// PluginID returns the registered plugin id.
func (h *Handle) PluginID() string { return h.pluginID }

// Heartbeat records a liveness signal for this plugin.
func (h *Handle) Heartbeat() error { return h.bridge.Heartbeat(h.pluginID) }

// Stats returns this plugin's mailbox accounting.
func (h *Handle) Stats() (channel.Stats, bool) { return h.bridge.ChannelStats(h.pluginID) }

// Unregister removes this plugin from the bridge.
func (h *Handle) Unregister() error { return h.bridge.Unregister(h.pluginID) }
