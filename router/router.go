// Package router accepts send, request/response, and broadcast traffic,
// resolves targets through the registry, and feeds the per-plugin delivery
// workers that invoke registered handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	ants "github.com/panjf2000/ants/v2"

	"github.com/lumo-launcher/bridge/channel"
	"github.com/lumo-launcher/bridge/correlation"
	"github.com/lumo-launcher/bridge/internal/metrics"
	"github.com/lumo-launcher/bridge/lifecycle"
	"github.com/lumo-launcher/bridge/message"
	"github.com/lumo-launcher/bridge/registry"
)

// Common error variables for routing operations
var (
	// ErrUnknownTarget indicates the message targets a plugin that is not
	// registered or not currently routable
	ErrUnknownTarget = errors.New("unknown routing target")

	// ErrRouterClosed indicates the router has been shut down
	ErrRouterClosed = errors.New("router closed")
)

// Handler processes one delivered message. Returning a non-nil response to a
// correlated request resolves the caller's pending request. Handler errors
// are reported as lifecycle events and never abort the delivery worker.
type Handler func(ctx context.Context, msg message.Message) (*message.Message, error)

// BroadcastFailure records one target that could not accept a broadcast.
type BroadcastFailure struct {
	PluginID string
	Err      error
}

// BroadcastReport aggregates the per-target outcome of a broadcast. Partial
// failure is not an error: each leg is independent.
type BroadcastReport struct {
	Delivered []string
	Failed    []BroadcastFailure
}

// Config controls router behavior.
type Config struct {
	// FanoutWorkers bounds concurrent broadcast legs
	FanoutWorkers int `yaml:"fanout_workers" json:"fanout_workers"`
	// DefaultTimeout applies to SendAndWait calls with no explicit timeout
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		FanoutWorkers:  8,
		DefaultTimeout: 5 * time.Second,
	}
}

// Router routes messages between registered plugins.
type Router struct {
	config   Config
	reg      *registry.Registry
	channels *channel.Manager
	tracker  *correlation.Tracker
	monitor  *lifecycle.Monitor
	metrics  *metrics.Metrics
	helper   *log.Helper
	pool     *ants.Pool

	mu      sync.Mutex
	workers map[string]*worker

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  bool
}

// New creates a router. The monitor may be nil in tests; handler errors are
// then only logged.
func New(config Config, reg *registry.Registry, channels *channel.Manager, tracker *correlation.Tracker, monitor *lifecycle.Monitor, m *metrics.Metrics, logger log.Logger) *Router {
	if logger == nil {
		logger = log.GetLogger()
	}
	def := DefaultConfig()
	if config.FanoutWorkers <= 0 {
		config.FanoutWorkers = def.FanoutWorkers
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		config:   config,
		reg:      reg,
		channels: channels,
		tracker:  tracker,
		monitor:  monitor,
		metrics:  m,
		helper:   log.NewHelper(logger),
		workers:  make(map[string]*worker),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	if pool, err := ants.NewPool(config.FanoutWorkers, ants.WithNonblocking(false)); err == nil {
		r.pool = pool
	} else {
		r.helper.Warnf("fan-out pool init failed, broadcasting inline: %v", err)
	}
	return r
}

// Send routes a message to its target's mailbox. If the message is a
// matching response to an outstanding request it settles that request
// instead of being enqueued.
func (r *Router) Send(msg message.Message) error {
	return r.send(msg, "")
}

// send implements Send. requestCID names the correlation id the caller just
// registered for this message, so a self-addressed request is never consumed
// as its own response.
func (r *Router) send(msg message.Message, requestCID string) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.IsBroadcast() {
		return fmt.Errorf("%w: broadcast messages must use Broadcast", ErrUnknownTarget)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.Expired(time.Now()) {
		return fmt.Errorf("%w: %s", correlation.ErrTTLExpired, msg.Kind)
	}

	// a response consumes its pending entry rather than taking a mailbox slot
	if r.tracker != nil && msg.CorrelationID != requestCID && r.tracker.TryResolve(msg) {
		r.metrics.IncResolved()
		return nil
	}

	status, ok := r.reg.Status(msg.To)
	if !ok || !status.Routable() {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, msg.To)
	}
	if err := r.channels.Enqueue(msg.To, msg); err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) || errors.Is(err, channel.ErrChannelClosed) {
			// mailbox torn down between the registry lookup and the enqueue
			return fmt.Errorf("%w: %s", ErrUnknownTarget, msg.To)
		}
		return err
	}
	r.metrics.IncEnqueued(msg.Priority)
	return nil
}

// SendAndWait sends a correlated request and blocks until the matching
// response arrives, the timeout elapses, or ctx is canceled. A zero timeout
// uses the configured default. When the message carries no correlation id,
// one is generated.
func (r *Router) SendAndWait(ctx context.Context, msg message.Message, timeout time.Duration, expectedKind string) (message.Message, error) {
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	deadline := time.Now().Add(timeout)
	waiter, err := r.tracker.RegisterPending(msg.CorrelationID, msg.From, expectedKind, deadline)
	if err != nil {
		return message.Message{}, err
	}
	if err := r.send(msg, msg.CorrelationID); err != nil {
		r.tracker.Cancel(msg.CorrelationID)
		<-waiter // drain the single buffered result
		return message.Message{}, err
	}
	select {
	case res := <-waiter:
		return res.Response, res.Err
	case <-ctx.Done():
		r.tracker.Cancel(msg.CorrelationID)
		// a racing response may still have won; take whatever settled first
		res := <-waiter
		if res.Err != nil && errors.Is(res.Err, correlation.ErrCancelled) {
			return message.Message{}, ctx.Err()
		}
		return res.Response, res.Err
	}
}

// Broadcast replicates the message to every routable plugin except the
// sender. A structurally invalid message is rejected up front; after that,
// delivery legs are independent: one full mailbox never fails the others.
// The report lists both outcomes per target.
func (r *Router) Broadcast(msg message.Message) (BroadcastReport, error) {
	tmpl := msg
	tmpl.To = message.Broadcast
	if err := tmpl.Validate(); err != nil {
		return BroadcastReport{}, err
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	targets := r.reg.Routable()

	var (
		mu     sync.Mutex
		report BroadcastReport
		wg     sync.WaitGroup
	)
	for _, target := range targets {
		if target == msg.From {
			continue
		}
		leg := msg
		leg.To = target
		wg.Add(1)
		deliver := func() {
			defer wg.Done()
			err := r.enqueueLeg(leg)
			mu.Lock()
			if err != nil {
				report.Failed = append(report.Failed, BroadcastFailure{PluginID: leg.To, Err: err})
			} else {
				report.Delivered = append(report.Delivered, leg.To)
			}
			mu.Unlock()
		}
		if r.pool == nil || r.pool.Submit(deliver) != nil {
			deliver()
		}
	}
	wg.Wait()
	if len(report.Failed) > 0 {
		r.helper.Warnf("broadcast partially failed: kind=%s delivered=%d failed=%d", msg.Kind, len(report.Delivered), len(report.Failed))
	}
	return report, nil
}

// enqueueLeg enqueues one broadcast leg without the response short-circuit.
func (r *Router) enqueueLeg(msg message.Message) error {
	status, ok := r.reg.Status(msg.To)
	if !ok || !status.Routable() {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, msg.To)
	}
	if err := r.channels.Enqueue(msg.To, msg); err != nil {
		return err
	}
	r.metrics.IncEnqueued(msg.Priority)
	return nil
}

// Close stops every delivery worker and the fan-out pool. Safe to call more
// than once.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.workers = make(map[string]*worker)
	r.mu.Unlock()

	r.cancel()
	for _, w := range workers {
		<-w.done
	}
	if r.pool != nil {
		r.pool.Release()
	}
}
