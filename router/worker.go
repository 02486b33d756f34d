package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumo-launcher/bridge/channel"
	"github.com/lumo-launcher/bridge/message"
)

// worker is the single consumer of one plugin's mailbox. It dequeues by
// priority and invokes the plugin's registered handler, isolating handler
// failures from the router and from other plugins.
type worker struct {
	pluginID string
	ch       *channel.Channel
	handler  Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

// StartWorker launches the delivery loop for a newly registered plugin.
// Returns an error if a worker already exists for the id.
func (r *Router) StartWorker(pluginID string, ch *channel.Channel, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRouterClosed
	}
	if _, exists := r.workers[pluginID]; exists {
		return fmt.Errorf("delivery worker already running for %s", pluginID)
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	w := &worker{
		pluginID: pluginID,
		ch:       ch,
		handler:  handler,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	r.workers[pluginID] = w
	go w.run(ctx, r)
	return nil
}

// StopWorker halts the delivery loop for a plugin and waits for it to exit.
func (r *Router) StopWorker(pluginID string) {
	r.mu.Lock()
	w, ok := r.workers[pluginID]
	delete(r.workers, pluginID)
	r.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

// removeWorker drops the bookkeeping entry for a worker that exited on its
// own, typically because its mailbox was destroyed during unregistration.
func (r *Router) removeWorker(pluginID string, w *worker) {
	r.mu.Lock()
	if current, ok := r.workers[pluginID]; ok && current == w {
		delete(r.workers, pluginID)
	}
	r.mu.Unlock()
}

// run blocks on the mailbox and delivers messages until the mailbox is
// destroyed or the worker is stopped.
func (w *worker) run(ctx context.Context, r *Router) {
	defer close(w.done)
	defer r.removeWorker(w.pluginID, w)
	for {
		msg, err := w.ch.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, channel.ErrChannelClosed) && !errors.Is(err, context.Canceled) {
				r.helper.Warnf("delivery worker stopping: plugin=%s err=%v", w.pluginID, err)
			}
			return
		}
		r.deliver(ctx, w, msg)
	}
}

// deliver invokes the handler for one message, recovering panics so a broken
// handler cannot take down the worker. A non-nil response to a correlated
// request settles the caller's pending entry.
func (r *Router) deliver(ctx context.Context, w *worker, msg message.Message) {
	start := time.Now()
	var (
		resp *message.Message
		err  error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		resp, err = w.handler(ctx, msg)
	}()
	r.metrics.ObserveDelivery(time.Since(start))

	if err != nil {
		r.helper.Errorf("handler failed: plugin=%s kind=%s err=%v", w.pluginID, msg.Kind, err)
		if r.monitor != nil {
			r.monitor.ReportHandlerError(w.pluginID, msg.Kind, err)
		}
		if msg.CorrelationID != "" && r.tracker != nil {
			// let the waiter fail fast instead of burning its full timeout
			r.tracker.Fail(msg.CorrelationID, fmt.Errorf("handler error: %w", err))
		}
		return
	}
	r.metrics.IncDelivered()

	if resp != nil && msg.CorrelationID != "" && r.tracker != nil {
		response := *resp
		response.From = w.pluginID
		if response.To == "" {
			response.To = msg.From
		}
		response.CorrelationID = msg.CorrelationID
		if response.Timestamp == 0 {
			response.Timestamp = time.Now().UnixMilli()
		}
		r.tracker.Resolve(msg.CorrelationID, response)
	}
}
