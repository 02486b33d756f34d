// Package correlation matches responses to outstanding requests. A pending
// entry is created before the request is enqueued and resolved exactly once:
// by the first matching response, by explicit cancellation, or by deadline
// expiry, whichever reaches the tracker's owner goroutine first.
package correlation

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/lumo-launcher/bridge/message"
)

// Common error variables for correlation outcomes
var (
	// ErrTimeout indicates the deadline elapsed before a response arrived
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled indicates the pending request was cancelled before a
	// response arrived, either explicitly or because the target went away
	ErrCancelled = errors.New("request cancelled")

	// ErrTTLExpired indicates the request message expired in the mailbox
	// before the target ever saw it
	ErrTTLExpired = errors.New("request TTL expired before delivery")

	// ErrAlreadyPending indicates the correlation id is reused while a
	// request with the same id is still outstanding
	ErrAlreadyPending = errors.New("correlation id already pending")

	// ErrTrackerClosed indicates the tracker has been shut down
	ErrTrackerClosed = errors.New("correlation tracker closed")
)

// Result is the terminal outcome of a pending request: a response message or
// a failure. Exactly one Result is delivered per registered correlation id.
type Result struct {
	Response message.Message
	Err      error
}

// Waiter receives the single Result for a pending request. It is buffered,
// so the tracker never blocks on delivery.
type Waiter <-chan Result

type pending struct {
	correlationID string
	caller        string
	expectedKind  string
	deadline      time.Time
	result        chan Result
}

type trackerCmd struct {
	apply func()
}

// Tracker owns the table of outstanding requests. Mutations flow through a
// single owner goroutine, which makes a racing resolve and cancel safe: the
// first to be applied wins and the loser is a logged no-op.
type Tracker struct {
	cmds    chan trackerCmd
	helper  *log.Helper
	sweep   time.Duration
	onFatal func(error)

	// owner-goroutine state
	entries map[string]*pending

	inflight atomic.Int64
	resolved atomic.Uint64
	expired  atomic.Uint64
	discards atomic.Uint64

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used by the owner loop.
func WithLogger(logger log.Logger) Option {
	return func(t *Tracker) { t.helper = log.NewHelper(logger) }
}

// WithSweepInterval overrides how often the deadline sweep runs. The sweep
// interval bounds worst-case timeout latency.
func WithSweepInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.sweep = d
		}
	}
}

// WithFatalHandler sets the callback invoked when the command queue is
// exhausted.
func WithFatalHandler(fn func(error)) Option {
	return func(t *Tracker) { t.onFatal = fn }
}

// NewTracker creates a tracker and starts its owner goroutine.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		cmds:    make(chan trackerCmd, 1024),
		helper:  log.NewHelper(log.GetLogger()),
		sweep:   50 * time.Millisecond,
		entries: make(map[string]*pending),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Tracker) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()
	for {
		select {
		case cmd := <-t.cmds:
			cmd.apply()
		case now := <-ticker.C:
			t.expireSweep(now)
		case <-t.done:
			// fail whatever is still outstanding so no caller hangs
			for id, p := range t.entries {
				delete(t.entries, id)
				t.inflight.Add(-1)
				p.result <- Result{Err: ErrCancelled}
			}
			return
		}
	}
}

func (t *Tracker) submit(apply func()) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	cmd := trackerCmd{apply: apply}
	select {
	case t.cmds <- cmd:
		return nil
	case <-t.done:
		return ErrTrackerClosed
	default:
		if t.onFatal != nil {
			t.onFatal(fmt.Errorf("correlation command queue exhausted"))
		}
		return fmt.Errorf("correlation command queue exhausted")
	}
}

// RegisterPending records an outstanding request and returns the waiter the
// caller blocks on. Fails with ErrAlreadyPending while the id is in flight.
func (t *Tracker) RegisterPending(correlationID, caller, expectedKind string, deadline time.Time) (Waiter, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("empty correlation id")
	}
	p := &pending{
		correlationID: correlationID,
		caller:        caller,
		expectedKind:  expectedKind,
		deadline:      deadline,
		result:        make(chan Result, 1),
	}
	reply := make(chan error, 1)
	err := t.submit(func() {
		if _, exists := t.entries[correlationID]; exists {
			reply <- fmt.Errorf("%w: %s", ErrAlreadyPending, correlationID)
			return
		}
		t.entries[correlationID] = p
		t.inflight.Add(1)
		reply <- nil
	})
	if err != nil {
		return nil, err
	}
	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
		return p.result, nil
	case <-t.done:
		return nil, ErrTrackerClosed
	}
}

// TryResolve settles an outstanding request with the given message if it is
// a matching response: the correlation id must be pending, the message must
// target the original caller, and the kind must match when one was expected.
// Returns false when the message is not a response to anything pending, in
// which case it should be routed normally.
func (t *Tracker) TryResolve(msg message.Message) bool {
	if msg.CorrelationID == "" {
		return false
	}
	ok := make(chan bool, 1)
	if err := t.submit(func() {
		p, exists := t.entries[msg.CorrelationID]
		if !exists || p.caller != msg.To || (p.expectedKind != "" && p.expectedKind != msg.Kind) {
			ok <- false
			return
		}
		delete(t.entries, msg.CorrelationID)
		t.inflight.Add(-1)
		if time.Now().After(p.deadline) {
			t.expired.Add(1)
			p.result <- Result{Err: fmt.Errorf("%w: %s", ErrTimeout, msg.CorrelationID)}
		} else {
			t.resolved.Add(1)
			p.result <- Result{Response: msg}
		}
		ok <- true
	}); err != nil {
		return false
	}
	select {
	case settled := <-ok:
		return settled
	case <-t.done:
		return false
	}
}

// Resolve delivers the response to the waiter and removes the entry. A
// response for an id that is no longer pending is discarded without error;
// that is what enforces at-most-once delivery.
func (t *Tracker) Resolve(correlationID string, response message.Message) {
	_ = t.submit(func() {
		p, exists := t.entries[correlationID]
		if !exists {
			t.discards.Add(1)
			t.helper.Debugf("discarding response for settled correlation: id=%s kind=%s", correlationID, response.Kind)
			return
		}
		if p.expectedKind != "" && p.expectedKind != response.Kind {
			t.discards.Add(1)
			t.helper.Warnf("discarding response with unexpected kind: id=%s want=%s got=%s", correlationID, p.expectedKind, response.Kind)
			return
		}
		delete(t.entries, correlationID)
		t.inflight.Add(-1)
		if time.Now().After(p.deadline) {
			// deadline passed but the sweep has not fired yet; the caller
			// gets the timeout it was promised, not a late response
			t.expired.Add(1)
			p.result <- Result{Err: fmt.Errorf("%w: %s", ErrTimeout, correlationID)}
			return
		}
		t.resolved.Add(1)
		p.result <- Result{Response: response}
	})
}

// Fail resolves the pending request with a failure instead of a response.
// Used for cancellation and for requests whose message was dropped before
// delivery. A failure for a settled id is a no-op.
func (t *Tracker) Fail(correlationID string, cause error) {
	_ = t.submit(func() {
		p, exists := t.entries[correlationID]
		if !exists {
			return
		}
		delete(t.entries, correlationID)
		t.inflight.Add(-1)
		p.result <- Result{Err: fmt.Errorf("%w: %s", cause, correlationID)}
	})
}

// Cancel explicitly settles the pending request as cancelled. Safe to race
// with a response: whichever command the owner applies first wins.
func (t *Tracker) Cancel(correlationID string) {
	t.Fail(correlationID, ErrCancelled)
}

// expireSweep settles every entry past its deadline as a timeout. Runs on
// the owner goroutine.
func (t *Tracker) expireSweep(now time.Time) {
	for id, p := range t.entries {
		if now.After(p.deadline) {
			delete(t.entries, id)
			t.inflight.Add(-1)
			t.expired.Add(1)
			p.result <- Result{Err: fmt.Errorf("%w: %s", ErrTimeout, id)}
		}
	}
}

// Pending returns the number of outstanding requests.
func (t *Tracker) Pending() int {
	return int(t.inflight.Load())
}

// Stats returns cumulative tracker counters: resolved responses, expired
// requests, and discarded duplicate responses.
func (t *Tracker) Stats() (resolved, expired, discarded uint64) {
	return t.resolved.Load(), t.expired.Load(), t.discards.Load()
}

// Close shuts the tracker down, failing all outstanding requests as
// cancelled. Safe to call more than once.
func (t *Tracker) Close() {
	if t.closed.CompareAndSwap(false, true) {
		close(t.done)
		t.wg.Wait()
	}
}
