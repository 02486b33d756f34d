package correlation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumo-launcher/bridge/message"
)

func response(cid, to, kind string) message.Message {
	return message.Message{
		From:          "responder",
		To:            to,
		Kind:          kind,
		CorrelationID: cid,
		Timestamp:     time.Now().UnixMilli(),
	}
}

func awaitResult(t *testing.T, w Waiter) Result {
	t.Helper()
	select {
	case res := <-w:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never settled")
		return Result{}
	}
}

func TestResolveDeliversResponse(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	w, err := tr.RegisterPending("req-1", "caller", "found.result", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Pending())

	tr.Resolve("req-1", response("req-1", "caller", "found.result"))

	res := awaitResult(t, w)
	require.NoError(t, res.Err)
	assert.Equal(t, "found.result", res.Response.Kind)
	assert.Equal(t, 0, tr.Pending())
}

func TestAtMostOnceResolution(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	w, err := tr.RegisterPending("req-1", "caller", "", time.Now().Add(time.Second))
	require.NoError(t, err)

	tr.Resolve("req-1", response("req-1", "caller", "first"))
	tr.Resolve("req-1", response("req-1", "caller", "second"))

	res := awaitResult(t, w)
	require.NoError(t, res.Err)
	assert.Equal(t, "first", res.Response.Kind)

	// the duplicate was discarded, not delivered
	select {
	case extra := <-w:
		t.Fatalf("waiter settled twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	// counters need a moment to land once the second command is applied
	assert.Eventually(t, func() bool {
		_, _, discarded := tr.Stats()
		return discarded == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDuplicateCorrelationID(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	_, err := tr.RegisterPending("req-1", "caller", "", time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = tr.RegisterPending("req-1", "caller", "", time.Now().Add(time.Second))
	assert.ErrorIs(t, err, ErrAlreadyPending)
}

func TestDeadlineSweep(t *testing.T) {
	tr := NewTracker(WithSweepInterval(10 * time.Millisecond))
	defer tr.Close()

	w, err := tr.RegisterPending("req-1", "caller", "", time.Now().Add(30*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	res := awaitResult(t, w)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	// the sweep interval bounds how late the timeout can fire
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0, tr.Pending())
}

func TestLateResponseGetsTimeout(t *testing.T) {
	// long sweep so the deadline check in Resolve fires first
	tr := NewTracker(WithSweepInterval(time.Minute))
	defer tr.Close()

	w, err := tr.RegisterPending("req-1", "caller", "", time.Now().Add(-time.Millisecond))
	require.NoError(t, err)

	tr.Resolve("req-1", response("req-1", "caller", "late"))

	res := awaitResult(t, w)
	assert.ErrorIs(t, res.Err, ErrTimeout)
}

func TestCancel(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	w, err := tr.RegisterPending("req-1", "caller", "", time.Now().Add(time.Minute))
	require.NoError(t, err)

	tr.Cancel("req-1")

	res := awaitResult(t, w)
	assert.ErrorIs(t, res.Err, ErrCancelled)

	// cancelling again is a no-op
	tr.Cancel("req-1")
	assert.Equal(t, 0, tr.Pending())
}

func TestFailCarriesCause(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	w, err := tr.RegisterPending("req-1", "caller", "", time.Now().Add(time.Minute))
	require.NoError(t, err)

	tr.Fail("req-1", ErrTTLExpired)

	res := awaitResult(t, w)
	assert.ErrorIs(t, res.Err, ErrTTLExpired)
}

func TestCancelResolveRace(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	for i := 0; i < 50; i++ {
		w, err := tr.RegisterPending("req-race", "caller", "", time.Now().Add(time.Second))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr.Resolve("req-race", response("req-race", "caller", "ok"))
		}()
		go func() {
			defer wg.Done()
			tr.Cancel("req-race")
		}()
		wg.Wait()

		// whichever command was applied first wins; either way exactly one
		// result arrives and the entry is gone
		res := awaitResult(t, w)
		if res.Err != nil {
			assert.ErrorIs(t, res.Err, ErrCancelled)
		} else {
			assert.Equal(t, "ok", res.Response.Kind)
		}
		assert.Eventually(t, func() bool { return tr.Pending() == 0 }, time.Second, time.Millisecond)
	}
}

func TestTryResolveMatchesCallerAndKind(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	w, err := tr.RegisterPending("req-1", "caller", "found.result", time.Now().Add(time.Second))
	require.NoError(t, err)

	// wrong target: a different plugin reusing the id is not our response
	assert.False(t, tr.TryResolve(response("req-1", "someone-else", "found.result")))
	// wrong kind
	assert.False(t, tr.TryResolve(response("req-1", "caller", "other.kind")))
	// no correlation id at all
	assert.False(t, tr.TryResolve(message.Message{From: "a", To: "caller", Kind: "found.result"}))
	// unknown id
	assert.False(t, tr.TryResolve(response("req-2", "caller", "found.result")))

	assert.True(t, tr.TryResolve(response("req-1", "caller", "found.result")))

	res := awaitResult(t, w)
	require.NoError(t, res.Err)
	assert.Equal(t, "found.result", res.Response.Kind)

	// settled: the same response no longer matches
	assert.False(t, tr.TryResolve(response("req-1", "caller", "found.result")))
}

func TestCloseFailsOutstanding(t *testing.T) {
	tr := NewTracker()

	w, err := tr.RegisterPending("req-1", "caller", "", time.Now().Add(time.Minute))
	require.NoError(t, err)

	tr.Close()

	res := awaitResult(t, w)
	assert.ErrorIs(t, res.Err, ErrCancelled)

	_, err = tr.RegisterPending("req-2", "caller", "", time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrTrackerClosed)
}
