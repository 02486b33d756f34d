package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumo-launcher/bridge/registry"
)

// monitorFixture drives the sweep by hand so tests control the clock.
type monitorFixture struct {
	reg     *registry.Registry
	bus     *Bus
	mon     *Monitor
	mu      sync.Mutex
	cleaned []string
}

func newMonitorFixture(t *testing.T, cfg MonitorConfig) *monitorFixture {
	t.Helper()
	f := &monitorFixture{
		reg: registry.New(),
		bus: NewBus(DefaultBusConfig(), nil),
	}
	f.mon = NewMonitor(cfg, f.reg, f.bus, func(id string) {
		f.mu.Lock()
		f.cleaned = append(f.cleaned, id)
		f.mu.Unlock()
	}, nil)
	t.Cleanup(func() {
		f.mon.Stop()
		f.bus.Close()
		f.reg.Close()
	})
	return f
}

func (f *monitorFixture) cleanedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleaned...)
}

func (f *monitorFixture) status(t *testing.T, id string) registry.PluginStatus {
	t.Helper()
	status, ok := f.reg.Status(id)
	require.True(t, ok, "plugin %s not registered", id)
	return status
}

func TestFreshPluginStaysActive(t *testing.T) {
	f := newMonitorFixture(t, DefaultMonitorConfig())
	require.NoError(t, f.reg.Register("p", nil))

	f.mon.sweep(time.Now())
	assert.Equal(t, registry.StatusActive, f.status(t, "p"))
	assert.Empty(t, f.cleanedIDs())
}

func TestMissedHeartbeatsDegrade(t *testing.T) {
	cfg := MonitorConfig{HeartbeatInterval: time.Second, MaxMissed: 3, UnhealthyGrace: time.Minute}
	f := newMonitorFixture(t, cfg)
	require.NoError(t, f.reg.Register("p", nil))

	silent := time.Now().Add(time.Hour)
	f.mon.sweep(silent)
	assert.Equal(t, registry.StatusActive, f.status(t, "p"), "one miss must not degrade")
	f.mon.sweep(silent.Add(time.Second))
	assert.Equal(t, registry.StatusActive, f.status(t, "p"), "two misses must not degrade")
	f.mon.sweep(silent.Add(2 * time.Second))
	assert.Equal(t, registry.StatusDegraded, f.status(t, "p"))
	assert.Empty(t, f.cleanedIDs())
}

func TestHeartbeatResetsMissCount(t *testing.T) {
	cfg := MonitorConfig{HeartbeatInterval: time.Second, MaxMissed: 2, UnhealthyGrace: time.Minute}
	f := newMonitorFixture(t, cfg)
	require.NoError(t, f.reg.Register("p", nil))

	silent := time.Now().Add(time.Hour)
	f.mon.sweep(silent)

	// heartbeat in between clears the accumulated miss
	require.NoError(t, f.mon.Heartbeat("p"))
	f.mon.sweep(time.Now())
	f.mon.sweep(time.Now().Add(time.Hour)) // only the first miss after the reset
	assert.Equal(t, registry.StatusActive, f.status(t, "p"))
}

func TestHeartbeatRestoresDegraded(t *testing.T) {
	cfg := MonitorConfig{HeartbeatInterval: time.Second, MaxMissed: 1, UnhealthyGrace: time.Minute}
	f := newMonitorFixture(t, cfg)
	require.NoError(t, f.reg.Register("p", nil))

	f.mon.sweep(time.Now().Add(time.Hour))
	require.Equal(t, registry.StatusDegraded, f.status(t, "p"))

	require.NoError(t, f.mon.Heartbeat("p"))
	assert.Equal(t, registry.StatusActive, f.status(t, "p"))
}

func TestSweepRestoresDegradedOnRecentHeartbeat(t *testing.T) {
	cfg := MonitorConfig{HeartbeatInterval: time.Second, MaxMissed: 1, UnhealthyGrace: time.Minute}
	f := newMonitorFixture(t, cfg)
	require.NoError(t, f.reg.Register("p", nil))

	f.mon.sweep(time.Now().Add(time.Hour))
	require.Equal(t, registry.StatusDegraded, f.status(t, "p"))

	// heartbeat lands through the registry directly, next sweep notices
	require.NoError(t, f.reg.Heartbeat("p"))
	f.mon.sweep(time.Now())
	assert.Equal(t, registry.StatusActive, f.status(t, "p"))
}

func TestSilentDegradedBecomesUnhealthy(t *testing.T) {
	cfg := MonitorConfig{HeartbeatInterval: time.Second, MaxMissed: 1, UnhealthyGrace: time.Minute}
	f := newMonitorFixture(t, cfg)
	require.NoError(t, f.reg.Register("p", nil))

	degradedAt := time.Now().Add(time.Hour)
	f.mon.sweep(degradedAt)
	require.Equal(t, registry.StatusDegraded, f.status(t, "p"))

	// still inside the grace window: no cleanup yet
	f.mon.sweep(degradedAt.Add(30 * time.Second))
	assert.Equal(t, registry.StatusDegraded, f.status(t, "p"))
	assert.Empty(t, f.cleanedIDs())

	f.mon.sweep(degradedAt.Add(2 * time.Minute))
	assert.Equal(t, registry.StatusUnhealthy, f.status(t, "p"))
	assert.Equal(t, []string{"p"}, f.cleanedIDs())
}

func TestUnhealthyIsNotCleanedTwice(t *testing.T) {
	cfg := MonitorConfig{HeartbeatInterval: time.Second, MaxMissed: 1, UnhealthyGrace: time.Minute}
	f := newMonitorFixture(t, cfg)
	require.NoError(t, f.reg.Register("p", nil))

	degradedAt := time.Now().Add(time.Hour)
	f.mon.sweep(degradedAt)
	f.mon.sweep(degradedAt.Add(2 * time.Minute))
	require.Equal(t, []string{"p"}, f.cleanedIDs())

	// once Unhealthy the sweep leaves the plugin to the cleanup path
	f.mon.sweep(degradedAt.Add(3 * time.Minute))
	assert.Equal(t, []string{"p"}, f.cleanedIDs())
}

func TestSweepForgetsUnregistered(t *testing.T) {
	cfg := MonitorConfig{HeartbeatInterval: time.Second, MaxMissed: 2, UnhealthyGrace: time.Minute}
	f := newMonitorFixture(t, cfg)
	require.NoError(t, f.reg.Register("p", nil))

	f.mon.sweep(time.Now().Add(time.Hour))
	require.NoError(t, f.reg.Unregister("p"))
	f.mon.sweep(time.Now().Add(2 * time.Hour))

	f.mon.mu.Lock()
	_, tracked := f.mon.misses["p"]
	f.mon.mu.Unlock()
	assert.False(t, tracked)
}

func TestHeartbeatUnknownPlugin(t *testing.T) {
	f := newMonitorFixture(t, DefaultMonitorConfig())
	err := f.mon.Heartbeat("ghost")
	assert.ErrorIs(t, err, registry.ErrUnknownPlugin)
}

func TestReportHandlerErrorPublishes(t *testing.T) {
	f := newMonitorFixture(t, DefaultMonitorConfig())

	got := make(chan Event, 1)
	cancel := f.bus.SubscribeTo(EventError, func(ev Event) { got <- ev })
	defer cancel()

	cause := errors.New("index corrupted")
	f.mon.ReportHandlerError("search-ext", "search.query", cause)

	select {
	case ev := <-got:
		assert.Equal(t, "search-ext", ev.PluginID)
		assert.ErrorIs(t, ev.Err, cause)
		assert.Equal(t, "search.query", ev.Metadata["kind"])
	case <-time.After(time.Second):
		t.Fatal("error event never published")
	}
}
