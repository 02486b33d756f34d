package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumo-launcher/bridge/message"
)

func searchCap() []message.Capability {
	return []message.Capability{{Name: "search", Version: "1.0.0"}}
}

func TestRegisterAndQuery(t *testing.T) {
	reg := New()
	defer reg.Close()

	require.NoError(t, reg.Register("search-ext", searchCap()))

	status, ok := reg.Status("search-ext")
	require.True(t, ok)
	assert.Equal(t, StatusActive, status)
	assert.Equal(t, []string{"search-ext"}, reg.PluginsByCapability("search"))
}

func TestDuplicateRegistration(t *testing.T) {
	reg := New()
	defer reg.Close()

	require.NoError(t, reg.Register("cache", nil))
	err := reg.Register("cache", nil)
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
}

func TestInvalidPluginID(t *testing.T) {
	reg := New()
	defer reg.Close()

	assert.ErrorIs(t, reg.Register("", nil), ErrInvalidPluginID)
	assert.ErrorIs(t, reg.Register(message.Broadcast, nil), ErrInvalidPluginID)
}

func TestUnregisterRemovesCapabilities(t *testing.T) {
	reg := New()
	defer reg.Close()

	require.NoError(t, reg.Register("search-ext", searchCap()))
	require.NoError(t, reg.Unregister("search-ext"))

	// absence is permanent until a fresh registration
	assert.Empty(t, reg.PluginsByCapability("search"))
	_, ok := reg.Status("search-ext")
	assert.False(t, ok)

	assert.ErrorIs(t, reg.Unregister("search-ext"), ErrUnknownPlugin)
}

func TestCapabilityQueryFiltersByStatus(t *testing.T) {
	reg := New()
	defer reg.Close()

	require.NoError(t, reg.Register("a", searchCap()))
	require.NoError(t, reg.Register("b", searchCap()))

	require.NoError(t, reg.SetStatus("a", StatusDegraded))
	assert.Equal(t, []string{"a", "b"}, reg.PluginsByCapability("search"))

	require.NoError(t, reg.SetStatus("a", StatusUnhealthy))
	assert.Equal(t, []string{"b"}, reg.PluginsByCapability("search"))
}

func TestHooksFireInOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(name string) {
		mu.Lock()
		events = append(events, name)
		mu.Unlock()
	}
	reg := New(WithHooks(Hooks{
		OnRegistered:   func(info PluginInfo) { record("registered:" + info.ID) },
		OnUnregistered: func(info PluginInfo) { record("unregistered:" + info.ID) },
		OnStatusChanged: func(info PluginInfo, from, to PluginStatus) {
			record("status:" + info.ID + ":" + from.String() + ">" + to.String())
		},
	}))
	defer reg.Close()

	require.NoError(t, reg.Register("p", nil))
	require.NoError(t, reg.SetStatus("p", StatusDegraded))
	require.NoError(t, reg.Unregister("p"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"registered:p",
		"status:p:active>degraded",
		"unregistered:p",
	}, events)
}

func TestStatusChangedHookSkipsNoops(t *testing.T) {
	fired := 0
	reg := New(WithHooks(Hooks{
		OnStatusChanged: func(PluginInfo, PluginStatus, PluginStatus) { fired++ },
	}))
	defer reg.Close()

	require.NoError(t, reg.Register("p", nil))
	require.NoError(t, reg.SetStatus("p", StatusActive))
	assert.Zero(t, fired)
}

func TestSnapshotIsolation(t *testing.T) {
	reg := New()
	defer reg.Close()

	require.NoError(t, reg.Register("p", searchCap()))
	info, ok := reg.Info("p")
	require.True(t, ok)

	// mutating the returned copy must not affect registry state
	info.Capabilities[0].Name = "mutated"
	assert.Equal(t, []string{"p"}, reg.PluginsByCapability("search"))
}

func TestFreezeRejectsNewRegistrations(t *testing.T) {
	reg := New()
	defer reg.Close()

	require.NoError(t, reg.Register("p", nil))
	reg.Freeze()

	assert.ErrorIs(t, reg.Register("q", nil), ErrRegistryClosed)
	// existing plugins stay manageable during shutdown
	assert.NoError(t, reg.Heartbeat("p"))
	assert.NoError(t, reg.Unregister("p"))
}

func TestConcurrentRegistration(t *testing.T) {
	reg := New()
	defer reg.Close()

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.Register("same-id", nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateRegistration)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, reg.Len())
}

func TestRoutableExcludesUnhealthy(t *testing.T) {
	reg := New()
	defer reg.Close()

	require.NoError(t, reg.Register("a", nil))
	require.NoError(t, reg.Register("b", nil))
	require.NoError(t, reg.SetStatus("b", StatusUnhealthy))

	assert.Equal(t, []string{"a"}, reg.Routable())
}
