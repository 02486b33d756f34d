package lifecycle

import (
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/lumo-launcher/bridge/registry"
)

// MonitorConfig controls the heartbeat state machine.
type MonitorConfig struct {
	// HeartbeatInterval is how often plugins are expected to heartbeat.
	// The sweep also runs at this cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// MaxMissed is how many consecutive silent intervals demote an active
	// plugin to degraded
	MaxMissed int `yaml:"max_missed" json:"max_missed"`
	// UnhealthyGrace is how long a degraded plugin may stay silent before
	// it is declared unhealthy and cleaned up
	UnhealthyGrace time.Duration `yaml:"unhealthy_grace" json:"unhealthy_grace"`
}

// DefaultMonitorConfig returns the default heartbeat configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		HeartbeatInterval: 5 * time.Second,
		MaxMissed:         3,
		UnhealthyGrace:    10 * time.Second,
	}
}

// Monitor ingests heartbeats and drives per-plugin health transitions:
//
//	Registering -> Active <-> Degraded -> Unhealthy -> (cleanup) -> Unregistered
//
// On entering Unhealthy the monitor schedules cleanup through the callback
// provided by the bridge, which removes the plugin from the registry and
// tears down its mailbox.
type Monitor struct {
	config  MonitorConfig
	reg     *registry.Registry
	bus     *Bus
	cleanup func(pluginID string)
	helper  *log.Helper

	mu            sync.Mutex
	misses        map[string]int
	degradedSince map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor bound to the registry. cleanup is invoked
// once per plugin that reaches Unhealthy; it must be safe to call from the
// sweep goroutine.
func NewMonitor(config MonitorConfig, reg *registry.Registry, bus *Bus, cleanup func(string), logger log.Logger) *Monitor {
	if logger == nil {
		logger = log.GetLogger()
	}
	def := DefaultMonitorConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.MaxMissed <= 0 {
		config.MaxMissed = def.MaxMissed
	}
	if config.UnhealthyGrace <= 0 {
		config.UnhealthyGrace = def.UnhealthyGrace
	}
	return &Monitor{
		config:        config,
		reg:           reg,
		bus:           bus,
		cleanup:       cleanup,
		helper:        log.NewHelper(logger),
		misses:        make(map[string]int),
		degradedSince: make(map[string]time.Time),
		done:          make(chan struct{}),
	}
}

// Start launches the periodic sweep.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.sweep(now)
		case <-m.done:
			return
		}
	}
}

// Heartbeat records a liveness signal, resetting the miss counter and
// restoring Active from Degraded.
func (m *Monitor) Heartbeat(pluginID string) error {
	if err := m.reg.Heartbeat(pluginID); err != nil {
		return err
	}
	m.mu.Lock()
	m.misses[pluginID] = 0
	delete(m.degradedSince, pluginID)
	m.mu.Unlock()

	if status, ok := m.reg.Status(pluginID); ok && status == registry.StatusDegraded {
		// SetStatus emits the status-changed lifecycle event via hooks
		if err := m.reg.SetStatus(pluginID, registry.StatusActive); err != nil {
			return err
		}
	}
	return nil
}

// sweep advances the state machine for every registered plugin.
func (m *Monitor) sweep(now time.Time) {
	plugins := m.reg.All()

	m.mu.Lock()
	// forget state for plugins that are gone
	for id := range m.misses {
		if _, ok := plugins[id]; !ok {
			delete(m.misses, id)
		}
	}
	for id := range m.degradedSince {
		if _, ok := plugins[id]; !ok {
			delete(m.degradedSince, id)
		}
	}
	m.mu.Unlock()

	for id, info := range plugins {
		silent := now.Sub(info.LastHeartbeat) > m.config.HeartbeatInterval
		switch info.Status {
		case registry.StatusActive:
			if !silent {
				m.resetMisses(id)
				continue
			}
			if m.addMiss(id) >= m.config.MaxMissed {
				if err := m.reg.SetStatus(id, registry.StatusDegraded); err == nil {
					m.markDegraded(id, now)
					m.helper.Warnf("plugin degraded after missed heartbeats: id=%s misses=%d", id, m.config.MaxMissed)
				}
			}
		case registry.StatusDegraded:
			if !silent {
				// heartbeat arrived between sweeps
				m.resetMisses(id)
				_ = m.reg.SetStatus(id, registry.StatusActive)
				continue
			}
			if now.Sub(m.degradedAt(id, now)) > m.config.UnhealthyGrace {
				if err := m.reg.SetStatus(id, registry.StatusUnhealthy); err == nil {
					m.helper.Errorf("plugin unhealthy, scheduling cleanup: id=%s", id)
					if m.cleanup != nil {
						m.cleanup(id)
					}
				}
			}
		default:
			// Registering is transient, Unhealthy is awaiting cleanup
		}
	}
}

func (m *Monitor) addMiss(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[id]++
	return m.misses[id]
}

func (m *Monitor) resetMisses(id string) {
	m.mu.Lock()
	m.misses[id] = 0
	delete(m.degradedSince, id)
	m.mu.Unlock()
}

func (m *Monitor) markDegraded(id string, at time.Time) {
	m.mu.Lock()
	if _, ok := m.degradedSince[id]; !ok {
		m.degradedSince[id] = at
	}
	m.mu.Unlock()
}

// degradedAt returns when the plugin entered Degraded, defaulting to now so
// a plugin degraded outside the monitor still gets a full grace period.
func (m *Monitor) degradedAt(id string, now time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.degradedSince[id]
	if !ok {
		m.degradedSince[id] = now
		return now
	}
	return at
}

// ReportHandlerError publishes an Error lifecycle event for a handler
// failure. Handler failures never abort delivery workers; they surface here.
func (m *Monitor) ReportHandlerError(pluginID, kind string, err error) {
	ev := NewEvent(EventError, pluginID)
	ev.Err = err
	ev.Metadata = map[string]any{"kind": kind}
	m.bus.Publish(ev)
}

// Stop halts the sweep. Safe to call more than once.
func (m *Monitor) Stop() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}
