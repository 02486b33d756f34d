package registry

// PluginStatus represents the current health state of a registered plugin.
// It tracks the plugin's lifecycle from registration through removal.
type PluginStatus int

const (
	// StatusRegistering indicates the plugin is being admitted to the bridge
	// This is the transient state while registry and mailbox state is allocated
	StatusRegistering PluginStatus = iota

	// StatusActive indicates the plugin is healthy and routable
	// The plugin is heartbeating on time and eligible for capability lookups
	StatusActive

	// StatusDegraded indicates the plugin has missed heartbeats
	// Still routable, but the lifecycle monitor is watching it closely
	StatusDegraded

	// StatusUnhealthy indicates the plugin has been silent past the grace period
	// The plugin is no longer routable and cleanup has been scheduled
	StatusUnhealthy

	// StatusUnregistered indicates the plugin has been removed from the bridge
	// Terminal state; the id may be registered again as a fresh plugin
	StatusUnregistered
)

// String returns the lowercase name of the status.
func (s PluginStatus) String() string {
	switch s {
	case StatusRegistering:
		return "registering"
	case StatusActive:
		return "active"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusUnregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// Routable reports whether a plugin in this status may receive messages and
// appear in capability query results.
func (s PluginStatus) Routable() bool {
	return s == StatusActive || s == StatusDegraded
}
