package bridge

import (
	"fmt"
)

// BridgeError is a structured error that records which plugin and operation
// an error came from. It wraps an underlying sentinel so callers can still
// match with errors.Is.
type BridgeError struct {
	// PluginID identifies the plugin involved, empty for bridge-wide errors
	PluginID string

	// Operation names the bridge operation that failed
	Operation string

	// Err is the underlying cause
	Err error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	if e.PluginID != "" {
		return fmt.Sprintf("bridge %s: plugin %s: %v", e.Operation, e.PluginID, e.Err)
	}
	return fmt.Sprintf("bridge %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain handling.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

func newBridgeError(pluginID, operation string, err error) *BridgeError {
	return &BridgeError{PluginID: pluginID, Operation: operation, Err: err}
}
