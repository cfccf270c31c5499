package config

import "sync/atomic"

// Runtime is the immutable snapshot of process-wide flags threaded as a
// parameter into the safety gate and state machine. Flipping a flag means
// swapping the whole snapshot, never mutating one in place.
type Runtime struct {
	EmergencyStop bool
}

// RuntimeSnapshot builds the initial snapshot from the loaded configuration.
func (c *Config) RuntimeSnapshot() Runtime {
	return Runtime{
		EmergencyStop: c.Safety.EmergencyStop,
	}
}

// RuntimeHolder hands out the current snapshot and swaps it atomically.
// The admin surface and CLI are the only writers.
type RuntimeHolder struct {
	v atomic.Value
}

// NewRuntimeHolder seeds a holder with the initial snapshot.
func NewRuntimeHolder(r Runtime) *RuntimeHolder {
	h := &RuntimeHolder{}
	h.v.Store(r)
	return h
}

// Load returns the current snapshot.
func (h *RuntimeHolder) Load() Runtime {
	return h.v.Load().(Runtime)
}

// Store replaces the snapshot.
func (h *RuntimeHolder) Store(r Runtime) {
	h.v.Store(r)
}

// SetEmergencyStop swaps in a snapshot with the kill switch set as given
// and returns the new snapshot.
func (h *RuntimeHolder) SetEmergencyStop(on bool) Runtime {
	next := h.Load()
	next.EmergencyStop = on
	h.Store(next)
	return next
}
