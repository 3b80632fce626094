// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package plugin

// State is a plugin's lifecycle state.
type State int

// Lifecycle states.
const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateInitializing
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateError
	StateReloading
)

var stateNames = [...]string{
	"Unloaded", "Loading", "Loaded", "Initializing", "Running",
	"Paused", "Stopping", "Stopped", "Error", "Reloading",
}

func (s State) String() string {
	if s < StateUnloaded || s > StateReloading {
		return "Unknown"
	}
	return stateNames[s]
}

// transitions is the lifecycle transition matrix. Error is absorbing:
// the only exits are an explicit reset (to Loaded) or unload.
var transitions = map[State][]State{
	StateUnloaded:     {StateLoading},
	StateLoading:      {StateLoaded, StateError},
	StateLoaded:       {StateInitializing, StateUnloaded, StateReloading, StateError},
	StateInitializing: {StateRunning, StateError},
	StateRunning:      {StatePaused, StateStopping, StateReloading, StateError},
	StatePaused:       {StateRunning, StateStopping, StateReloading, StateError},
	StateStopping:     {StateStopped, StateError},
	StateStopped:      {StateUnloaded, StateLoading, StateError},
	StateError:        {StateLoaded, StateUnloaded},
	StateReloading:    {StateLoading, StateError},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Self transitions are always legal (idempotent SetState).
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Steady reports whether s is a valid process-wide steady state.
func (s State) Steady() bool {
	switch s {
	case StateRunning, StatePaused, StateError, StateLoaded:
		return true
	default:
		return false
	}
}

// Configurable reports whether Configure is legal in this state.
func (s State) Configurable() bool {
	switch s {
	case StateLoaded, StateRunning, StatePaused:
		return true
	default:
		return false
	}
}
