// Package lifecycle provides the engine lifecycle state machine and the
// single-flight gate that serializes lifecycle-mutating operations.
package lifecycle

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is one lifecycle state of the supervised engine.
type State string

const (
	StateUninitialized      State = "uninitialized"
	StateInitializing       State = "initializing"
	StateRequirementsCheck  State = "requirementsCheck"
	StateRequirementsFailed State = "requirementsFailed"
	StateInstalling         State = "installing"
	StateInstallationFailed State = "installationFailed"
	StateStarting           State = "starting"
	StateRunning            State = "running"
	StateStopping           State = "stopping"
	StateStopped            State = "stopped"
	StateRestarting         State = "restarting"
	StateError              State = "error"
	StateConfiguring        State = "configuring"
	StateConfigurationError State = "configurationError"
)

// Event drives a lifecycle transition.
type Event string

const (
	EventInitialize           Event = "initialize"
	EventCheckRequirements    Event = "checkRequirements"
	EventRequirementsPassed   Event = "requirementsPassed"
	EventRequirementsNotMet   Event = "requirementsNotMet"
	EventBeginInstall         Event = "beginInstall"
	EventInstallCompleted     Event = "installCompleted"
	EventInstallFailed        Event = "installFailed"
	EventStartEngine          Event = "startEngine"
	EventEngineStarted        Event = "engineStarted"
	EventEngineFailed         Event = "engineFailed"
	EventStopEngine           Event = "stopEngine"
	EventEngineStopped        Event = "engineStopped"
	EventRestartEngine        Event = "restartEngine"
	EventConfigurationChanged Event = "configurationChanged"
	EventConfigurationApplied Event = "configurationApplied"
	EventConfigurationFailed  Event = "configurationFailed"
	EventReset                Event = "reset"
)

// transitions is the authoritative table of legal moves. An event absent
// from the current state's row is rejected with no state change.
var transitions = map[State]map[Event]State{
	StateUninitialized: {
		EventInitialize: StateInitializing,
	},
	StateInitializing: {
		EventCheckRequirements: StateRequirementsCheck,
	},
	StateRequirementsCheck: {
		EventRequirementsPassed: StateStopped,
		EventRequirementsNotMet: StateRequirementsFailed,
		EventBeginInstall:       StateInstalling,
	},
	StateRequirementsFailed: {
		EventCheckRequirements: StateRequirementsCheck,
		EventBeginInstall:      StateInstalling,
	},
	StateInstalling: {
		EventInstallCompleted: StateStopped,
		EventInstallFailed:    StateInstallationFailed,
	},
	StateInstallationFailed: {
		EventBeginInstall: StateInstalling,
	},
	StateStopped: {
		EventStartEngine: StateStarting,
	},
	StateStarting: {
		EventEngineStarted: StateRunning,
		EventEngineFailed:  StateError,
	},
	StateRunning: {
		EventStopEngine:           StateStopping,
		EventRestartEngine:        StateRestarting,
		EventConfigurationChanged: StateConfiguring,
	},
	StateStopping: {
		EventEngineStopped: StateStopped,
		EventEngineFailed:  StateError,
	},
	StateRestarting: {
		EventEngineStarted: StateRunning,
		EventEngineFailed:  StateError,
	},
	StateError: {
		EventStartEngine:       StateStarting,
		EventCheckRequirements: StateRequirementsCheck,
	},
	StateConfiguring: {
		EventConfigurationApplied: StateRunning,
		EventConfigurationFailed:  StateConfigurationError,
	},
	StateConfigurationError: {
		EventConfigurationChanged: StateConfiguring,
		EventStopEngine:           StateStopping,
	},
}

// transitioning states disallow new user-initiated actions until they
// resolve.
var transitioning = map[State]bool{
	StateInitializing:      true,
	StateRequirementsCheck: true,
	StateInstalling:        true,
	StateStarting:          true,
	StateStopping:          true,
	StateRestarting:        true,
	StateConfiguring:       true,
}

// InvalidTransitionError reports an event not legal from the current
// state. The state is left unchanged.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q not allowed in state %q", e.Event, e.From)
}

// Listener observes completed transitions.
type Listener func(from, to State, event Event)

// Machine is the single authoritative holder of the lifecycle state.
// Other components read it; the supervisor and pipeline write it via
// events. Note: the machine validates transitions, it does not serialize
// operations - that is the OperationGate's job.
type Machine struct {
	mu        sync.Mutex
	current   State
	listeners []Listener
	logger    *zap.Logger
}

// NewMachine creates a machine in the uninitialized state.
func NewMachine(logger *zap.Logger) *Machine {
	return &Machine{
		current: StateUninitialized,
		logger:  logger,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsTransitioning reports whether the current state is an intermediate
// one that must resolve before new user actions are accepted.
func (m *Machine) IsTransitioning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return transitioning[m.current]
}

// Fire applies an event. Reset is accepted from any state. Any other
// event missing from the current state's row returns
// *InvalidTransitionError and leaves the state unchanged.
func (m *Machine) Fire(event Event) (State, error) {
	m.mu.Lock()

	from := m.current
	var to State
	if event == EventReset {
		to = StateUninitialized
	} else {
		next, ok := transitions[from][event]
		if !ok {
			m.mu.Unlock()
			return from, &InvalidTransitionError{From: from, Event: event}
		}
		to = next
	}

	m.current = to
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Debug("lifecycle transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", string(event)))

	for _, l := range listeners {
		l(from, to, event)
	}
	return to, nil
}

// Subscribe registers a listener for future transitions.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}
