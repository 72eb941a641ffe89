package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the agent's registration lifecycle state.
type State string

const (
	StateUnregistered     State = "UNREGISTERED"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateActive           State = "ACTIVE"
	StateRejected         State = "REJECTED"
)

const stateFile = "state.json"

// validTransitions lists the lifecycle edges. REJECTED is terminal:
// nothing leads out of it short of deleting the identity files.
var validTransitions = map[State][]State{
	StateUnregistered:     {StateAwaitingApproval},
	StateAwaitingApproval: {StateActive, StateRejected},
	StateActive:           {StateUnregistered},
	StateRejected:         {},
}

type persistedState struct {
	State           State     `json:"state"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StateMachine tracks the registration lifecycle and persists every
// transition to disk before it takes effect, so a restart resumes
// exactly where the previous run left off.
type StateMachine struct {
	mu     sync.Mutex
	path   string
	cur    persistedState
	logger zerolog.Logger
}

// LoadStateMachine reads the persisted state from the data directory.
// A missing or unreadable state file yields UNREGISTERED.
func LoadStateMachine(dir string, logger zerolog.Logger) (*StateMachine, error) {
	m := &StateMachine{
		path:   filepath.Join(dir, stateFile),
		cur:    persistedState{State: StateUnregistered},
		logger: logger,
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("unable to read state file: %w", err)
	}

	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		logger.Warn().Err(err).Str("path", m.path).Msg("corrupt state file, starting unregistered")
		return m, nil
	}
	switch ps.State {
	case StateUnregistered, StateAwaitingApproval, StateActive, StateRejected:
		m.cur = ps
	default:
		logger.Warn().Str("state", string(ps.State)).Msg("unknown persisted state, starting unregistered")
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur.State
}

// RejectionReason returns the stored reason when the state is REJECTED.
func (m *StateMachine) RejectionReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur.RejectionReason
}

// Transition moves to the next state, persisting it before the change
// becomes visible. Invalid edges return an error and leave the state
// untouched. Transitioning to the current state is a no-op.
func (m *StateMachine) Transition(next State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next == m.cur.State {
		return nil
	}
	allowed := false
	for _, s := range validTransitions[m.cur.State] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid state transition %s -> %s", m.cur.State, next)
	}

	ps := persistedState{State: next, RejectionReason: reason, UpdatedAt: time.Now().UTC()}
	if err := m.persist(ps); err != nil {
		return fmt.Errorf("unable to persist state %s: %w", next, err)
	}

	m.logger.Info().
		Str("from", string(m.cur.State)).
		Str("to", string(next)).
		Msg("state transition")
	m.cur = ps
	return nil
}

func (m *StateMachine) persist(ps persistedState) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
