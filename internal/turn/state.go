package turn

import (
	"fmt"

	"github.com/rs/zerolog"
)

// State is a step of an assistant turn.
type State string

const (
	StateIdle            State = "IDLE"
	StateLoadingHistory  State = "LOADING_HISTORY"
	StateCallingProvider State = "CALLING_PROVIDER"
	StateStreaming       State = "STREAMING"
	StateFinalizing      State = "FINALIZING"
	StateFailed          State = "FAILED"
)

var transitions = map[State][]State{
	StateIdle:            {StateLoadingHistory},
	StateLoadingHistory:  {StateCallingProvider, StateFailed},
	StateCallingProvider: {StateStreaming, StateFailed},
	StateStreaming:       {StateFinalizing, StateFailed},
	StateFinalizing:      {StateIdle},
	StateFailed:          {StateIdle},
}

// Machine tracks the state of one turn and rejects backward moves.
type Machine struct {
	state  State
	logger zerolog.Logger
}

func NewMachine(logger zerolog.Logger) *Machine {
	return &Machine{state: StateIdle, logger: logger}
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) To(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.logger.Debug().Str("from", string(m.state)).Str("to", string(next)).Msg("turn state")
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid turn transition %s -> %s", m.state, next)
}

// Fail moves to FAILED from any non-terminal state.
func (m *Machine) Fail() {
	if m.state == StateIdle || m.state == StateFinalizing || m.state == StateFailed {
		return
	}
	_ = m.To(StateFailed)
}
