// File: internal/pipeline/session.go
package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/capture"
)

// State is a capture session's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateAgentRunning
	StateAgentCompletedWithPath
	StateAgentCompletedWithoutPath
	StateClassifying
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAgentRunning:
		return "agent_running"
	case StateAgentCompletedWithPath:
		return "agent_completed_with_path"
	case StateAgentCompletedWithoutPath:
		return "agent_completed_without_path"
	case StateClassifying:
		return "classifying"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateIdle:                      {StateAgentRunning, StateDone},
	StateAgentRunning:              {StateAgentCompletedWithPath, StateAgentCompletedWithoutPath, StateDone},
	StateAgentCompletedWithPath:    {StateClassifying, StateDone},
	StateAgentCompletedWithoutPath: {StateDone},
	StateClassifying:               {StateDone},
}

// session is one single-use capture run. It is owned by the goroutine
// executing Pipeline.Run and never shared.
type session struct {
	id        string
	state     State
	trace     []State
	register  capture.PathRegister
	exitCode  int
	startedAt time.Time
	log       *zap.Logger
}

func newSession(id string, startedAt time.Time, log *zap.Logger) *session {
	return &session{
		id:        id,
		state:     StateIdle,
		trace:     []State{StateIdle},
		exitCode:  -1,
		startedAt: startedAt,
		log:       log,
	}
}

func (s *session) advance(to State) {
	allowed := false
	for _, next := range transitions[s.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		s.log.DPanic("Illegal capture session transition", zap.Stringer("from", s.state), zap.Stringer("to", to))
	}
	s.log.Debug("Capture session transition", zap.Stringer("from", s.state), zap.Stringer("to", to))
	s.state = to
	s.trace = append(s.trace, to)
}

// outcome builds the partial outcome carrying what the session learned so far.
func (s *session) outcome() Outcome {
	path, _ := s.register.Path()
	return Outcome{
		CaptureID: s.id,
		ImagePath: path,
		ExitCode:  s.exitCode,
		StartedAt: s.startedAt,
	}
}
