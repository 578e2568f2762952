// Package session is the client-side irrigation companion: a per-plant
// state machine fed by server frames, and a coordinator that owns the
// WebSocket connection to the server.
package session

import (
	"errors"
	"sync"
)

var (
	// ErrBusy means a session is already pending or running for the plant.
	ErrBusy = errors.New("irrigation already in progress")
	// ErrNotActive means the requested transition needs a running session.
	ErrNotActive = errors.New("no active irrigation")
	// ErrBlocked means the valve is faulted and must be cleared first.
	ErrBlocked = errors.New("valve is blocked")
)

// State is the lifecycle of one irrigation session.
type State int

const (
	Idle State = iota
	// Pending: the start request is on its way; no ack yet.
	Pending
	ActiveManual
	ActiveSmart
	// Paused freezes the countdown only. The valve stays open; water keeps
	// flowing until the session is stopped or the duration elapses.
	Paused
	// Stopping: the stop request is on its way; the session ends when the
	// close ack arrives.
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case ActiveManual:
		return "active-manual"
	case ActiveSmart:
		return "active-smart"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Session tracks the irrigation lifecycle of one plant. User intents and
// server events both mutate it under one mutex; illegal intents return an
// error, stray server events are ignored.
type Session struct {
	mu sync.Mutex

	plantID   int64
	state     State
	activeAs  State // ActiveManual or ActiveSmart; what Pending/Paused resolve to
	remaining int   // seconds, manual countdown only
	blocked   bool
	moisture  int
}

func NewSession(plantID int64) *Session {
	return &Session{plantID: plantID, state: Idle}
}

func (s *Session) PlantID() int64 { return s.plantID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsActive reports whether water may be flowing: anything between the start
// ack and the final close ack counts.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == ActiveManual || s.state == ActiveSmart || s.state == Paused || s.state == Stopping
}

// TimeLeft returns the remaining manual countdown in seconds.
func (s *Session) TimeLeft() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

func (s *Session) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// LastMoisture returns the latest moisture seen during a smart run.
func (s *Session) LastMoisture() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moisture
}

// ---------------- user intents ----------------

// StartManual requests a timed watering. The countdown value is displayed
// immediately but only starts running once the open ack arrives.
func (s *Session) StartManual(durationSec int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked {
		return ErrBlocked
	}
	if s.state != Idle {
		return ErrBusy
	}
	s.state = Pending
	s.activeAs = ActiveManual
	s.remaining = durationSec
	return nil
}

func (s *Session) StartSmart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked {
		return ErrBlocked
	}
	if s.state != Idle {
		return ErrBusy
	}
	s.state = Pending
	s.activeAs = ActiveSmart
	s.remaining = 0
	return nil
}

// Pause freezes the countdown. It is a pure client-side affordance; no
// command is sent and the valve does not close.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ActiveManual && s.state != ActiveSmart {
		return ErrNotActive
	}
	s.activeAs = s.state
	s.state = Paused
	return nil
}

func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return ErrNotActive
	}
	s.state = s.activeAs
	return nil
}

// Stop moves the session to Stopping; it ends when the close ack arrives.
// Smart reports whether the running session was a smart one, so the caller
// knows which stop command to send.
func (s *Session) Stop() (smart bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Pending, ActiveManual, ActiveSmart, Paused:
		s.state = Stopping
		return s.activeAs == ActiveSmart, nil
	default:
		return false, ErrNotActive
	}
}

// Tick advances the manual countdown by one second. The countdown hitting
// zero does not end the session; the device's close ack does.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ActiveManual && s.remaining > 0 {
		s.remaining--
	}
}

// ---------------- server events ----------------

// HandleStarted is the open ack. A start ack for a session already being
// stopped is ignored; the close ack will settle it.
func (s *Session) HandleStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending {
		return
	}
	s.state = s.activeAs
}

// HandleProgress records a smart-run measurement. Progress after a stop was
// requested is stale and ignored.
func (s *Session) HandleProgress(moisture int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopping || s.state == Idle {
		return
	}
	s.moisture = moisture
}

// HandleFinished is the terminal ack, from whichever state; the session
// always lands on Idle with no residual countdown.
func (s *Session) HandleFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	s.remaining = 0
}

// HandleBlocked ends the session and latches the fault until the garden
// clears it.
func (s *Session) HandleBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = true
	s.state = Idle
	s.remaining = 0
}

// HandleFail ends a pending or running session that the server rejected.
func (s *Session) HandleFail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	s.remaining = 0
}

func (s *Session) HandleUnblocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = false
}
