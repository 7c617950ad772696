package transfer

import (
	"sync"
)

// SessionState is a stage in a transfer's lifecycle (spec §3).
type SessionState int

const (
	StateIdle SessionState = iota
	StateWaiting            // sender only: offer made, waiting for receiver to accept
	StateReady              // key exchange complete, both sides ready to move data
	StateTransferring
	StateComplete
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaiting:
		return "WAITING"
	case StateReady:
		return "READY"
	case StateTransferring:
		return "TRANSFERRING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions enumerates every legal state transition. A DATA frame
// can only be processed once the session carries a shared key, which this
// table enforces indirectly: TRANSFERRING is only reachable from READY,
// and READY is only reached once key exchange has completed (session.go's
// callers are responsible for deriving the key before calling
// TransitionTo(StateReady) — see sender.go / receiver.go).
var validTransitions = map[SessionState][]SessionState{
	StateIdle:         {StateWaiting, StateReady, StateFailed},
	StateWaiting:      {StateReady, StateFailed},
	StateReady:        {StateTransferring, StateFailed},
	StateTransferring: {StateComplete, StateFailed},
	StateComplete:     {},
	StateFailed:       {},
}

// Session tracks one transfer's lifecycle state and the data needed to
// enforce spec §3's state machine (in particular, that DATA frames are
// rejected until a shared key exists).
type Session struct {
	mu          sync.Mutex
	TransferID  string
	state       SessionState
	hasSharedKey bool
}

// NewSession creates a session in the IDLE state.
func NewSession(transferID string) *Session {
	return &Session{TransferID: transferID, state: StateIdle}
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TransitionTo attempts to move the session to newState, returning
// ErrInvalidState if the transition isn't legal from the current state.
func (s *Session) TransitionTo(newState SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range validTransitions[s.state] {
		if allowed == newState {
			s.state = newState
			return nil
		}
	}
	return ErrInvalidState
}

// SetSharedKeyEstablished records that key exchange has completed. Must be
// called before transitioning to TRANSFERRING.
func (s *Session) SetSharedKeyEstablished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasSharedKey = true
}

// CanAcceptDataFrames reports whether the session is in a state where DATA
// frames may be processed: TRANSFERRING with a shared key established.
// This is the enforcement point for spec §3's "key exchange before DATA" rule.
func (s *Session) CanAcceptDataFrames() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateTransferring && s.hasSharedKey
}
