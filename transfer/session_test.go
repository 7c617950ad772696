package transfer

import "testing"

func TestSessionValidTransitionSequence(t *testing.T) {
	s := NewSession("t1")
	if s.State() != StateIdle {
		t.Fatalf("initial state = %v, want IDLE", s.State())
	}

	steps := []SessionState{StateWaiting, StateReady, StateTransferring, StateComplete}
	for _, next := range steps {
		if err := s.TransitionTo(next); err != nil {
			t.Fatalf("transition to %v: %v", next, err)
		}
	}
	if s.State() != StateComplete {
		t.Fatalf("final state = %v, want COMPLETE", s.State())
	}
}

func TestSessionRejectsIllegalTransition(t *testing.T) {
	s := NewSession("t1")
	if err := s.TransitionTo(StateTransferring); err != ErrInvalidState {
		t.Fatalf("err = %v, want ErrInvalidState (can't skip from IDLE to TRANSFERRING)", err)
	}
}

func TestSessionTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	s := NewSession("t1")
	s.TransitionTo(StateWaiting)
	s.TransitionTo(StateFailed)

	if err := s.TransitionTo(StateReady); err != ErrInvalidState {
		t.Fatalf("err = %v, want ErrInvalidState once FAILED", err)
	}
}

func TestCanAcceptDataFramesRequiresTransferringAndSharedKey(t *testing.T) {
	s := NewSession("t1")
	if s.CanAcceptDataFrames() {
		t.Fatal("fresh session should not accept DATA frames")
	}

	s.TransitionTo(StateWaiting)
	s.TransitionTo(StateReady)
	s.TransitionTo(StateTransferring)
	if s.CanAcceptDataFrames() {
		t.Fatal("session without a shared key must not accept DATA frames, even if TRANSFERRING")
	}

	s.SetSharedKeyEstablished()
	if !s.CanAcceptDataFrames() {
		t.Fatal("TRANSFERRING + shared key should accept DATA frames")
	}
}
