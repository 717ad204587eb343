package fsm

import "testing"

type cpgState int

const (
	stateJoining cpgState = iota
	stateOperational
	stateLeaving
)

type cpgEvent int

const (
	eventJoinAck cpgEvent = iota
	eventLeaveReq
	eventLeaveAck
)

func cpgTable() Table[cpgState, cpgEvent] {
	return Table[cpgState, cpgEvent]{
		{From: stateJoining, On: eventJoinAck}:     stateOperational,
		{From: stateOperational, On: eventLeaveReq}: stateLeaving,
		{From: stateLeaving, On: eventLeaveAck}:     stateJoining,
	}
}

func TestMachine_Fire_FollowsTable(t *testing.T) {
	m := New(cpgTable(), stateJoining)

	next, err := m.Fire(eventJoinAck)
	if err != nil {
		t.Fatalf("Fire(eventJoinAck): %v", err)
	}
	if next != stateOperational || m.Current() != stateOperational {
		t.Fatalf("state = %v, want stateOperational", m.Current())
	}
}

func TestMachine_Fire_NoTransitionLeavesStateUnchanged(t *testing.T) {
	m := New(cpgTable(), stateJoining)

	_, err := m.Fire(eventLeaveReq) // not valid from stateJoining
	if err == nil {
		t.Fatal("expected an error firing an event with no edge from the current state")
	}
	if m.Current() != stateJoining {
		t.Fatalf("state after rejected Fire = %v, want unchanged stateJoining", m.Current())
	}

	var noTrans *ErrNoTransition[cpgState, cpgEvent]
	if _, ok := err.(*ErrNoTransition[cpgState, cpgEvent]); !ok {
		t.Fatalf("error type = %T, want %T", err, noTrans)
	}
}

func TestMachine_Force_SetsStateUnconditionally(t *testing.T) {
	m := New(cpgTable(), stateJoining)
	m.Force(stateLeaving)
	if m.Current() != stateLeaving {
		t.Fatalf("Current() after Force = %v, want stateLeaving", m.Current())
	}
}

func TestMachine_CompareAndForce(t *testing.T) {
	m := New(cpgTable(), stateJoining)

	if m.CompareAndForce(stateOperational, stateLeaving) {
		t.Error("CompareAndForce should fail when current state doesn't match want")
	}
	if m.Current() != stateJoining {
		t.Fatalf("state mutated by a failed CompareAndForce: %v", m.Current())
	}

	if !m.CompareAndForce(stateJoining, stateOperational) {
		t.Error("CompareAndForce should succeed when current state matches want")
	}
	if m.Current() != stateOperational {
		t.Fatalf("Current() after successful CompareAndForce = %v, want stateOperational", m.Current())
	}
}
