package hsm

import (
	"testing"

	"datamake/internal/model"
)

func TestCanTransitionSessionAllowsForwardPath(t *testing.T) {
	if !CanTransitionSession(model.SessionStatusChecking, model.SessionStatusPlanning) {
		t.Fatalf("expected checking -> planning to be allowed")
	}
	if !CanTransitionSession(model.SessionStatusPlanning, model.SessionStatusRunning) {
		t.Fatalf("expected planning -> running to be allowed")
	}
	if !CanTransitionSession(model.SessionStatusPlanning, model.SessionStatusEditing) {
		t.Fatalf("expected planning -> editing to be allowed")
	}
	if !CanTransitionSession(model.SessionStatusEditing, model.SessionStatusRunning) {
		t.Fatalf("expected editing -> running to be allowed")
	}
	if !CanTransitionSession(model.SessionStatusRunning, model.SessionStatusSucceeded) {
		t.Fatalf("expected running -> succeeded to be allowed")
	}
}

func TestCanTransitionSessionEarlyExits(t *testing.T) {
	if !CanTransitionSession(model.SessionStatusChecking, model.SessionStatusSatisfied) {
		t.Fatalf("expected checking -> satisfied to be allowed")
	}
	if !CanTransitionSession(model.SessionStatusEditing, model.SessionStatusCanceled) {
		t.Fatalf("expected editing -> canceled to be allowed")
	}
	for _, from := range []model.SessionStatus{
		model.SessionStatusChecking,
		model.SessionStatusPlanning,
		model.SessionStatusEditing,
		model.SessionStatusRunning,
	} {
		if !CanTransitionSession(from, model.SessionStatusAborted) {
			t.Fatalf("expected %s -> aborted to be allowed", from)
		}
	}
}

func TestCanTransitionSessionRejectsBackwardAndTerminal(t *testing.T) {
	if CanTransitionSession(model.SessionStatusRunning, model.SessionStatusPlanning) {
		t.Fatalf("expected running -> planning to be rejected")
	}
	if CanTransitionSession(model.SessionStatusSucceeded, model.SessionStatusRunning) {
		t.Fatalf("expected succeeded -> running to be rejected")
	}
	if CanTransitionSession(model.SessionStatusAborted, model.SessionStatusRunning) {
		t.Fatalf("expected aborted -> running to be rejected")
	}
	if CanTransitionSession(model.SessionStatusSatisfied, model.SessionStatusPlanning) {
		t.Fatalf("expected satisfied -> planning to be rejected")
	}
	if CanTransitionSession(model.SessionStatusChecking, model.SessionStatusRunning) {
		t.Fatalf("expected checking -> running to be rejected")
	}
	if CanTransitionSession(model.SessionStatusRunning, model.SessionStatusCanceled) {
		t.Fatalf("expected running -> canceled to be rejected")
	}
}

func TestCanTransitionSessionSelfLoop(t *testing.T) {
	for _, status := range []model.SessionStatus{
		model.SessionStatusChecking,
		model.SessionStatusRunning,
		model.SessionStatusSucceeded,
	} {
		if !CanTransitionSession(status, status) {
			t.Fatalf("expected %s -> %s to be allowed", status, status)
		}
	}
}
