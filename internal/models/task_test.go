package models

import (
	"errors"
	"testing"
)

func TestCanTransitionForward(t *testing.T) {
	path := []ProcessingStatus{StatusPending, StatusUploading, StatusAnalyzing, StatusSanitizing, StatusCompleted}
	for i := 1; i < len(path); i++ {
		if err := CanTransition(path[i-1], path[i]); err != nil {
			t.Fatalf("%s -> %s: %v", path[i-1], path[i], err)
		}
	}
	if err := CanTransition(StatusSanitizing, StatusSanitizing); err != nil {
		t.Fatalf("re-entering sanitizing should be allowed: %v", err)
	}
}

func TestCanTransitionRejects(t *testing.T) {
	cases := []struct {
		from, to ProcessingStatus
	}{
		{StatusUploading, StatusPending},
		{StatusSanitizing, StatusAnalyzing},
		{StatusAnalyzing, StatusCompleted},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusUploading},
		{ProcessingStatus("RECONSTRUCTING"), StatusCompleted},
	}
	for _, tc := range cases {
		if err := CanTransition(tc.from, tc.to); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestFailedReachableFromAnyNonTerminal(t *testing.T) {
	for _, s := range []ProcessingStatus{StatusPending, StatusUploading, StatusAnalyzing, StatusSanitizing} {
		if err := CanTransition(s, StatusFailed); err != nil {
			t.Fatalf("%s -> FAILED: %v", s, err)
		}
	}
}

func TestCloneDoesNotShareSlices(t *testing.T) {
	rec := &TaskRecord{ID: "a", PipelineSteps: []string{"x"}, Content: []byte("abc")}
	cp := rec.Clone()
	cp.PipelineSteps[0] = "y"
	cp.Content[0] = 'z'
	if rec.PipelineSteps[0] != "x" || rec.Content[0] != 'a' {
		t.Fatalf("clone shares backing arrays: %#v", rec)
	}
}
