package models

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StateQueued, StateRunning, true},
		{StateQueued, StateRejected, true},
		{StateQueued, StateSucceeded, false},
		{StateQueued, StateFailed, false},
		{StateRunning, StateSucceeded, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateTimedOut, true},
		{StateRunning, StateRejected, true},
		{StateRunning, StateQueued, false},
		{StateSucceeded, StateFailed, false},
		{StateFailed, StateRunning, false},
		{StateTimedOut, StateQueued, false},
		{StateRejected, StateRunning, false},
		{"bogus", StateRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StateSucceeded, StateFailed, StateTimedOut, StateRejected} {
		if !IsTerminal(s) {
			t.Errorf("expected %q terminal", s)
		}
	}
	for _, s := range []string{StateQueued, StateRunning, ""} {
		if IsTerminal(s) {
			t.Errorf("expected %q not terminal", s)
		}
	}
}

func TestTerminalStateFor(t *testing.T) {
	cases := map[string]string{
		ReasonOK:                 StateSucceeded,
		ReasonTimeout:            StateTimedOut,
		ReasonBackendUnavailable: StateRejected,
		ReasonNonzeroExit:        StateFailed,
		ReasonInternalError:      StateFailed,
		"something else":         StateFailed,
	}
	for reason, want := range cases {
		if got := TerminalStateFor(reason); got != want {
			t.Errorf("TerminalStateFor(%q) = %q, want %q", reason, got, want)
		}
	}
}
